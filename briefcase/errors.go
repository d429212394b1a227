/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package briefcase

import (
	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/ids"
)

var (
	// ErrInvalidWriterID indicates a writer id which is out of range or not held by the copy.
	ErrInvalidWriterID = ids.ErrInvalidWriterID
	// ErrCounterExhausted indicates that the local counter of the writer reached its maximum.
	ErrCounterExhausted = ids.ErrCounterExhausted
	// ErrNotPermitted indicates an operation not allowed in the open mode of the copy.
	ErrNotPermitted = errors.New("operation not permitted")
	// ErrReadOnly indicates a write on a read-only copy.
	ErrReadOnly = errors.New("copy is read-only")
	// ErrCopyLocked indicates that another process holds the copy file.
	ErrCopyLocked = errors.New("copy is locked by another process")
	// ErrHalted indicates that the copy refuses writes until an operator intervenes.
	ErrHalted = errors.New("copy is halted")
	// ErrClosed indicates a closed copy.
	ErrClosed = errors.New("copy is closed")
	// ErrWriterAssigned indicates an assignment on a copy which already has a writer id.
	ErrWriterAssigned = errors.New("writer id already assigned")
	// ErrTxActive indicates an operation which needs the copy to be outside a transaction.
	ErrTxActive = errors.New("a transaction is active")
	// ErrTxDone indicates an operation on a committed or abandoned transaction.
	ErrTxDone = errors.New("transaction is already done")
	// ErrUntrackedWrite indicates raw DML on a tracked table, which would bypass change capture.
	ErrUntrackedWrite = errors.New("untracked write on a tracked table")
	// ErrInternalTable indicates a direct write on an engine maintained table.
	ErrInternalTable = errors.New("internal table is not writable")
	// ErrNoPrimaryKey indicates a tracked table or row without a usable primary key.
	ErrNoPrimaryKey = errors.New("primary key required")
	// ErrPrimaryKeyChange indicates an update of primary key columns.
	ErrPrimaryKeyChange = errors.New("primary key columns cannot be updated")
	// ErrNoSuchTable indicates an unknown table.
	ErrNoSuchTable = errors.New("no such table")
	// ErrNoSuchColumn indicates an unknown column.
	ErrNoSuchColumn = errors.New("no such column")
	// ErrRowNotFound indicates that the addressed row does not exist.
	ErrRowNotFound = errors.New("row not found")
	// ErrSchemaMismatch indicates a change set whose declared schema differs from the target.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrChangeSetNotFound indicates an unknown change set sequence number.
	ErrChangeSetNotFound = errors.New("change set not found")
)
