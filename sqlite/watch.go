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

package sqlite

import (
	"database/sql"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// RowOp is the kind of a row change reported by the engine.
type RowOp int

// Row change kinds.
const (
	RowInsert RowOp = sqlite3.SQLITE_INSERT
	RowUpdate RowOp = sqlite3.SQLITE_UPDATE
	RowDelete RowOp = sqlite3.SQLITE_DELETE
)

func (op RowOp) String() string {
	switch op {
	case RowInsert:
		return "INSERT"
	case RowUpdate:
		return "UPDATE"
	case RowDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// RowChange is one row written in the main database. Tables declared WITHOUT ROWID are
// never reported.
type RowChange struct {
	Op    RowOp
	Table string
	RowID int64
}

// RowWatcher collects the row changes made on the connections it is installed on,
// including rows written by foreign key actions and triggers.
type RowWatcher struct {
	sync.Mutex
	installed map[*sqlite3.SQLiteConn]bool
	active    bool
	changes   []RowChange
}

// NewRowWatcher returns an idle watcher.
func NewRowWatcher() *RowWatcher {
	return &RowWatcher{installed: make(map[*sqlite3.SQLiteConn]bool)}
}

// Install hooks the watcher into the driver connection behind conn. Installing twice on
// the same connection is a no-op.
func (w *RowWatcher) Install(conn *sql.Conn) error {
	return conn.Raw(func(dc interface{}) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return errors.Errorf("unexpected driver connection %T", dc)
		}
		w.Lock()
		defer w.Unlock()
		if w.installed[sc] {
			return nil
		}
		sc.RegisterUpdateHook(w.observe)
		w.installed[sc] = true
		return nil
	})
}

func (w *RowWatcher) observe(op int, db, table string, rowid int64) {
	if db != "main" {
		return
	}
	w.Lock()
	defer w.Unlock()
	if w.active {
		w.changes = append(w.changes, RowChange{Op: RowOp(op), Table: table, RowID: rowid})
	}
}

// Start discards collected changes and begins collecting.
func (w *RowWatcher) Start() {
	w.Lock()
	defer w.Unlock()
	w.active, w.changes = true, nil
}

// Stop ends collecting and returns the changes in the order the engine made them.
func (w *RowWatcher) Stop() (changes []RowChange) {
	w.Lock()
	defer w.Unlock()
	changes, w.active, w.changes = w.changes, false, nil
	return
}
