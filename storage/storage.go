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
// Package storage implements the reserved tables kept inside every briefcase file.
//
// Three tables are reserved. be_local holds per-copy key/value state which never travels
// with change sets. be_prop holds the copy's own properties such as the writer id and the
// local counter. be_changeset holds the sealed change sets produced by this copy.
//
// All operations take a Querier so that they run inside the caller's transaction. The
// go-sqlite3 implementation only guarantees the safety of concurrent readers, a copy is
// therefore expected to be written from a single goroutine.
package storage

import (
	"context"
	"database/sql"
	"strings"
)

const (
	// LocalTable is the local-only key/value table.
	LocalTable = "be_local"
	// PropTable is the copy property table.
	PropTable = "be_prop"
	// ChangeSetTable is the inline change set store.
	ChangeSetTable = "be_changeset"

	// ReservedPrefix prefixes every reserved table name.
	ReservedPrefix = "be_"
)

var schemaStatements = []string{
	"CREATE TABLE IF NOT EXISTS `" + LocalTable + "` (" +
		"`namespace` TEXT NOT NULL, `key` TEXT NOT NULL, `value` BLOB, " +
		"PRIMARY KEY (`namespace`, `key`))",
	"CREATE TABLE IF NOT EXISTS `" + PropTable + "` (" +
		"`namespace` TEXT NOT NULL, `name` TEXT NOT NULL, `value` TEXT, " +
		"PRIMARY KEY (`namespace`, `name`))",
	"CREATE TABLE IF NOT EXISTS `" + ChangeSetTable + "` (" +
		"`seq` INTEGER PRIMARY KEY, `writer` INTEGER NOT NULL, `schema` INTEGER NOT NULL, " +
		"`created` INTEGER NOT NULL, `data` BLOB NOT NULL)",
}

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx used by this package.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EnsureTables creates the reserved tables if they do not exist yet.
func EnsureTables(ctx context.Context, q Querier) (err error) {
	for _, stmt := range schemaStatements {
		if _, err = q.ExecContext(ctx, stmt); err != nil {
			return
		}
	}
	return
}

// TableClass classifies a table for change capture.
type TableClass int

const (
	// Tracked tables are captured in change sets.
	Tracked TableClass = iota
	// Local tables are written freely but never captured.
	Local
	// Internal tables are maintained by the engine and refuse direct row writes.
	Internal
)

func (c TableClass) String() string {
	switch c {
	case Tracked:
		return "tracked"
	case Local:
		return "local"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Classify returns the class of the named table.
func Classify(table string) TableClass {
	name := strings.ToLower(strings.Trim(table, "`\"[]"))
	switch {
	case name == LocalTable:
		return Local
	case strings.HasPrefix(name, ReservedPrefix), strings.HasPrefix(name, "sqlite_"):
		return Internal
	default:
		return Tracked
	}
}

// IsReserved reports whether the named table is owned by the engine rather than the user schema.
func IsReserved(table string) bool {
	return Classify(table) != Tracked
}
