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
// Package sqlite registers the host SQL engine drivers used by briefcase copies.
package sqlite

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/storage"
	"github.com/CovenantSQL/briefcase/utils/log"
)

const (
	readWriteDriver = "sqlite3-briefcase"
	readOnlyDriver  = "sqlite3-briefcase-reader"

	defaultBusyTimeout = 5 * time.Second
)

// Mode is the access mode a copy is opened with.
type Mode int

const (
	// ReadOnly opens the copy for queries only.
	ReadOnly Mode = iota
	// ReadWrite opens the copy for writing while other processes may read it.
	ReadWrite
	// Exclusive opens the copy for writing and locks out every other process.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "ReadOnly"
	case ReadWrite:
		return "ReadWrite"
	case Exclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// ParseMode parses a mode name, case insensitive.
func ParseMode(s string) (m Mode, err error) {
	switch strings.ToLower(s) {
	case "readonly", "ro":
		m = ReadOnly
	case "readwrite", "rw", "":
		m = ReadWrite
	case "exclusive", "x":
		m = Exclusive
	default:
		err = errors.Errorf("unknown open mode: %s", s)
	}
	return
}

// Writable reports whether the mode allows writes.
func (m Mode) Writable() bool { return m != ReadOnly }

func idText(v int64) string {
	return ids.FromUint64(uint64(v)).String()
}

func idWriter(v int64) int64 {
	return int64(ids.FromUint64(uint64(v)).Writer)
}

func idCounter(v int64) int64 {
	return int64(ids.FromUint64(uint64(v)).Counter)
}

func idParse(s string) (int64, error) {
	id, err := ids.ParseDistributedID(s)
	if err != nil {
		return 0, err
	}
	return int64(id.Uint64()), nil
}

func registerFuncs(c *sqlite3.SQLiteConn) (err error) {
	for name, fn := range map[string]interface{}{
		"be_id_text":    idText,
		"be_id_writer":  idWriter,
		"be_id_counter": idCounter,
		"be_id_parse":   idParse,
	} {
		if err = c.RegisterFunc(name, fn, true); err != nil {
			return
		}
	}
	return
}

func init() {
	sql.Register(readWriteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) (err error) {
			if _, err = c.Exec("PRAGMA foreign_keys=ON", nil); err != nil {
				return
			}
			return registerFuncs(c)
		},
	})
	sql.Register(readOnlyDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) (err error) {
			if _, err = c.Exec("PRAGMA query_only=1", nil); err != nil {
				return
			}
			return registerFuncs(c)
		},
	})
}

// FormatDSN builds the connection string for a file opened in the given mode.
func FormatDSN(filename string, mode Mode, busyTimeout time.Duration) (s string, err error) {
	var dsn *storage.DSN
	if dsn, err = storage.NewDSN(filename); err != nil {
		return
	}
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	dsn = dsn.Clone()
	dsn.AddParam("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	switch mode {
	case ReadOnly:
		if !dsn.IsMemory() {
			dsn.AddParam("mode", "ro")
		}
	case Exclusive:
		dsn.AddParam("_locking_mode", "EXCLUSIVE")
		dsn.AddParam("_txlock", "exclusive")
	default:
		dsn.AddParam("_txlock", "immediate")
	}
	s = dsn.Format()
	return
}

// Open opens filename in the given mode. Writable handles are limited to a single connection
// so that transactions and connection pragmas stay on one connection.
func Open(filename string, mode Mode, busyTimeout time.Duration) (db *sql.DB, err error) {
	var (
		dsn    string
		driver = readWriteDriver
	)
	if dsn, err = FormatDSN(filename, mode, busyTimeout); err != nil {
		return
	}
	if mode == ReadOnly {
		driver = readOnlyDriver
	}
	if db, err = sql.Open(driver, dsn); err != nil {
		err = errors.Wrapf(err, "open %s", filename)
		return
	}
	if mode.Writable() {
		db.SetMaxOpenConns(1)
	}
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	log.WithFields(log.Fields{
		"file": filename,
		"mode": mode,
	}).Debug("opened sqlite database")
	return
}

// IsBusy reports whether err is a lock conflict raised by the engine.
func IsBusy(err error) bool {
	if se, ok := errors.Cause(err).(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraint reports whether err is a constraint violation raised by the engine.
func IsConstraint(err error) bool {
	if se, ok := errors.Cause(err).(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// Version returns the linked engine version.
func Version() string {
	v, _, _ := sqlite3.Version()
	return v
}
