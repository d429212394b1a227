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
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/CovenantSQL/sqlparser"
	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/storage"
	"github.com/CovenantSQL/briefcase/utils/log"
)

// TxState is the recording state of a transaction.
type TxState int

const (
	// Idle means nothing has been recorded yet.
	Idle TxState = iota
	// Recording means at least one mutation or DDL statement was captured.
	Recording
	// Sealed means the transaction committed.
	Sealed
	// Discarded means the transaction was abandoned.
	Discarded
)

func (s TxState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	case Sealed:
		return "Sealed"
	case Discarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// Tx is a write transaction which records its mutations into a change set.
type Tx struct {
	c       *Copy
	ctx     context.Context
	conn    *sql.Conn
	tx      *sql.Tx
	state   TxState
	entries []cs.Entry
	ddl     []string

	counter ids.LocalCounter
}

// Begin starts a write transaction. Only one transaction may be active per copy.
func (c *Copy) Begin(ctx context.Context) (t *Tx, err error) {
	c.Lock()
	defer c.Unlock()
	if err = c.checkWritable(); err != nil {
		return
	}
	if err = c.checkNotHalted(); err != nil {
		return
	}
	var (
		conn *sql.Conn
		tx   *sql.Tx
	)
	if conn, err = c.db.Conn(ctx); err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	if err = c.watcher.Install(conn); err != nil {
		conn.Close()
		return
	}
	if tx, err = conn.BeginTx(ctx, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "begin transaction")
	}
	t = &Tx{
		c:       c,
		ctx:     ctx,
		conn:    conn,
		tx:      tx,
		counter: c.alloc.Counter,
	}
	c.tx = t
	return
}

// State returns the recording state.
func (t *Tx) State() TxState {
	t.c.Lock()
	defer t.c.Unlock()
	return t.state
}

func (t *Tx) done() bool { return t.state == Sealed || t.state == Discarded }

// record moves the transaction into Recording. A change set needs an owner, so the copy
// must hold a writer id.
func (t *Tx) record() error {
	if !t.c.alloc.Writer.Valid() {
		return errors.Wrap(ErrInvalidWriterID, "copy has no writer id")
	}
	t.state = Recording
	return nil
}

func (t *Tx) tableFor(table string) (ts *schema.TableDescriptor, class storage.TableClass, err error) {
	if t.done() {
		return nil, 0, ErrTxDone
	}
	switch class = storage.Classify(table); class {
	case storage.Internal:
		return nil, class, errors.Wrapf(ErrInternalTable, "table %s", table)
	case storage.Local:
		return
	}
	if ts, err = t.c.tableSchema(t.ctx, t.tx, table); err != nil {
		return
	}
	if len(ts.PrimaryKey()) == 0 {
		return nil, class, errors.Wrapf(ErrNoPrimaryKey, "table %s", table)
	}
	return
}

func sortedKeys(row Row) []string {
	names := make([]string, 0, len(row))
	for n := range row {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func rowArgs(row Row, names []string) []interface{} {
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = row[n]
	}
	return args
}

// Insert adds a row and records its after image along with every row the insert changed
// through triggers.
func (t *Tx) Insert(table string, row Row) (err error) {
	t.c.Lock()
	defer t.c.Unlock()
	ts, class, err := t.tableFor(table)
	if err != nil {
		return
	}
	if class == storage.Local {
		return errors.Wrap(ErrNotPermitted, "use SetLocalValue for local values")
	}
	if err = t.record(); err != nil {
		return
	}
	names := sortedKeys(row)
	var cols []string
	if cols, err = checkColumns(ts, names); err != nil {
		return
	}

	var (
		keyArgs []interface{}
		pk      = ts.PrimaryKey()
	)
	for _, p := range pk {
		for i, col := range cols {
			if strings.EqualFold(col, p) {
				keyArgs = append(keyArgs, row[names[i]])
			}
		}
	}
	if len(keyArgs) != len(pk) && !isRowidAlias(ts) {
		return errors.Wrapf(ErrNoPrimaryKey, "insert into %s without all primary key values", table)
	}
	key, err := toValues(keyArgs)
	if err != nil {
		return
	}
	if err = t.capture(ts, nil, key, insertStmt(ts.Name, cols), rowArgs(row, names)...); err != nil {
		return errors.Wrapf(err, "insert into %s", table)
	}
	return
}

// Update changes columns of the row addressed by its primary key values. It records the full
// before image plus the new values of the changed columns, for the addressed row and for
// every row changed through foreign key actions and triggers.
func (t *Tx) Update(table string, key []interface{}, set Row) (err error) {
	t.c.Lock()
	defer t.c.Unlock()
	ts, class, err := t.tableFor(table)
	if err != nil {
		return
	}
	if class == storage.Local {
		return errors.Wrap(ErrNotPermitted, "use SetLocalValue for local values")
	}
	names := sortedKeys(set)
	var cols []string
	if cols, err = checkColumns(ts, names); err != nil {
		return
	}
	for _, col := range cols {
		if isPrimaryKey(ts, col) {
			return errors.Wrapf(ErrPrimaryKeyChange, "column %s.%s", table, col)
		}
	}
	before, err := t.locate(ts, key)
	if err != nil || len(cols) == 0 {
		return
	}
	if err = t.record(); err != nil {
		return
	}
	rowKey := keyOf(ts, before)
	if err = t.capture(ts, before, rowKey, updateStmt(ts, cols),
		append(rowArgs(set, names), rowKey.Args()...)...); err != nil {
		return errors.Wrapf(err, "update %s%s", table, rowKey)
	}
	return
}

// Delete removes the row addressed by its primary key values and records its before image,
// along with the rows removed or changed by foreign key actions and triggers.
func (t *Tx) Delete(table string, key ...interface{}) (err error) {
	t.c.Lock()
	defer t.c.Unlock()
	ts, class, err := t.tableFor(table)
	if err != nil {
		return
	}
	if class == storage.Local {
		return errors.Wrap(ErrNotPermitted, "use DeleteLocalValue for local values")
	}
	if err = t.record(); err != nil {
		return
	}
	before, err := t.locate(ts, key)
	if err != nil {
		return
	}
	rowKey := keyOf(ts, before)
	if err = t.capture(ts, before, rowKey, deleteStmt(ts), rowKey.Args()...); err != nil {
		return errors.Wrapf(err, "delete %s%s", table, rowKey)
	}
	return
}

func (t *Tx) locate(ts *schema.TableDescriptor, key []interface{}) (img Image, err error) {
	pk := ts.PrimaryKey()
	if len(key) != len(pk) {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "table %s expects %d key values, got %d",
			ts.Name, len(pk), len(key))
	}
	vals, err := toValues(key)
	if err != nil {
		return
	}
	img, found, err := readRow(t.ctx, t.tx, ts, vals)
	if err != nil {
		return
	}
	if !found {
		return nil, errors.Wrapf(ErrRowNotFound, "%s%s", ts.Name, vals)
	}
	return
}

// Get reads a row by primary key inside the transaction.
func (t *Tx) Get(table string, key ...interface{}) (img Image, found bool, err error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return nil, false, ErrTxDone
	}
	ts, err := t.c.tableSchema(t.ctx, t.tx, table)
	if err != nil {
		return
	}
	vals, err := toValues(key)
	if err != nil {
		return
	}
	return readRow(t.ctx, t.tx, ts, vals)
}

// statementTables returns the reserved and user tables mentioned by a statement.
func (t *Tx) statementTables(query string) (internal, tracked []string, err error) {
	tables := make(map[string]bool)
	if t.c.schema == nil {
		if t.c.schema, err = schema.Load(t.ctx, t.tx); err != nil {
			return
		}
	}
	for _, ts := range t.c.schema.Tables {
		tables[strings.ToLower(ts.Name)] = true
	}
	tkn := sqlparser.NewStringTokenizer(query)
	for {
		tok, val := tkn.Scan()
		if tok == 0 || tok == sqlparser.LEX_ERROR {
			break
		}
		word := strings.ToLower(string(val))
		switch {
		case storage.Classify(word) == storage.Internal:
			internal = append(internal, word)
		case tables[word]:
			tracked = append(tracked, word)
		}
	}
	return
}

// Exec runs a statement. DDL is recorded verbatim and marks the change set as a schema change.
// DML on tracked tables must go through Insert, Update and Delete and is refused here. DML
// on the local value table runs without being recorded.
func (t *Tx) Exec(query string, args ...interface{}) (res sql.Result, err error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return nil, ErrTxDone
	}
	var internal, tracked []string
	if internal, tracked, err = t.statementTables(query); err != nil {
		return
	}
	switch kind := sqlparser.Preview(query); kind {
	case sqlparser.StmtBegin, sqlparser.StmtCommit, sqlparser.StmtRollback:
		return nil, errors.Wrap(ErrNotPermitted, "transaction control inside a transaction")
	case sqlparser.StmtSelect:
	case sqlparser.StmtDDL:
		if len(internal) > 0 {
			return nil, errors.Wrapf(ErrInternalTable, "ddl on %s", strings.Join(internal, ", "))
		}
		if err = t.record(); err != nil {
			return
		}
		if res, err = t.tx.ExecContext(t.ctx, query, args...); err != nil {
			return
		}
		t.ddl = append(t.ddl, strings.TrimSpace(query))
		t.c.invalidateSchema()
		return
	default:
		if len(internal) > 0 {
			return nil, errors.Wrapf(ErrInternalTable, "write on %s", strings.Join(internal, ", "))
		}
		if len(tracked) > 0 {
			return nil, errors.Wrapf(ErrUntrackedWrite, "statement touches %s", strings.Join(tracked, ", "))
		}
	}
	return t.tx.ExecContext(t.ctx, query, args...)
}

// Query runs a read query inside the transaction.
func (t *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return nil, ErrTxDone
	}
	return t.tx.QueryContext(t.ctx, query, args...)
}

// QueryRow runs a single row read query inside the transaction.
func (t *Tx) QueryRow(query string, args ...interface{}) *SingleRow {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return &SingleRow{err: ErrTxDone}
	}
	return &SingleRow{row: t.tx.QueryRowContext(t.ctx, query, args...)}
}

// NextID allocates a distributed id within the transaction. The counter update rolls back
// with the transaction.
func (t *Tx) NextID(w ids.WriterID) (ids.DistributedID, error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return ids.DistributedID{}, ErrTxDone
	}
	return t.c.nextID(t.ctx, t.tx, w)
}

// GetLocalValue reads a local value inside the transaction.
func (t *Tx) GetLocalValue(namespace, key string) ([]byte, bool, error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return nil, false, ErrTxDone
	}
	return t.c.lv.Get(t.ctx, t.tx, namespace, key)
}

// SetLocalValue writes a local value inside the transaction. It commits or rolls back with
// the transaction but is never recorded.
func (t *Tx) SetLocalValue(namespace, key string, value []byte) error {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return ErrTxDone
	}
	return t.c.lv.Set(t.ctx, t.tx, namespace, key, value)
}

// Commit commits the transaction. When something was recorded the change set is sealed with
// the next sequence number of the copy, stored and returned; otherwise the result is nil.
func (t *Tx) Commit(meta cs.Meta) (set *cs.ChangeSet, err error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return nil, ErrTxDone
	}
	defer func() {
		if err != nil {
			t.rollbackLocked()
		}
	}()

	if t.state == Recording {
		set = &cs.ChangeSet{
			Writer:               t.c.alloc.Writer,
			ContainsSchemaChange: len(t.ddl) > 0,
			DDL:                  t.ddl,
			Entries:              t.entries,
			Description:          meta.Description,
			Author:               meta.Author,
			CreatedAt:            time.Now(),
		}
		if set.ContainsSchemaChange {
			if set.PostSchema, err = schema.Objects(t.ctx, t.tx); err != nil {
				return nil, err
			}
		}
		if err = t.c.storeChangeSet(t.ctx, t.tx, set); err != nil {
			return nil, err
		}
	}
	if err = t.tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	t.conn.Close()
	t.state = Sealed
	t.c.tx = nil
	if set != nil {
		log.WithFields(log.Fields{
			"path":    t.c.path,
			"seq":     set.Seq,
			"writer":  set.Writer,
			"entries": len(set.Entries),
			"ddl":     len(set.DDL),
		}).Debug("sealed change set")
	}
	return
}

// Abandon rolls the transaction back. Nothing is recorded.
func (t *Tx) Abandon() (err error) {
	t.c.Lock()
	defer t.c.Unlock()
	if t.done() {
		return ErrTxDone
	}
	return t.rollbackLocked()
}

func (t *Tx) rollbackLocked() (err error) {
	err = t.tx.Rollback()
	t.conn.Close()
	t.state = Discarded
	t.entries, t.ddl = nil, nil
	t.c.alloc.Counter = t.counter
	if t.c.alloc.Counter < ids.MaxLocalCounter {
		t.c.exhausted = false
	}
	t.c.invalidateSchema()
	t.c.tx = nil
	return
}
