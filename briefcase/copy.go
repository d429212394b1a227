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

// Package briefcase implements a local copy of a logical database shared by distributed
// writers.
//
// A Copy owns one SQLite file. Its writer id and local counter live in the reserved property
// table and feed the distributed id allocator. Writes go through a Tx which records every row
// mutation and every DDL statement, and seals them into one change set at commit. Change sets
// of other copies are replayed with ApplyChangeSets, which reports conflicting rows instead of
// overwriting them.
//
// A copy is written by one goroutine at a time. The only internal locking protects the
// handle's bookkeeping.
package briefcase

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/sqlite"
	"github.com/CovenantSQL/briefcase/storage"
	"github.com/CovenantSQL/briefcase/utils/log"
)

// Mode is the access mode of a copy.
type Mode = sqlite.Mode

// Open modes.
const (
	ReadOnly  = sqlite.ReadOnly
	ReadWrite = sqlite.ReadWrite
	Exclusive = sqlite.Exclusive
)

const (
	schemaNamespace  = "schema"
	patchPendingProp = "patch_pending"
)

// Options configures how a copy is opened.
type Options struct {
	Mode        Mode
	BusyTimeout time.Duration
}

// Copy is an open briefcase file.
type Copy struct {
	sync.Mutex
	path  string
	mode  Mode
	db    *sql.DB
	guid  string
	props storage.Props
	lv    *storage.LocalValues

	alloc        *ids.Allocator
	exhausted    bool
	patchPending string

	tx      *Tx
	watcher *sqlite.RowWatcher
	schema  *schema.Schema
	closed  bool
}

// Open opens the briefcase file at path. Writable modes create the reserved tables on first
// use. Exclusive mode keeps the file locked against every other process until Close.
func Open(path string, opts Options) (c *Copy, err error) {
	var (
		ctx = context.Background()
		db  *sql.DB
	)
	if db, err = sqlite.Open(path, opts.Mode, opts.BusyTimeout); err != nil {
		return
	}
	c = &Copy{
		path:    path,
		mode:    opts.Mode,
		db:      db,
		lv:      storage.NewLocalValues(),
		alloc:   ids.NewAllocator(ids.UnassignedWriterID, 0),
		watcher: sqlite.NewRowWatcher(),
	}
	defer func() {
		if err != nil {
			db.Close()
			c = nil
		}
	}()

	if opts.Mode.Writable() {
		if err = c.initialize(ctx); err != nil {
			if sqlite.IsBusy(err) {
				err = errors.Wrapf(ErrCopyLocked, "open %s: %v", path, err)
			}
			return
		}
	}
	if err = c.load(ctx); err != nil {
		return
	}

	fields := log.Fields{
		"path":    path,
		"mode":    opts.Mode,
		"writer":  c.alloc.Writer,
		"counter": c.alloc.Counter,
	}
	if c.patchPending != "" {
		log.WithFields(fields).WithField("patch", c.patchPending).Error(
			"interrupted schema patch detected, copy is halted")
	} else {
		log.WithFields(fields).Info("opened briefcase copy")
	}
	return
}

func (c *Copy) initialize(ctx context.Context) (err error) {
	var tx *sql.Tx
	if tx, err = c.db.BeginTx(ctx, nil); err != nil {
		return
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = storage.EnsureTables(ctx, tx); err != nil {
		return
	}
	var ok bool
	if _, ok, err = c.props.GetString(ctx, tx, storage.CopyNamespace, storage.CopyGUIDProp); err != nil {
		return
	}
	if !ok {
		if err = c.props.SetString(ctx, tx, storage.CopyNamespace, storage.CopyGUIDProp,
			uuid.Must(uuid.NewV4()).String()); err != nil {
			return
		}
	}
	return tx.Commit()
}

func (c *Copy) load(ctx context.Context) (err error) {
	var exists bool
	if err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM `sqlite_master` WHERE `type`='table' AND `name`=?", storage.PropTable,
	).Scan(&exists); err != nil {
		return errors.Wrap(err, "check property table")
	}
	if !exists {
		return
	}
	var (
		v  int64
		s  string
		ok bool
	)
	if s, _, err = c.props.GetString(ctx, c.db, storage.CopyNamespace, storage.CopyGUIDProp); err != nil {
		return
	}
	c.guid = s
	if v, ok, err = c.props.GetInt64(ctx, c.db, storage.IDNamespace, storage.WriterIDProp); err != nil {
		return
	} else if ok {
		c.alloc.Writer = ids.WriterID(v)
	}
	if v, ok, err = c.props.GetInt64(ctx, c.db, storage.IDNamespace, storage.LocalCounterProp); err != nil {
		return
	} else if ok {
		c.alloc.Counter = ids.LocalCounter(v)
	}
	c.exhausted = c.alloc.Writer.Valid() && c.alloc.Counter >= ids.MaxLocalCounter
	if s, ok, err = c.props.GetString(ctx, c.db, schemaNamespace, patchPendingProp); err != nil {
		return
	} else if ok {
		c.patchPending = s
	}
	return
}

// Close abandons an active transaction and closes the file.
func (c *Copy) Close() (err error) {
	c.Lock()
	tx := c.tx
	if c.closed {
		c.Unlock()
		return
	}
	c.Unlock()
	if tx != nil {
		tx.Abandon()
	}
	c.Lock()
	defer c.Unlock()
	c.closed = true
	log.WithField("path", c.path).Debug("closed briefcase copy")
	return c.db.Close()
}

// Path returns the file path.
func (c *Copy) Path() string { return c.path }

// Mode returns the open mode.
func (c *Copy) Mode() Mode { return c.mode }

// GUID returns the identity generated when the file was first opened for writing.
func (c *Copy) GUID() string { return c.guid }

// WriterID returns the writer id held by the copy, UnassignedWriterID if none.
func (c *Copy) WriterID() ids.WriterID {
	c.Lock()
	defer c.Unlock()
	return c.alloc.Writer
}

// Halted reports whether writes are refused and why.
func (c *Copy) Halted() (halted bool, reason string) {
	c.Lock()
	defer c.Unlock()
	return c.haltedLocked()
}

func (c *Copy) haltedLocked() (bool, string) {
	var reasons []string
	if c.exhausted {
		reasons = append(reasons, "local counter of writer "+c.alloc.Writer.String()+" is exhausted")
	}
	if c.patchPending != "" {
		reasons = append(reasons, "schema patch "+c.patchPending+" was interrupted")
	}
	return len(reasons) > 0, strings.Join(reasons, "; ")
}

// checkWritable validates that a write may start outside a transaction.
func (c *Copy) checkWritable() error {
	if c.closed {
		return ErrClosed
	}
	if !c.mode.Writable() {
		return ErrReadOnly
	}
	if c.tx != nil {
		return ErrTxActive
	}
	return nil
}

func (c *Copy) checkNotHalted() error {
	if halted, reason := c.haltedLocked(); halted {
		return errors.Wrap(ErrHalted, reason)
	}
	return nil
}

// querier returns the active transaction or the database handle. The pool holds one
// connection, so nothing may use the handle while a transaction is open.
func (c *Copy) querier() storage.Querier {
	if c.tx != nil {
		return c.tx.tx
	}
	return c.db
}

// update runs fn in its own transaction.
func (c *Copy) update(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	var tx *sql.Tx
	if tx, err = c.db.BeginTx(ctx, nil); err != nil {
		return
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return
	}
	return tx.Commit()
}

// AssignWriterID gives an unassigned copy its writer id.
func (c *Copy) AssignWriterID(ctx context.Context, w ids.WriterID) (err error) {
	c.Lock()
	defer c.Unlock()
	if err = c.checkWritable(); err != nil {
		return
	}
	if c.alloc.Writer != ids.UnassignedWriterID {
		return errors.Wrapf(ErrWriterAssigned, "copy holds writer %s", c.alloc.Writer)
	}
	if !w.Valid() {
		return errors.Wrapf(ErrInvalidWriterID, "writer %s out of range", w)
	}
	if err = c.update(ctx, func(tx *sql.Tx) error {
		return c.writeIdentity(ctx, tx, w)
	}); err != nil {
		return
	}
	c.alloc.Writer, c.alloc.Counter = w, 0
	log.WithFields(log.Fields{"path": c.path, "writer": w}).Info("assigned writer id")
	return
}

func (c *Copy) writeIdentity(ctx context.Context, q storage.Querier, w ids.WriterID) (err error) {
	if err = c.props.SetInt64(ctx, q, storage.IDNamespace, storage.WriterIDProp, int64(w)); err != nil {
		return
	}
	return c.props.SetInt64(ctx, q, storage.IDNamespace, storage.LocalCounterProp, 0)
}

// ResetWriterID reassigns the writer id. It needs exclusive access, resets the local counter
// and wipes every local value. A counter exhaustion halt is cleared.
func (c *Copy) ResetWriterID(ctx context.Context, w ids.WriterID) (err error) {
	c.Lock()
	defer c.Unlock()
	if err = c.checkWritable(); err != nil {
		return
	}
	if c.mode != Exclusive {
		return errors.Wrapf(ErrNotPermitted, "reset writer id in %s mode", c.mode)
	}
	if !w.Valid() {
		return errors.Wrapf(ErrInvalidWriterID, "writer %s out of range", w)
	}
	old := c.alloc.Writer
	if err = c.update(ctx, func(tx *sql.Tx) (err error) {
		if err = c.writeIdentity(ctx, tx, w); err != nil {
			return
		}
		return c.lv.Clear(ctx, tx)
	}); err != nil {
		return
	}
	c.alloc.Reset(w)
	c.exhausted = false
	log.WithFields(log.Fields{"path": c.path, "old": old, "writer": w}).Info("reset writer id")
	return
}

func (c *Copy) nextID(ctx context.Context, q storage.Querier, w ids.WriterID) (id ids.DistributedID, err error) {
	prev := c.alloc.Counter
	if id, err = c.alloc.Next(w); err != nil {
		if errors.Cause(err) == ids.ErrCounterExhausted && !c.exhausted {
			c.exhausted = true
			log.WithFields(log.Fields{"path": c.path, "writer": w}).WithError(err).Error(
				"local counter exhausted, copy is halted until the writer id is reset")
		}
		return
	}
	if err = c.props.SetInt64(ctx, q, storage.IDNamespace, storage.LocalCounterProp, int64(id.Counter)); err != nil {
		c.alloc.Counter = prev
	}
	return
}

// NextID allocates a new distributed id for w, which must be the writer held by the copy.
// Inside an active transaction the counter update joins that transaction.
func (c *Copy) NextID(ctx context.Context, w ids.WriterID) (id ids.DistributedID, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return id, ErrClosed
	}
	if !c.mode.Writable() {
		return id, ErrReadOnly
	}
	if err = c.checkNotHalted(); err != nil {
		return
	}
	if c.tx != nil {
		return c.nextID(ctx, c.tx.tx, w)
	}
	prev := c.alloc.Counter
	if err = c.update(ctx, func(tx *sql.Tx) (err error) {
		id, err = c.nextID(ctx, tx, w)
		return
	}); err != nil {
		c.alloc.Counter = prev
	}
	return
}

// GetLocalValue reads a local value.
func (c *Copy) GetLocalValue(ctx context.Context, namespace, key string) (value []byte, ok bool, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	return c.lv.Get(ctx, c.querier(), namespace, key)
}

// SetLocalValue writes a local value. Local values never travel with change sets.
func (c *Copy) SetLocalValue(ctx context.Context, namespace, key string, value []byte) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.mode.Writable() {
		return ErrReadOnly
	}
	return c.lv.Set(ctx, c.querier(), namespace, key, value)
}

// DeleteLocalValue removes a local value.
func (c *Copy) DeleteLocalValue(ctx context.Context, namespace, key string) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.mode.Writable() {
		return ErrReadOnly
	}
	return c.lv.Delete(ctx, c.querier(), namespace, key)
}

// ListLocalValues returns the local values of a namespace.
func (c *Copy) ListLocalValues(ctx context.Context, namespace string) ([]storage.KV, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.lv.List(ctx, c.querier(), namespace)
}

// RegisterLocalValue returns a handle for repeated access to one local value.
func (c *Copy) RegisterLocalValue(namespace, key string) storage.Handle {
	return c.lv.Register(namespace, key)
}

// GetLocalValueByHandle reads a registered local value.
func (c *Copy) GetLocalValueByHandle(ctx context.Context, h storage.Handle) (value []byte, ok bool, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	return c.lv.GetByHandle(ctx, c.querier(), h)
}

// SetLocalValueByHandle writes a registered local value.
func (c *Copy) SetLocalValueByHandle(ctx context.Context, h storage.Handle, value []byte) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.mode.Writable() {
		return ErrReadOnly
	}
	return c.lv.SetByHandle(ctx, c.querier(), h, value)
}

// Query runs a read query outside of change capture.
func (c *Copy) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.querier().QueryContext(ctx, query, args...)
}

// QueryRow runs a single row read query.
func (c *Copy) QueryRow(ctx context.Context, query string, args ...interface{}) *SingleRow {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return &SingleRow{err: ErrClosed}
	}
	return &SingleRow{row: c.querier().QueryRowContext(ctx, query, args...)}
}
