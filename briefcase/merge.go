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
	"strconv"
	"strings"

	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/sqlite"
	"github.com/CovenantSQL/briefcase/utils/log"
	"github.com/CovenantSQL/briefcase/utils/timer"
)

// SyncNamespace is the local value namespace holding the last applied sequence number per
// origin writer.
const SyncNamespace = "sync"

// MergeOptions configures ApplyChangeSets.
type MergeOptions struct {
	// ReplayDDL executes the DDL text of a schema changing set when the target schema does
	// not match its declared post-schema yet. Without it the caller must apply a schema
	// patch first.
	ReplayDDL bool
}

// MergeResult summarizes a merge.
type MergeResult struct {
	Applied   int
	Sets      int
	Skipped   int
	Conflicts []*cs.ConflictRecord
}

func (c *Copy) lastApplied(ctx context.Context, q *sql.Tx, w ids.WriterID) (seq uint64, err error) {
	v, ok, err := c.lv.Get(ctx, q, SyncNamespace, w.String())
	if err != nil || !ok {
		return
	}
	if seq, err = strconv.ParseUint(string(v), 10, 64); err != nil {
		err = errors.Wrapf(err, "parse last applied sequence of writer %s", w)
	}
	return
}

// LastApplied returns the sequence number of the newest change set of writer w merged into
// this copy.
func (c *Copy) LastApplied(ctx context.Context, w ids.WriterID) (seq uint64, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	v, ok, err := c.lv.Get(ctx, c.querier(), SyncNamespace, w.String())
	if err != nil || !ok {
		return
	}
	return strconv.ParseUint(string(v), 10, 64)
}

// ApplyChangeSets replays change sets of other copies in sequence order. Each set is applied
// in its own transaction. Rows which differ from the recorded before image are reported as
// conflicts and left untouched while the other entries of the set are still applied. An I/O
// error or a schema mismatch rolls back the current set and aborts the merge; the result then
// covers the sets committed so far.
func (c *Copy) ApplyChangeSets(ctx context.Context, sets []*cs.ChangeSet, opts MergeOptions) (
	res *MergeResult, err error) {
	c.Lock()
	defer c.Unlock()
	res = &MergeResult{}
	if err = c.checkWritable(); err != nil {
		return
	}
	if err = c.checkNotHalted(); err != nil {
		return
	}

	tm := timer.NewTimer()
	ordered := make([]*cs.ChangeSet, len(sets))
	copy(ordered, sets)
	for _, set := range ordered {
		if err = set.Verify(); err != nil {
			return
		}
	}
	sort.Stable(cs.BySeq(ordered))
	tm.Add("verify")

	for _, set := range ordered {
		if set.Writer == c.alloc.Writer {
			res.Skipped++
			continue
		}
		var skipped bool
		if skipped, err = c.applyChangeSet(ctx, set, opts, res); err != nil {
			log.WithFields(log.Fields{
				"path":   c.path,
				"seq":    set.Seq,
				"writer": set.Writer,
			}).WithError(err).Error("apply change set failed")
			return
		}
		if skipped {
			res.Skipped++
		} else {
			res.Sets++
		}
	}
	tm.Add("apply")

	log.WithFields(log.Fields{
		"path":      c.path,
		"sets":      res.Sets,
		"skipped":   res.Skipped,
		"applied":   res.Applied,
		"conflicts": len(res.Conflicts),
	}).WithFields(tm.ToLogFields()).Info("merged change sets")
	return
}

func (c *Copy) applyChangeSet(ctx context.Context, set *cs.ChangeSet, opts MergeOptions, res *MergeResult) (
	skipped bool, err error) {
	var conn *sql.Conn
	if conn, err = c.db.Conn(ctx); err != nil {
		return false, errors.Wrap(err, "acquire merge connection")
	}
	defer conn.Close()
	// replay runs without foreign key actions; violations are checked once the set is in
	if _, err = conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return false, errors.Wrap(err, "disable foreign keys")
	}
	defer conn.ExecContext(context.Background(), "PRAGMA foreign_keys=ON")

	var tx *sql.Tx
	if tx, err = conn.BeginTx(ctx, nil); err != nil {
		return false, errors.Wrap(err, "begin merge transaction")
	}
	defer func() {
		if err != nil || skipped {
			tx.Rollback()
		}
		c.invalidateSchema()
	}()

	var last uint64
	if last, err = c.lastApplied(ctx, tx, set.Writer); err != nil {
		return
	}
	if set.Seq <= last {
		return true, nil
	}
	if set.ContainsSchemaChange {
		if err = c.checkPostSchema(ctx, tx, set, opts); err != nil {
			return
		}
	}

	var triggers []schema.Object
	if triggers, err = suspendTriggers(ctx, tx); err != nil {
		return
	}
	applied, conflicts, err := c.applyEntries(ctx, tx, set)
	if err != nil {
		return
	}
	if err = restoreTriggers(ctx, tx, triggers); err != nil {
		return
	}
	if err = c.lv.Set(ctx, tx, SyncNamespace, set.Writer.String(),
		[]byte(strconv.FormatUint(set.Seq, 10))); err != nil {
		return
	}
	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit merge transaction")
	}
	res.Applied += applied
	res.Conflicts = append(res.Conflicts, conflicts...)
	for _, conflict := range conflicts {
		log.WithField("path", c.path).Warning(conflict.String())
	}
	return
}

// suspendTriggers drops the user triggers for the rest of the transaction. Their effects
// were recorded as entries of their own.
func suspendTriggers(ctx context.Context, tx *sql.Tx) (triggers []schema.Object, err error) {
	var objs []schema.Object
	if objs, err = schema.Objects(ctx, tx); err != nil {
		return
	}
	for _, o := range objs {
		if o.Type != schema.TypeTrigger {
			continue
		}
		if _, err = tx.ExecContext(ctx, "DROP TRIGGER "+schema.QuoteIdent(o.Name)); err != nil {
			return nil, errors.Wrapf(err, "suspend trigger %s", o.Name)
		}
		triggers = append(triggers, o)
	}
	return
}

func restoreTriggers(ctx context.Context, tx *sql.Tx, triggers []schema.Object) (err error) {
	for _, o := range triggers {
		if _, err = tx.ExecContext(ctx, o.SQL); err != nil {
			return errors.Wrapf(err, "restore trigger %s", o.Name)
		}
	}
	return
}

// applyEntries applies the entries of a set. Entries leaving a foreign key violation behind
// are turned into constraint conflicts and the set is applied again without them.
func (c *Copy) applyEntries(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet) (
	applied int, conflicts []*cs.ConflictRecord, err error) {
	var baseline []fkViolation
	if baseline, err = foreignKeyViolations(ctx, tx); err != nil {
		return
	}
	known := make(map[string]bool, len(baseline))
	for _, v := range baseline {
		known[v.id()] = true
	}
	if _, err = tx.ExecContext(ctx, "SAVEPOINT be_set"); err != nil {
		return
	}

	violated := make(map[int]string)
	for {
		done := make(map[int]bool, len(set.Entries))
		applied, conflicts = 0, nil
		for i := range set.Entries {
			var (
				e        = &set.Entries[i]
				conflict *cs.ConflictRecord
			)
			if reason, ok := violated[i]; ok {
				conflict, err = c.constraintConflict(ctx, tx, set, e, reason)
			} else {
				conflict, err = c.applyEntry(ctx, tx, set, e)
			}
			if err != nil {
				return
			}
			if conflict != nil {
				conflicts = append(conflicts, conflict)
				continue
			}
			applied++
			done[i] = true
		}

		var culprits map[int]string
		if culprits, err = c.checkForeignKeys(ctx, tx, set, done, known); err != nil {
			return
		}
		if len(culprits) == 0 {
			break
		}
		for i, reason := range culprits {
			violated[i] = reason
		}
		if _, err = tx.ExecContext(ctx, "ROLLBACK TO be_set"); err != nil {
			return
		}
	}
	_, err = tx.ExecContext(ctx, "RELEASE be_set")
	return
}

func (c *Copy) checkPostSchema(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet, opts MergeOptions) (err error) {
	var want, have *schema.Schema
	if want, err = schema.Materialize(ctx, set.PostSchema); err != nil {
		return
	}
	if have, err = schema.Load(ctx, tx); err != nil {
		return
	}
	if !schema.Equal(want, have) && opts.ReplayDDL {
		for _, stmt := range set.DDL {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(ErrSchemaMismatch, "replay %q of %s: %v", stmt, set, err)
			}
		}
		if have, err = schema.Load(ctx, tx); err != nil {
			return
		}
	}
	if patch, derr := schema.Diff(want, have); derr != nil || len(patch) > 0 {
		msg := strings.Join(patch, "; ")
		if derr != nil {
			msg = derr.Error()
		}
		return errors.Wrapf(ErrSchemaMismatch, "%s needs: %s", set, msg)
	}
	return
}

// matches compares the current row against an expected image, column by column.
func matches(expected map[string]cs.Value, actual Image) bool {
	for name, v := range expected {
		if cur, ok := actual[name]; !ok || !cur.Equal(v) {
			return false
		}
	}
	return true
}

func (c *Copy) applyEntry(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet, e *cs.Entry) (
	conflict *cs.ConflictRecord, err error) {
	ts, err := c.tableSchema(ctx, tx, e.Table)
	if err != nil {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s: %v", set, err)
	}
	names := make([]string, len(e.Columns))
	for i, col := range e.Columns {
		names[i] = col.Name
	}
	if _, err = checkColumns(ts, names); err != nil {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s: %v", set, err)
	}
	if pk := ts.PrimaryKey(); len(pk) != len(e.Key) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s: primary key of %s differs", set, e.Table)
	}

	current, found, err := readRow(ctx, tx, ts, e.Key)
	if err != nil {
		return
	}
	newConflict := func(kind cs.ConflictKind, expected map[string]cs.Value) *cs.ConflictRecord {
		return newConflictRecord(set, e, kind, expected, current)
	}

	var (
		stmt string
		args []interface{}
	)
	switch e.Op {
	case cs.Insert:
		after := e.After()
		if found {
			if matches(after, current) {
				return
			}
			return newConflict(cs.RowExists, after), nil
		}
		cols := make([]string, 0, len(after))
		for _, col := range e.Columns {
			cols = append(cols, col.Name)
			args = append(args, col.New.Arg())
		}
		stmt = insertStmt(ts.Name, cols)
	case cs.Update:
		before := e.Before()
		if !found {
			return newConflict(cs.RowMissing, before), nil
		}
		if !matches(before, current) {
			return newConflict(cs.RowChanged, before), nil
		}
		var cols []string
		for _, col := range e.Changed() {
			cols = append(cols, col.Name)
			args = append(args, col.New.Arg())
		}
		if len(cols) == 0 {
			return
		}
		stmt = updateStmt(ts, cols)
		args = append(args, e.Key.Args()...)
	case cs.Delete:
		before := e.Before()
		if !found {
			return newConflict(cs.RowMissing, before), nil
		}
		if !matches(before, current) {
			return newConflict(cs.RowChanged, before), nil
		}
		stmt, args = deleteStmt(ts), e.Key.Args()
	default:
		return nil, errors.Errorf("unknown operation %d in %s", e.Op, set)
	}

	if _, err = tx.ExecContext(ctx, "SAVEPOINT be_entry"); err != nil {
		return
	}
	if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
		if !sqlite.IsConstraint(err) {
			return nil, errors.Wrapf(err, "apply %s", e)
		}
		expected := e.After()
		if e.Op == cs.Delete {
			expected = e.Before()
		}
		conflict = newConflict(cs.ConstraintViolation, expected)
		conflict.Reason = errors.Cause(err).Error()
		if _, err = tx.ExecContext(ctx, "ROLLBACK TO be_entry"); err != nil {
			return
		}
	}
	_, err = tx.ExecContext(ctx, "RELEASE be_entry")
	return
}

func newConflictRecord(set *cs.ChangeSet, e *cs.Entry, kind cs.ConflictKind, expected map[string]cs.Value,
	current Image) *cs.ConflictRecord {
	return &cs.ConflictRecord{
		Seq: set.Seq, Writer: set.Writer, Table: e.Table, Key: e.Key, Op: e.Op, Kind: kind,
		Expected: expected, Actual: current,
	}
}

func (c *Copy) constraintConflict(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet, e *cs.Entry,
	reason string) (conflict *cs.ConflictRecord, err error) {
	ts, err := c.tableSchema(ctx, tx, e.Table)
	if err != nil {
		return
	}
	current, _, err := readRow(ctx, tx, ts, e.Key)
	if err != nil {
		return
	}
	expected := e.After()
	if e.Op == cs.Delete {
		expected = e.Before()
	}
	conflict = newConflictRecord(set, e, cs.ConstraintViolation, expected, current)
	conflict.Reason = reason
	return
}
