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
	"strconv"
	"strings"

	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/storage"
)

// rowRef addresses a row of a rowid table written by a statement.
type rowRef struct {
	ts    *schema.TableDescriptor
	rowid int64
}

// watchExec runs a mutation and returns the tracked rows it wrote in the order the engine
// wrote them.
func (t *Tx) watchExec(query string, args []interface{}) (refs []rowRef, err error) {
	t.c.watcher.Start()
	_, err = t.tx.ExecContext(t.ctx, query, args...)
	changes := t.c.watcher.Stop()
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		if storage.Classify(ch.Table) != storage.Tracked {
			continue
		}
		id := strings.ToLower(ch.Table) + "/" + strconv.FormatInt(ch.RowID, 10)
		if seen[id] {
			continue
		}
		seen[id] = true
		var ts *schema.TableDescriptor
		if ts, err = t.c.tableSchema(t.ctx, t.tx, ch.Table); err != nil {
			return nil, err
		}
		if len(ts.PrimaryKey()) == 0 {
			return nil, errors.Wrapf(ErrNoPrimaryKey, "table %s is written by %q", ch.Table, query)
		}
		refs = append(refs, rowRef{ts: ts, rowid: ch.RowID})
	}
	return
}

func withoutRowid(ts *schema.TableDescriptor) bool {
	return strings.Contains(strings.ToUpper(ts.SQL), "WITHOUT ROWID")
}

// capture runs a mutation addressed at one row of ts and records every row it changes,
// rows written by foreign key actions and triggers included. before is the image of the
// addressed row, nil for an insert, and key is its primary key.
//
// Indirect writes to tables declared WITHOUT ROWID are not reported by the engine and go
// unrecorded.
func (t *Tx) capture(ts *schema.TableDescriptor, before Image, key cs.Values, query string,
	args ...interface{}) (err error) {
	if _, err = t.tx.ExecContext(t.ctx, "SAVEPOINT be_write"); err != nil {
		return errors.Wrap(err, "open write savepoint")
	}
	defer func() {
		if err != nil {
			t.tx.ExecContext(t.ctx, "ROLLBACK TO be_write")
		}
		if _, rerr := t.tx.ExecContext(t.ctx, "RELEASE be_write"); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "release write savepoint")
		}
	}()

	refs, err := t.watchExec(query, args)
	if err != nil {
		return
	}
	direct := !withoutRowid(ts)
	befores := make([]Image, len(refs))
	switch {
	case len(refs) == 0:
	case direct && len(refs) == 1 && strings.EqualFold(refs[0].ts.Name, ts.Name):
		befores[0] = before
	default:
		// undo the statement to read the previous state of every row it touched, then redo it
		if _, err = t.tx.ExecContext(t.ctx, "ROLLBACK TO be_write"); err != nil {
			return
		}
		for i, ref := range refs {
			if befores[i], _, err = readImage(t.ctx, t.tx, ref.ts, "rowid = ?", ref.rowid); err != nil {
				return
			}
		}
		if _, err = t.watchExec(query, args); err != nil {
			return
		}
	}

	var entries []cs.Entry
	if !direct {
		var after Image
		if after, _, err = readRow(t.ctx, t.tx, ts, key); err != nil {
			return
		}
		entries = rowEntries(ts, before, after)
	}
	for i, ref := range refs {
		var after Image
		if after, _, err = readImage(t.ctx, t.tx, ref.ts, "rowid = ?", ref.rowid); err != nil {
			return
		}
		entries = append(entries, rowEntries(ref.ts, befores[i], after)...)
	}
	t.entries = append(t.entries, entries...)
	return
}

// rowEntries returns the entries turning before into after, nil meaning the row is absent.
// A changed primary key becomes a delete followed by an insert.
func rowEntries(ts *schema.TableDescriptor, before, after Image) []cs.Entry {
	var (
		pk   = ts.PrimaryKey()
		cols = ts.DataColumns()
	)
	switch {
	case before == nil && after == nil:
		return nil
	case before == nil:
		e := cs.Entry{Table: ts.Name, PrimaryKey: pk, Key: keyOf(ts, after), Op: cs.Insert}
		for _, col := range cols {
			e.Columns = append(e.Columns, cs.ColumnChange{Name: col.Name, New: after[col.Name], HasNew: true})
		}
		return []cs.Entry{e}
	case after == nil:
		e := cs.Entry{Table: ts.Name, PrimaryKey: pk, Key: keyOf(ts, before), Op: cs.Delete}
		for _, col := range cols {
			e.Columns = append(e.Columns, cs.ColumnChange{Name: col.Name, Old: before[col.Name], HasOld: true})
		}
		return []cs.Entry{e}
	}

	key := keyOf(ts, before)
	if !key.Equal(keyOf(ts, after)) {
		return append(rowEntries(ts, before, nil), rowEntries(ts, nil, after)...)
	}
	e := cs.Entry{Table: ts.Name, PrimaryKey: pk, Key: key, Op: cs.Update}
	changed := false
	for _, col := range cols {
		cc := cs.ColumnChange{Name: col.Name, Old: before[col.Name], HasOld: true}
		if nv := after[col.Name]; !nv.Equal(cc.Old) {
			cc.New, cc.HasNew, changed = nv, true, true
		}
		e.Columns = append(e.Columns, cc)
	}
	if !changed {
		return nil
	}
	return []cs.Entry{e}
}
