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
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/storage"
)

// fkViolation is one row reported by PRAGMA foreign_key_check.
type fkViolation struct {
	table  string
	rowid  sql.NullInt64
	parent string
	fkid   int
}

func (v fkViolation) id() string {
	return fmt.Sprintf("%s/%d/%d", strings.ToLower(v.table), v.rowid.Int64, v.fkid)
}

func (v fkViolation) String() string {
	if !v.rowid.Valid {
		return fmt.Sprintf("FOREIGN KEY constraint failed: a row of %s references a missing %s row",
			v.table, v.parent)
	}
	return fmt.Sprintf("FOREIGN KEY constraint failed: %s row %d references a missing %s row",
		v.table, v.rowid.Int64, v.parent)
}

func foreignKeyViolations(ctx context.Context, q storage.Querier) (vs []fkViolation, err error) {
	var rows *sql.Rows
	if rows, err = q.QueryContext(ctx, "PRAGMA foreign_key_check"); err != nil {
		return nil, errors.Wrap(err, "check foreign keys")
	}
	defer rows.Close()
	for rows.Next() {
		var v fkViolation
		if err = rows.Scan(&v.table, &v.rowid, &v.parent, &v.fkid); err != nil {
			return nil, errors.Wrap(err, "scan foreign key violation")
		}
		if storage.IsReserved(v.table) {
			continue
		}
		vs = append(vs, v)
	}
	err = rows.Err()
	return
}

// checkForeignKeys returns the applied entries responsible for violations which were not
// present before the set, mapped to the reason reported for them.
func (c *Copy) checkForeignKeys(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet, applied map[int]bool,
	known map[string]bool) (culprits map[int]string, err error) {
	var vs []fkViolation
	if vs, err = foreignKeyViolations(ctx, tx); err != nil {
		return
	}
	for _, v := range vs {
		if known[v.id()] {
			continue
		}
		var blamed []int
		if blamed, err = c.blame(ctx, tx, set, applied, v); err != nil {
			return
		}
		if len(blamed) == 0 {
			return nil, errors.Errorf("%s: %s is not caused by any entry", set, v)
		}
		if culprits == nil {
			culprits = make(map[int]string)
		}
		for _, i := range blamed {
			culprits[i] = v.String()
		}
	}
	return
}

// blame returns the applied entries which can cause v: a write of the child row itself, or
// a delete or key update of a parent row the child row refers to.
func (c *Copy) blame(ctx context.Context, tx *sql.Tx, set *cs.ChangeSet, applied map[int]bool,
	v fkViolation) (entries []int, err error) {
	child, err := c.tableSchema(ctx, tx, v.table)
	if err != nil {
		return
	}
	var img Image
	if v.rowid.Valid {
		if img, _, err = readImage(ctx, tx, child, "rowid = ?", v.rowid.Int64); err != nil {
			return
		}
	}
	var fks []schema.ForeignKey
	for _, fk := range child.ForeignKeys {
		if fk.ID == v.fkid {
			fks = append(fks, fk)
		}
	}
	sort.Slice(fks, func(i, j int) bool { return fks[i].Seq < fks[j].Seq })
	var parentKey []string
	if parent, perr := c.tableSchema(ctx, tx, v.parent); perr == nil {
		parentKey = parent.PrimaryKey()
	}

	for i := range set.Entries {
		if !applied[i] {
			continue
		}
		e := &set.Entries[i]
		if strings.EqualFold(e.Table, child.Name) && e.Op != cs.Delete &&
			(img == nil || e.Key.Equal(keyOf(child, img))) {
			entries = append(entries, i)
			continue
		}
		if strings.EqualFold(e.Table, v.parent) && e.Op != cs.Insert && refersTo(e, img, fks, parentKey) {
			entries = append(entries, i)
		}
	}
	return
}

func lookup(m map[string]cs.Value, name string) (v cs.Value, ok bool) {
	if v, ok = m[name]; ok {
		return
	}
	for k, val := range m {
		if strings.EqualFold(k, name) {
			return val, true
		}
	}
	return
}

// refersTo reports whether the parent row removed or rekeyed by e is the one child refers
// to through fks. A nil child matches every such parent row.
func refersTo(e *cs.Entry, child Image, fks []schema.ForeignKey, parentKey []string) bool {
	before := e.Before()
	changed := e.Op == cs.Delete
	for _, fk := range fks {
		to := fk.To
		if to == "" && fk.Seq < len(parentKey) {
			to = parentKey[fk.Seq]
		}
		if e.Op == cs.Update {
			for _, col := range e.Changed() {
				if strings.EqualFold(col.Name, to) {
					changed = true
				}
			}
		}
		if child == nil {
			continue
		}
		pv, ok := lookup(before, to)
		if !ok {
			return false
		}
		if cv, ok := lookup(child, fk.From); !ok || !cv.Equal(pv) {
			return false
		}
	}
	return changed
}
