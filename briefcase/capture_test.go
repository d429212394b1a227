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
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	cs "github.com/CovenantSQL/briefcase/changeset"
)

var cascadeSchema = []string{
	"CREATE TABLE p (id INTEGER PRIMARY KEY, name TEXT)",
	"CREATE TABLE c (id INTEGER PRIMARY KEY, p INTEGER REFERENCES p(id) ON DELETE CASCADE, note TEXT)",
	"CREATE TABLE audit (id INTEGER PRIMARY KEY, msg TEXT)",
	"CREATE TRIGGER c_gone AFTER DELETE ON c BEGIN INSERT INTO audit (msg) VALUES ('gone ' || old.id); END",
}

func opsByTable(entries []cs.Entry) map[string]cs.Op {
	ops := make(map[string]cs.Op, len(entries))
	for _, e := range entries {
		ops[e.Table] = e.Op
	}
	return ops
}

func kindsByTable(conflicts []*cs.ConflictRecord) map[string]cs.ConflictKind {
	kinds := make(map[string]cs.ConflictKind, len(conflicts))
	for _, c := range conflicts {
		kinds[c.Table] = c.Kind
	}
	return kinds
}

func countRows(ctx context.Context, c *Copy, table string) (n int) {
	So(c.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n), ShouldBeNil)
	return
}

func TestCaptureIndirectChanges(t *testing.T) {
	Convey("Given a parent with a cascading child and a delete trigger", t, func() {
		ctx := context.Background()
		a, err := openCopy(newPath(t.Name()+"-a"), ReadWrite)
		So(err, ShouldBeNil)
		defer a.Close()
		So(a.AssignWriterID(ctx, 2), ShouldBeNil)

		_, err = commit(ctx, a, func(tx *Tx) (err error) {
			for _, stmt := range cascadeSchema {
				if _, err = tx.Exec(stmt); err != nil {
					return
				}
			}
			return
		})
		So(err, ShouldBeNil)
		_, err = commit(ctx, a, func(tx *Tx) (err error) {
			if err = tx.Insert("p", Row{"id": 1, "name": "one"}); err != nil {
				return
			}
			return tx.Insert("c", Row{"id": 10, "p": 1, "note": "child"})
		})
		So(err, ShouldBeNil)
		created, err := a.ChangeSetsSince(ctx, 0)
		So(err, ShouldBeNil)
		So(created, ShouldHaveLength, 2)

		drop, err := commit(ctx, a, func(tx *Tx) error { return tx.Delete("p", 1) })
		So(err, ShouldBeNil)

		Convey("The cascaded and trigger written rows should be recorded", func() {
			So(drop.Entries, ShouldHaveLength, 3)
			So(drop.Entries[0].Table, ShouldEqual, "p")
			So(opsByTable(drop.Entries), ShouldResemble, map[string]cs.Op{
				"p": cs.Delete, "c": cs.Delete, "audit": cs.Insert,
			})
			for _, e := range drop.Entries {
				if e.Table == "c" {
					So(e.Key, ShouldResemble, cs.Values{cs.IntValue(10)})
					So(e.Before()["note"], ShouldResemble, cs.TextValue("child"))
				}
			}
		})
		Convey("A clean merge should not run the actions a second time", func() {
			b, err := openCopy(newPath(t.Name()+"-b"), ReadWrite)
			So(err, ShouldBeNil)
			defer b.Close()
			So(b.AssignWriterID(ctx, 3), ShouldBeNil)

			res, err := b.ApplyChangeSets(ctx, append(created, drop), MergeOptions{ReplayDDL: true})
			So(err, ShouldBeNil)
			So(res.Conflicts, ShouldBeEmpty)
			So(res.Sets, ShouldEqual, 3)
			So(countRows(ctx, b, "p"), ShouldEqual, 0)
			So(countRows(ctx, b, "c"), ShouldEqual, 0)
			So(countRows(ctx, b, "audit"), ShouldEqual, 1)

			patch, err := b.SchemaPatchFor(ctx, a)
			So(err, ShouldBeNil)
			So(patch, ShouldBeEmpty)

			var on int
			So(b.QueryRow(ctx, "PRAGMA foreign_keys").Scan(&on), ShouldBeNil)
			So(on, ShouldEqual, 1)
		})
		Convey("An edited child should block the cascade as a conflict", func() {
			b, err := openCopy(newPath(t.Name()+"-b"), ReadWrite)
			So(err, ShouldBeNil)
			defer b.Close()
			So(b.AssignWriterID(ctx, 3), ShouldBeNil)
			_, err = b.ApplyChangeSets(ctx, created, MergeOptions{ReplayDDL: true})
			So(err, ShouldBeNil)
			_, err = commit(ctx, b, func(tx *Tx) error {
				return tx.Update("c", []interface{}{10}, Row{"note": "edited"})
			})
			So(err, ShouldBeNil)

			res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{drop}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Applied, ShouldEqual, 1)
			So(res.Conflicts, ShouldHaveLength, 2)
			So(kindsByTable(res.Conflicts), ShouldResemble, map[string]cs.ConflictKind{
				"p": cs.ConstraintViolation, "c": cs.RowChanged,
			})
			for _, conflict := range res.Conflicts {
				if conflict.Kind == cs.ConstraintViolation {
					So(conflict.Reason, ShouldContainSubstring, "FOREIGN KEY")
				}
			}

			var note string
			So(b.QueryRow(ctx, "SELECT note FROM c WHERE id = 10").Scan(&note), ShouldBeNil)
			So(note, ShouldEqual, "edited")
			So(countRows(ctx, b, "p"), ShouldEqual, 1)
			So(countRows(ctx, b, "audit"), ShouldEqual, 1)
		})
	})
}

func TestCaptureTriggerUpdates(t *testing.T) {
	Convey("Rows written by an update trigger should be recorded", t, func() {
		ctx := context.Background()
		c, _, err := seedCopy(ctx, t.Name(), 2)
		So(err, ShouldBeNil)
		defer c.Close()
		set, err := commit(ctx, c, func(tx *Tx) (err error) {
			if _, err = tx.Exec("CREATE TABLE stock (name TEXT PRIMARY KEY, total INTEGER) WITHOUT ROWID"); err != nil {
				return
			}
			if _, err = tx.Exec("CREATE TABLE moves (id INTEGER PRIMARY KEY, item INTEGER, qty INTEGER)"); err != nil {
				return
			}
			_, err = tx.Exec("CREATE TRIGGER items_qty AFTER UPDATE OF qty ON items " +
				"BEGIN INSERT INTO moves (item, qty) VALUES (new.id, new.qty - coalesce(old.qty, 0)); END")
			return
		})
		So(err, ShouldBeNil)
		So(set.ContainsSchemaChange, ShouldBeTrue)

		set, err = commit(ctx, c, func(tx *Tx) (err error) {
			if err = tx.Insert("items", Row{"id": 1, "name": "bolt", "qty": 1}); err != nil {
				return
			}
			if err = tx.Insert("stock", Row{"name": "bolt", "total": 1}); err != nil {
				return
			}
			return tx.Update("items", []interface{}{1}, Row{"qty": 4})
		})
		So(err, ShouldBeNil)
		So(set.Entries, ShouldHaveLength, 4)
		So(set.Entries[1].Table, ShouldEqual, "stock")
		So(set.Entries[1].Key, ShouldResemble, cs.Values{cs.TextValue("bolt")})
		So(set.Entries[2].Table, ShouldEqual, "items")
		So(set.Entries[2].Op, ShouldEqual, cs.Update)
		moved := set.Entries[3]
		So(moved.Table, ShouldEqual, "moves")
		So(moved.Op, ShouldEqual, cs.Insert)
		So(moved.After()["qty"], ShouldResemble, cs.IntValue(3))
	})
}

func TestTxEdges(t *testing.T) {
	Convey("Given a copy with a row", t, func() {
		ctx := context.Background()
		c, _, err := seedCopy(ctx, t.Name(), 2)
		So(err, ShouldBeNil)
		defer c.Close()
		_, err = commit(ctx, c, func(tx *Tx) error { return tx.Insert("items", Row{"id": 1, "name": "a"}) })
		So(err, ShouldBeNil)

		Convey("An update setting no columns should leave the transaction idle", func() {
			tx, err := c.Begin(ctx)
			So(err, ShouldBeNil)
			So(tx.Update("items", []interface{}{1}, Row{}), ShouldBeNil)
			So(tx.State(), ShouldEqual, Idle)
			set, err := tx.Commit(cs.Meta{})
			So(err, ShouldBeNil)
			So(set, ShouldBeNil)
		})
		Convey("QueryRow should report a finished transaction", func() {
			tx, err := c.Begin(ctx)
			So(err, ShouldBeNil)
			var name string
			So(tx.QueryRow("SELECT name FROM items WHERE id = 1").Scan(&name), ShouldBeNil)
			So(name, ShouldEqual, "a")
			So(tx.Abandon(), ShouldBeNil)
			So(errors.Cause(tx.QueryRow("SELECT 1").Scan(&name)), ShouldEqual, ErrTxDone)
		})
		Convey("QueryRow should report a closed copy", func() {
			So(c.Close(), ShouldBeNil)
			var n int
			row := c.QueryRow(ctx, "SELECT count(*) FROM items")
			So(errors.Cause(row.Err()), ShouldEqual, ErrClosed)
			So(errors.Cause(row.Scan(&n)), ShouldEqual, ErrClosed)
		})
	})
}
