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

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/briefcase/sqlite"
	"github.com/CovenantSQL/briefcase/storage"
)

const (
	createP = "CREATE TABLE p (id INTEGER PRIMARY KEY)"
	createT = "CREATE TABLE t (a INTEGER PRIMARY KEY)"

	addB       = "ALTER TABLE t ADD COLUMN b TEXT NOT NULL DEFAULT ('abc')"
	addTrigger = "CREATE TRIGGER t_b_upper AFTER INSERT ON t BEGIN UPDATE t SET b = upper(new.b) WHERE a = new.a; END"
	addIndex   = "CREATE INDEX t_b ON t(b)"
	addC       = "ALTER TABLE t ADD COLUMN c INTEGER REFERENCES p(id)"

	dropC       = "ALTER TABLE t DROP COLUMN c"
	dropIndex   = "DROP INDEX IF EXISTS t_b"
	dropTrigger = "DROP TRIGGER IF EXISTS t_b_upper"
	dropB       = "ALTER TABLE t DROP COLUMN b"
)

var testSeq int

func newTestDB(stmts ...string) (db *sql.DB, err error) {
	testSeq++
	fl := path.Join(testingDataDir, fmt.Sprintf("schema-%d.db", testSeq))
	if db, err = sqlite.Open(fl, sqlite.ReadWrite, time.Second); err != nil {
		return
	}
	if err = storage.EnsureTables(context.Background(), db); err != nil {
		return
	}
	err = execAll(db, stmts...)
	return
}

func execAll(db *sql.DB, stmts ...string) (err error) {
	for _, s := range stmts {
		if _, err = db.Exec(s); err != nil {
			return errors.Wrap(err, s)
		}
	}
	return
}

func load(db *sql.DB) *Schema {
	s, err := Load(context.Background(), db)
	So(err, ShouldBeNil)
	return s
}

func indexOf(p Patch, stmt string) int {
	for i, s := range p {
		if s == stmt {
			return i
		}
	}
	return -1
}

func TestLoad(t *testing.T) {
	Convey("Given a database with a rich schema", t, func() {
		db, err := newTestDB(
			createP,
			"CREATE TABLE q (x INTEGER, y TEXT COLLATE NOCASE DEFAULT 'z' NOT NULL, "+
				"p_id INTEGER REFERENCES p(id) ON DELETE CASCADE, PRIMARY KEY (x, y))",
			"CREATE UNIQUE INDEX q_y ON q(y DESC)",
			"CREATE VIEW v AS SELECT x FROM q",
			"INSERT INTO be_local VALUES ('n', 'k', x'00')",
		)
		So(err, ShouldBeNil)
		defer db.Close()

		s := load(db)
		So(s.Tables, ShouldHaveLength, 2)
		_, ok := s.Table("be_local")
		So(ok, ShouldBeFalse)

		q, ok := s.Table("q")
		So(ok, ShouldBeTrue)
		So(q.PrimaryKey(), ShouldResemble, []string{"x", "y"})
		y, ok := q.Column("y")
		So(ok, ShouldBeTrue)
		So(y.NotNull, ShouldBeTrue)
		So(y.HasDefault, ShouldBeTrue)
		So(y.Default, ShouldEqual, "'z'")
		So(y.Collation, ShouldEqual, "NOCASE")
		So(y.Definition, ShouldEqual, "y TEXT COLLATE NOCASE DEFAULT 'z' NOT NULL")

		So(q.Indexes, ShouldHaveLength, 1)
		So(q.Indexes[0].Unique, ShouldBeTrue)
		So(q.Indexes[0].Columns, ShouldResemble, []IndexColumn{{Name: "y", Desc: true}})

		fks := q.ForeignKeyOf("p_id")
		So(fks, ShouldHaveLength, 1)
		So(fks[0].Table, ShouldEqual, "p")
		So(fks[0].To, ShouldEqual, "id")
		So(fks[0].OnDelete, ShouldEqual, "CASCADE")

		So(s.Views, ShouldHaveLength, 1)

		Convey("Materialized objects should describe the same schema", func() {
			objs, err := Objects(context.Background(), db)
			So(err, ShouldBeNil)
			So(objs, ShouldHaveLength, 4)
			m, err := Materialize(context.Background(), objs)
			So(err, ShouldBeNil)
			So(Equal(s, m), ShouldBeTrue)
			So(Equal(m, s), ShouldBeTrue)
		})
	})
}

func TestDiffScenario(t *testing.T) {
	Convey("Given a modified copy and an unmodified copy of t(a)", t, func() {
		orig, err := newTestDB(createP, createT)
		So(err, ShouldBeNil)
		defer orig.Close()
		mod, err := newTestDB(createP, createT)
		So(err, ShouldBeNil)
		defer mod.Close()

		patch, err := Diff(load(mod), load(orig))
		So(err, ShouldBeNil)
		So(patch, ShouldBeEmpty)

		steps := []struct {
			applied []string
			want    []string
		}{
			{[]string{addB}, []string{addB}},
			{[]string{addTrigger}, []string{addB, addTrigger}},
			{[]string{addIndex}, []string{addB, addTrigger, addIndex}},
			{[]string{addC}, []string{addB, addTrigger, addIndex, addC}},
			{[]string{dropC}, []string{addB, addTrigger, addIndex}},
			{[]string{dropIndex, dropTrigger, dropB}, nil},
		}
		for i, step := range steps {
			So(execAll(mod, step.applied...), ShouldBeNil)
			patch, err := Diff(load(mod), load(orig))
			So(err, ShouldBeNil)
			So(patch, ShouldHaveLength, len(step.want))
			for _, w := range step.want {
				So(indexOf(patch, w), ShouldBeGreaterThanOrEqualTo, 0)
			}
			if i == 3 {
				// columns first, then indexes, then triggers
				So(indexOf(patch, addB), ShouldBeLessThan, indexOf(patch, addC))
				So(indexOf(patch, addC), ShouldBeLessThan, indexOf(patch, addIndex))
				So(indexOf(patch, addIndex), ShouldBeLessThan, indexOf(patch, addTrigger))

				reverse, err := Diff(load(orig), load(mod))
				So(err, ShouldBeNil)
				So(reverse, ShouldResemble, Patch{dropIndex, dropTrigger, dropB, dropC})
			}
		}
	})
}

func TestDiffRoundTrip(t *testing.T) {
	Convey("Given two independently evolved schemas", t, func() {
		a, err := newTestDB(
			createP,
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT, n INTEGER DEFAULT 0)",
			"CREATE TABLE child (id INTEGER PRIMARY KEY, t_id INTEGER REFERENCES t(a))",
			"CREATE TABLE grandchild (id INTEGER PRIMARY KEY, c_id INTEGER REFERENCES child(id))",
			"CREATE INDEX t_b ON t(b, n)",
			"CREATE INDEX child_t ON child(t_id)",
			"CREATE TRIGGER t_n AFTER UPDATE OF n ON t BEGIN UPDATE p SET id = id WHERE id = new.n; END",
			"CREATE VIEW tv AS SELECT a, n FROM t",
		)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := newTestDB(
			createP,
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT, old TEXT)",
			"CREATE TABLE gone (id INTEGER PRIMARY KEY)",
			"CREATE INDEX t_b ON t(b)",
			"CREATE INDEX t_old ON t(old)",
			"CREATE TRIGGER t_old AFTER UPDATE OF old ON t BEGIN UPDATE t SET b = new.old WHERE a = new.a; END",
			"CREATE VIEW tv AS SELECT a, old FROM t",
		)
		So(err, ShouldBeNil)
		defer b.Close()

		sa, sb := load(a), load(b)
		So(Equal(sa, sb), ShouldBeFalse)

		patch, err := Diff(sa, sb)
		So(err, ShouldBeNil)
		So(indexOf(patch, "DROP VIEW IF EXISTS tv"), ShouldEqual, 0)
		So(indexOf(patch, "ALTER TABLE t DROP COLUMN old"), ShouldBeGreaterThan,
			indexOf(patch, "DROP INDEX IF EXISTS t_old"))
		So(indexOf(patch, "ALTER TABLE t DROP COLUMN old"), ShouldBeGreaterThan,
			indexOf(patch, "DROP TRIGGER IF EXISTS t_old"))
		So(indexOf(patch, "DROP TABLE IF EXISTS gone"), ShouldBeGreaterThanOrEqualTo, 0)

		Convey("Applying the patch should make the schemas equal", func() {
			tx, err := b.Begin()
			So(err, ShouldBeNil)
			So(Apply(context.Background(), tx, patch), ShouldBeNil)
			So(tx.Commit(), ShouldBeNil)

			sb = load(b)
			So(Equal(sa, sb), ShouldBeTrue)
			again, err := Diff(sa, sb)
			So(err, ShouldBeNil)
			So(again, ShouldBeEmpty)
		})
		Convey("Diffing a schema with itself should be empty", func() {
			for _, s := range []*Schema{sa, sb} {
				patch, err := Diff(s, s)
				So(err, ShouldBeNil)
				So(patch, ShouldBeEmpty)
			}
		})
	})
}

func TestDiffUnsupported(t *testing.T) {
	Convey("Given tables with an incompatible column change", t, func() {
		a, err := newTestDB(
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b INTEGER, c TEXT)",
			"CREATE TABLE k (x INTEGER, y INTEGER, PRIMARY KEY (x, y))",
		)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := newTestDB(
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT)",
			"CREATE TABLE k (x INTEGER PRIMARY KEY)",
		)
		So(err, ShouldBeNil)
		defer b.Close()

		patch, err := Diff(load(a), load(b))
		So(errors.Cause(err), ShouldEqual, ErrUnsupportedDiff)
		ue, ok := err.(*UnsupportedDiffError)
		So(ok, ShouldBeTrue)
		So(ue.Items, ShouldHaveLength, 2)
		So(ue.Items[0].Table, ShouldEqual, "t")
		So(ue.Items[0].Column, ShouldEqual, "b")
		So(ue.Error(), ShouldContainSubstring, "cannot add a primary key column")
		So(patch, ShouldResemble, Patch{"ALTER TABLE t ADD COLUMN c TEXT"})
	})
}

func TestDiffConstraints(t *testing.T) {
	Convey("Given tables which differ only in constraints", t, func() {
		a, err := newTestDB(
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b INTEGER CHECK (b > 0), c TEXT)",
			"CREATE TABLE k (x INTEGER PRIMARY KEY, y INTEGER, CHECK (y < 10))",
			"CREATE TABLE w (x INTEGER PRIMARY KEY, y TEXT CHECK (y <> ',)'))",
		)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := newTestDB(
			"CREATE TABLE t (a INTEGER PRIMARY KEY, b INTEGER CHECK (b > 1), c TEXT UNIQUE)",
			"CREATE TABLE k (x INTEGER PRIMARY KEY, y INTEGER, CONSTRAINT lim CHECK (y < 20))",
			"CREATE TABLE w (x INTEGER PRIMARY KEY, y TEXT check(y<>',)') /* same */)",
		)
		So(err, ShouldBeNil)
		defer b.Close()

		sa, sb := load(a), load(b)
		w, ok := sa.Table("w")
		So(ok, ShouldBeTrue)
		y, ok := w.Column("y")
		So(ok, ShouldBeTrue)
		So(y.Checks, ShouldResemble, []string{`check(y<>',)')`})

		_, err = Diff(sa, sb)
		So(errors.Cause(err), ShouldEqual, ErrUnsupportedDiff)
		ue, ok := err.(*UnsupportedDiffError)
		So(ok, ShouldBeTrue)
		So(ue.Items, ShouldHaveLength, 3)
		var items []string
		for _, u := range ue.Items {
			items = append(items, u.Table+"."+u.Column)
		}
		So(items, ShouldContain, "t.b")
		So(items, ShouldContain, "t.c")
		So(items, ShouldContain, "k.")
		So(ue.Error(), ShouldContainSubstring, "table constraints differ")
	})
	Convey("Generated columns should load but stay out of the data columns", t, func() {
		db, err := newTestDB(
			"CREATE TABLE g (id INTEGER PRIMARY KEY, price INTEGER, qty INTEGER, " +
				"total INTEGER GENERATED ALWAYS AS (price * qty) VIRTUAL)",
		)
		So(err, ShouldBeNil)
		defer db.Close()

		g, ok := load(db).Table("g")
		So(ok, ShouldBeTrue)
		So(g.Columns, ShouldHaveLength, 4)
		total, ok := g.Column("total")
		So(ok, ShouldBeTrue)
		So(total.Generated, ShouldBeTrue)
		var names []string
		for _, c := range g.DataColumns() {
			names = append(names, c.Name)
		}
		So(names, ShouldResemble, []string{"id", "price", "qty"})
		So(Equal(load(db), load(db)), ShouldBeTrue)
	})
}
