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
	"github.com/CovenantSQL/briefcase/schema"
)

func commit(ctx context.Context, c *Copy, fn func(tx *Tx) error) (*cs.ChangeSet, error) {
	tx, err := c.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err = fn(tx); err != nil {
		tx.Abandon()
		return nil, err
	}
	return tx.Commit(cs.Meta{Author: "tester"})
}

func readName(ctx context.Context, c *Copy, id int) (name string, err error) {
	err = c.QueryRow(ctx, "SELECT name FROM items WHERE id = ?", id).Scan(&name)
	return
}

func TestMergeSchemaMismatch(t *testing.T) {
	Convey("A schema changing set should need a matching schema", t, func() {
		ctx := context.Background()
		a, create, err := seedCopy(ctx, t.Name()+"-a", 2)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := openCopy(newPath(t.Name()+"-b"), ReadWrite)
		So(err, ShouldBeNil)
		defer b.Close()
		So(b.AssignWriterID(ctx, 3), ShouldBeNil)

		_, err = b.ApplyChangeSets(ctx, []*cs.ChangeSet{create}, MergeOptions{})
		So(errors.Cause(err), ShouldEqual, ErrSchemaMismatch)

		patch, err := b.SchemaPatchFor(ctx, a)
		So(err, ShouldBeNil)
		So(patch, ShouldResemble, schema.Patch{createItems})
		So(b.ApplySchemaPatch(ctx, patch), ShouldBeNil)

		res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{create}, MergeOptions{})
		So(err, ShouldBeNil)
		So(res.Sets, ShouldEqual, 1)
		patch, err = b.SchemaPatchFor(ctx, a)
		So(err, ShouldBeNil)
		So(patch, ShouldBeEmpty)
	})
}

func TestMerge(t *testing.T) {
	Convey("Given two copies sharing the items table", t, func() {
		ctx := context.Background()
		a, create, err := seedCopy(ctx, t.Name()+"-a", 2)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := openCopy(newPath(t.Name()+"-b"), ReadWrite)
		So(err, ShouldBeNil)
		defer b.Close()
		So(b.AssignWriterID(ctx, 3), ShouldBeNil)

		res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{create}, MergeOptions{ReplayDDL: true})
		So(err, ShouldBeNil)
		So(res.Sets, ShouldEqual, 1)

		seed, err := commit(ctx, a, func(tx *Tx) (err error) {
			for i, name := range []string{"one", "two", "three"} {
				if err = tx.Insert("items", Row{"id": i + 1, "name": name, "qty": i}); err != nil {
					return
				}
			}
			return
		})
		So(err, ShouldBeNil)

		Convey("Replaying onto matching rows should reproduce the after images", func() {
			res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{seed}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Applied, ShouldEqual, 3)
			So(res.Conflicts, ShouldBeEmpty)

			upd, err := commit(ctx, a, func(tx *Tx) (err error) {
				if err = tx.Update("items", []interface{}{1}, Row{"name": "uno"}); err != nil {
					return
				}
				return tx.Delete("items", 3)
			})
			So(err, ShouldBeNil)
			res, err = b.ApplyChangeSets(ctx, []*cs.ChangeSet{upd}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Applied, ShouldEqual, 2)

			name, err := readName(ctx, b, 1)
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "uno")
			_, err = readName(ctx, b, 3)
			So(err, ShouldNotBeNil)

			last, err := b.LastApplied(ctx, 2)
			So(err, ShouldBeNil)
			So(last, ShouldEqual, upd.Seq)

			Convey("Applied sets should be skipped on a second merge", func() {
				res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{upd, seed, create}, MergeOptions{})
				So(err, ShouldBeNil)
				So(res.Skipped, ShouldEqual, 3)
				So(res.Applied, ShouldEqual, 0)
			})
		})
		Convey("Sets should be applied in sequence order", func() {
			upd, err := commit(ctx, a, func(tx *Tx) error {
				return tx.Update("items", []interface{}{2}, Row{"qty": 20})
			})
			So(err, ShouldBeNil)
			res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{upd, seed}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Sets, ShouldEqual, 2)
			So(res.Conflicts, ShouldBeEmpty)
			var qty int
			So(b.QueryRow(ctx, "SELECT qty FROM items WHERE id = 2").Scan(&qty), ShouldBeNil)
			So(qty, ShouldEqual, 20)
		})
		Convey("A diverged row should be reported and left untouched", func() {
			_, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{seed}, MergeOptions{})
			So(err, ShouldBeNil)
			_, err = commit(ctx, b, func(tx *Tx) error {
				return tx.Update("items", []interface{}{1}, Row{"name": "local"})
			})
			So(err, ShouldBeNil)

			upd, err := commit(ctx, a, func(tx *Tx) (err error) {
				if err = tx.Update("items", []interface{}{1}, Row{"name": "remote"}); err != nil {
					return
				}
				return tx.Update("items", []interface{}{2}, Row{"name": "zwei"})
			})
			So(err, ShouldBeNil)

			res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{upd}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Applied, ShouldEqual, 1)
			So(res.Conflicts, ShouldHaveLength, 1)
			conflict := res.Conflicts[0]
			So(conflict.Kind, ShouldEqual, cs.RowChanged)
			So(conflict.Key, ShouldResemble, cs.Values{cs.IntValue(1)})
			So(conflict.Columns(), ShouldResemble, []string{"name"})

			name, err := readName(ctx, b, 1)
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "local")
			name, err = readName(ctx, b, 2)
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "zwei")
		})
		Convey("Missing and existing rows should be conflicts", func() {
			_, err := commit(ctx, b, func(tx *Tx) error {
				return tx.Insert("items", Row{"id": 1, "name": "mine"})
			})
			So(err, ShouldBeNil)
			upd, err := commit(ctx, a, func(tx *Tx) error {
				return tx.Delete("items", 2)
			})
			So(err, ShouldBeNil)

			res, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{seed, upd}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Applied, ShouldEqual, 3)
			So(res.Conflicts, ShouldHaveLength, 1)
			So(res.Conflicts[0].Kind, ShouldEqual, cs.RowExists)

			_, err = commit(ctx, b, func(tx *Tx) error {
				return tx.Delete("items", 3)
			})
			So(err, ShouldBeNil)
			gone, err := commit(ctx, a, func(tx *Tx) error {
				return tx.Update("items", []interface{}{3}, Row{"qty": 9})
			})
			So(err, ShouldBeNil)
			res, err = b.ApplyChangeSets(ctx, []*cs.ChangeSet{gone}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Conflicts, ShouldHaveLength, 1)
			So(res.Conflicts[0].Kind, ShouldEqual, cs.RowMissing)
		})
		Convey("Tampered and own sets should not be applied", func() {
			bad := seed.Clone()
			bad.Entries[0].Columns[1].New = cs.TextValue("evil")
			_, err := b.ApplyChangeSets(ctx, []*cs.ChangeSet{bad}, MergeOptions{})
			So(errors.Cause(err), ShouldEqual, cs.ErrDigestMismatch)

			res, err := a.ApplyChangeSets(ctx, []*cs.ChangeSet{seed}, MergeOptions{})
			So(err, ShouldBeNil)
			So(res.Skipped, ShouldEqual, 1)
		})
	})
}

func TestMergeForeignKeys(t *testing.T) {
	Convey("A parent delete blocked by a kept child should be a constraint conflict", t, func() {
		ctx := context.Background()
		a, _, err := seedCopy(ctx, t.Name()+"-a", 2)
		So(err, ShouldBeNil)
		defer a.Close()
		b, err := openCopy(newPath(t.Name()+"-b"), ReadWrite)
		So(err, ShouldBeNil)
		defer b.Close()
		So(b.AssignWriterID(ctx, 3), ShouldBeNil)

		_, err = commit(ctx, a, func(tx *Tx) (err error) {
			_, err = tx.Exec("CREATE TABLE parts (id INTEGER PRIMARY KEY, " +
				"item INTEGER REFERENCES items(id), note TEXT)")
			return
		})
		So(err, ShouldBeNil)
		_, err = commit(ctx, a, func(tx *Tx) (err error) {
			if err = tx.Insert("items", Row{"id": 1, "name": "one"}); err != nil {
				return
			}
			return tx.Insert("parts", Row{"id": 10, "item": 1})
		})
		So(err, ShouldBeNil)

		sets, err := a.ChangeSetsSince(ctx, 0)
		So(err, ShouldBeNil)
		So(sets, ShouldHaveLength, 3)
		res, err := b.ApplyChangeSets(ctx, sets, MergeOptions{ReplayDDL: true})
		So(err, ShouldBeNil)
		So(res.Sets, ShouldEqual, 3)
		So(res.Applied, ShouldEqual, 2)

		_, err = commit(ctx, b, func(tx *Tx) error {
			return tx.Update("parts", []interface{}{10}, Row{"note": "keep"})
		})
		So(err, ShouldBeNil)
		drop, err := commit(ctx, a, func(tx *Tx) (err error) {
			if err = tx.Delete("parts", 10); err != nil {
				return
			}
			return tx.Delete("items", 1)
		})
		So(err, ShouldBeNil)

		res, err = b.ApplyChangeSets(ctx, []*cs.ChangeSet{drop}, MergeOptions{})
		So(err, ShouldBeNil)
		So(res.Applied, ShouldEqual, 0)
		So(res.Conflicts, ShouldHaveLength, 2)
		So(res.Conflicts[0].Kind, ShouldEqual, cs.RowChanged)
		So(res.Conflicts[1].Kind, ShouldEqual, cs.ConstraintViolation)
		So(res.Conflicts[1].Reason, ShouldNotBeEmpty)
		name, err := readName(ctx, b, 1)
		So(err, ShouldBeNil)
		So(name, ShouldEqual, "one")
	})
}
