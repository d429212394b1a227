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

package changeset

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/briefcase/schema"
)

func sampleChangeSet() *ChangeSet {
	return &ChangeSet{
		Seq:                  7,
		Writer:               0x103,
		ContainsSchemaChange: true,
		DDL:                  []string{"ALTER TABLE t ADD COLUMN b TEXT"},
		PostSchema: []schema.Object{
			{Type: schema.TypeTable, Name: "t", Table: "t", SQL: "CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT)"},
		},
		Entries: []Entry{
			{
				Table: "t", PrimaryKey: []string{"a"}, Key: Values{IntValue(1)}, Op: Insert,
				Columns: []ColumnChange{
					{Name: "a", New: IntValue(1), HasNew: true},
					{Name: "b", New: TextValue("x"), HasNew: true},
				},
			},
			{
				Table: "t", PrimaryKey: []string{"a"}, Key: Values{IntValue(2)}, Op: Update,
				Columns: []ColumnChange{
					{Name: "a", Old: IntValue(2), HasOld: true},
					{Name: "b", Old: NullValue(), New: BlobValue([]byte{1, 2}), HasOld: true, HasNew: true},
				},
			},
			{
				Table: "u", PrimaryKey: []string{"id"}, Key: Values{TextValue("k")}, Op: Delete,
				Columns: []ColumnChange{
					{Name: "id", Old: TextValue("k"), HasOld: true},
					{Name: "r", Old: RealValue(1.5), HasOld: true},
				},
			},
		},
		Description: "sample",
		Author:      "tester",
		CreatedAt:   time.Now(),
	}
}

func TestValue(t *testing.T) {
	Convey("Values should follow their storage class", t, func() {
		v, err := ValueOf(int64(3), "integer")
		So(err, ShouldBeNil)
		So(v, ShouldResemble, IntValue(3))
		v, err = ValueOf([]byte("abc"), "text")
		So(err, ShouldBeNil)
		So(v, ShouldResemble, TextValue("abc"))
		v, err = ValueOf([]byte("abc"), "blob")
		So(err, ShouldBeNil)
		So(v.Kind, ShouldEqual, Blob)
		v, err = ValueOf(int64(2), "real")
		So(err, ShouldBeNil)
		So(v, ShouldResemble, RealValue(2))
		v, err = ValueOf(nil, "null")
		So(err, ShouldBeNil)
		So(v.IsNull(), ShouldBeTrue)
		_, err = ValueOf(struct{}{}, "")
		So(errors.Cause(err), ShouldEqual, ErrUnsupportedValue)
		_, err = ValueOf(1, "bogus")
		So(errors.Cause(err), ShouldEqual, ErrUnsupportedValue)
	})
	Convey("Equality should be strict on storage class", t, func() {
		So(IntValue(1).Equal(IntValue(1)), ShouldBeTrue)
		So(IntValue(1).Equal(RealValue(1)), ShouldBeFalse)
		So(TextValue("a").Equal(BlobValue([]byte("a"))), ShouldBeFalse)
		So(BlobValue(nil).Equal(BlobValue([]byte{})), ShouldBeTrue)
		So(NullValue().Equal(NullValue()), ShouldBeTrue)
		So(Values{IntValue(1), TextValue("a")}.Equal(Values{IntValue(1), TextValue("a")}), ShouldBeTrue)
	})
	Convey("Literal forms should be SQL", t, func() {
		So(TextValue("it's").String(), ShouldEqual, "'it''s'")
		So(BlobValue([]byte{0xab}).String(), ShouldEqual, "x'ab'")
		So(NullValue().String(), ShouldEqual, "NULL")
		So(Values{IntValue(1), RealValue(0.5)}.String(), ShouldEqual, "(1, 0.5)")
		So(BlobValue(nil).Arg(), ShouldResemble, []byte{})
		So(NullValue().Arg(), ShouldBeNil)
	})
}

func TestEntryImages(t *testing.T) {
	Convey("Given the entries of a sample change set", t, func() {
		cs := sampleChangeSet()
		ins, upd, del := &cs.Entries[0], &cs.Entries[1], &cs.Entries[2]

		So(ins.Before(), ShouldBeNil)
		So(ins.After(), ShouldResemble, map[string]Value{"a": IntValue(1), "b": TextValue("x")})

		So(upd.Before(), ShouldResemble, map[string]Value{"a": IntValue(2), "b": NullValue()})
		So(upd.After(), ShouldResemble, map[string]Value{"a": IntValue(2), "b": BlobValue([]byte{1, 2})})
		So(upd.Changed(), ShouldHaveLength, 1)

		So(del.After(), ShouldBeNil)
		So(del.Before(), ShouldHaveLength, 2)
		So(cs.Tables(), ShouldResemble, []string{"t", "u"})
	})
}

func TestSealAndCodec(t *testing.T) {
	Convey("Given a sealed change set", t, func() {
		cs := sampleChangeSet()
		So(cs.Verify(), ShouldNotBeNil)
		So(cs.Seal(), ShouldBeNil)
		So(cs.Sealed(), ShouldBeTrue)
		So(cs.Verify(), ShouldBeNil)

		Convey("Decoding should preserve content and digest", func() {
			buf, err := Encode(cs)
			So(err, ShouldBeNil)
			dec, err := Decode(buf)
			So(err, ShouldBeNil)
			So(dec.Verify(), ShouldBeNil)
			So(dec.Entries[1].After(), ShouldResemble, cs.Entries[1].After())
			So(dec.CreatedAt.Equal(cs.CreatedAt), ShouldBeTrue)
			So(dec.PostSchema, ShouldResemble, cs.PostSchema)
		})
		Convey("Tampering should be detected", func() {
			c := cs.Clone()
			c.Entries[0].Columns[1].New = TextValue("y")
			So(errors.Cause(c.Verify()), ShouldEqual, ErrDigestMismatch)
			So(cs.Verify(), ShouldBeNil)
		})
		Convey("Files should round trip through snappy", func() {
			dir, err := ioutil.TempDir("", "changeset")
			So(err, ShouldBeNil)
			defer os.RemoveAll(dir)

			path, err := WriteFile(dir, cs)
			So(err, ShouldBeNil)
			So(filepath.Base(path), ShouldEqual, "0x103-0000000000000007.bcs")

			other := sampleChangeSet()
			other.Seq = 3
			So(other.Seal(), ShouldBeNil)
			_, err = WriteFile(dir, other)
			So(err, ShouldBeNil)

			read, err := ReadFile(path)
			So(err, ShouldBeNil)
			So(read.Digest, ShouldResemble, cs.Digest)

			sets, err := ReadDir(dir)
			So(err, ShouldBeNil)
			So(sets, ShouldHaveLength, 2)
			sort.Sort(BySeq(sets))
			So(sets[0].Seq, ShouldEqual, 3)

			So(ioutil.WriteFile(filepath.Join(dir, "bad.bcs"), []byte("junk"), 0644), ShouldBeNil)
			_, err = ReadDir(dir)
			So(errors.Cause(err), ShouldEqual, ErrBadFile)
		})
		Convey("Unsealed change sets should not be written", func() {
			_, err := Marshal(sampleChangeSet())
			So(errors.Cause(err), ShouldEqual, ErrNotSealed)
		})
	})
}

func TestConflictRecord(t *testing.T) {
	Convey("Conflicts should name the differing columns", t, func() {
		c := &ConflictRecord{
			Seq: 1, Writer: 0x103, Table: "t", Key: Values{IntValue(1)}, Op: Update, Kind: RowChanged,
			Expected: map[string]Value{"a": IntValue(1), "b": TextValue("x")},
			Actual:   map[string]Value{"a": IntValue(1), "b": TextValue("y")},
		}
		So(c.Columns(), ShouldResemble, []string{"b"})
		So(c.String(), ShouldEqual, "RowChanged on Update t(1) (changeset 1 of writer 0x103): columns b")
	})
}
