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
package storage

import (
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDSN(t *testing.T) {
	Convey("Given some connection strings", t, func() {
		for _, s := range []string{
			"",
			"file:test.db",
			"file::memory:?cache=shared&mode=memory",
			"file:test.db?p1=v1&p2=v2&p1=v3",
		} {
			dsn, err := NewDSN(s)
			So(err, ShouldBeNil)

			dsn.SetFileName("/dev/null")
			So(dsn.GetFileName(), ShouldEqual, "/dev/null")

			dsn.AddParam("key", "value")
			v, ok := dsn.GetParam("key")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "value")

			dsn.AddParam("key", "")
			_, ok = dsn.GetParam("key")
			So(ok, ShouldBeFalse)
		}
	})
	Convey("Format should be stable and parseable", t, func() {
		dsn, err := NewDSN("file:test.db?p2=v2&p1=v1&p3=v3")
		So(err, ShouldBeNil)
		So(dsn.Format(), ShouldEqual, "file:test.db?p1=v1&p2=v2&p3=v3")
		again, err := NewDSN(dsn.Format())
		So(err, ShouldBeNil)
		So(again, ShouldResemble, dsn)
	})
	Convey("Memory detection", t, func() {
		dsn, _ := NewDSN("file::memory:")
		So(dsn.IsMemory(), ShouldBeTrue)
		dsn, _ = NewDSN("file:x?mode=memory")
		So(dsn.IsMemory(), ShouldBeTrue)
		dsn, _ = NewDSN("file:x.db")
		So(dsn.IsMemory(), ShouldBeFalse)
	})
	Convey("Invalid parameters should fail", t, func() {
		_, err := NewDSN("file:test.db?p1")
		So(errors.Cause(err), ShouldEqual, ErrInvalidDSN)
	})
	Convey("Clone should copy params", t, func() {
		dsn := &DSN{}
		dsn.AddParam("clone", "true")
		clone := dsn.Clone()
		dsn.AddParam("clone", "")
		_, ok := clone.GetParam("clone")
		So(ok, ShouldBeTrue)
	})
}
