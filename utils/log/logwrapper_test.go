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

package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"
)

func TestStandardLogger(t *testing.T) {
	Convey("Given the standard logger writing into a buffer", t, func() {
		var buf bytes.Buffer
		SetOutput(&buf)
		Reset(func() {
			SetOutput(Discard{})
			SetLevel(InfoLevel)
		})

		Convey("The string level should be applied or fall back to default", func() {
			SetStringLevel("debug", InfoLevel)
			So(GetLevel(), ShouldEqual, DebugLevel)
			SetStringLevel("no-such-level", WarnLevel)
			So(GetLevel(), ShouldEqual, WarnLevel)
		})
		Convey("Entries should carry fields and the caller", func() {
			SetLevel(DebugLevel)
			WithFields(Fields{"k": "v"}).WithError(errors.New("boom")).Error("failed")
			So(buf.String(), ShouldContainSubstring, "k=v")
			So(buf.String(), ShouldContainSubstring, "boom")
			So(buf.String(), ShouldContainSubstring, "caller=")
			Debugf("debug %d", 1)
			So(buf.String(), ShouldContainSubstring, "debug 1")
		})
		Convey("Discard should drop entries", func() {
			a, b := Discard{}.Format(&logrus.Entry{})
			So(a, ShouldBeNil)
			So(b, ShouldBeNil)
			n, err := Discard{}.Write([]byte("dropped"))
			So(n, ShouldEqual, 7)
			So(err, ShouldBeNil)
		})
		Convey("Entries of filtered packages should be dropped", func() {
			PkgDebugLogFilter["utils/log"] = InfoLevel
			defer delete(PkgDebugLogFilter, "utils/log")
			SetLevel(DebugLevel)
			Debug("hidden entry")
			So(buf.String(), ShouldNotContainSubstring, "hidden entry")
			Info("visible entry")
			So(buf.String(), ShouldContainSubstring, "visible entry")
		})
	})
}
