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

package utils

import (
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestHomeDirExpand(t *testing.T) {
	Convey("expand ~ dir", t, func() {
		usr, err := user.Current()
		So(err, ShouldBeNil)
		So(HomeDirExpand("~"), ShouldEqual, usr.HomeDir)
		So(HomeDirExpand("~/.cql-briefcase"), ShouldEqual, filepath.Join(usr.HomeDir, ".cql-briefcase"))
		So(HomeDirExpand("/etc/briefcase"), ShouldEqual, "/etc/briefcase")
		So(HomeDirExpand("~other/x"), ShouldEqual, "~other/x")
	})
}

func TestWriteFileAtomic(t *testing.T) {
	Convey("Given a scratch directory", t, func() {
		dir, err := ioutil.TempDir("", "briefcase-utils")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "nested", "work", "main")

		So(Exist(path), ShouldBeFalse)
		So(WriteFileAtomic(path, []byte("first"), 0644), ShouldBeNil)
		So(Exist(path), ShouldBeTrue)
		So(WriteFileAtomic(path, []byte("second"), 0644), ShouldBeNil)
		data, err := ioutil.ReadFile(path)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "second")
		So(Exist(path+".part"), ShouldBeFalse)

		So(WriteFileAtomic(filepath.Join(path, "below-a-file"), nil, 0644), ShouldNotBeNil)
	})
}
