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

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"

	"github.com/CovenantSQL/briefcase/cloud"
)

func TestConf(t *testing.T) {
	Convey("LoadConfig", t, func() {
		dir, err := ioutil.TempDir("", "briefcase-conf")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		testFile := filepath.Join(dir, "config.yaml")

		config := &Config{
			Copy: CopyConfig{Path: "main.db", WriterID: 0x103},
			Cloud: &CloudConfig{
				Endpoint: "http://127.0.0.1:4680",
				Cache:    cloud.CacheConfig{MaxBlocks: 64, NetworkTimeout: 3 * time.Second},
				Containers: []cloud.ContainerProps{
					{StorageType: "http", AccountName: "acct", ContainerID: "box", Alias: "primary"},
					{StorageType: "http", AccountName: "acct", ContainerID: "spare"},
				},
			},
			BlobServer: &ServerConfig{AccessToken: "secret"},
		}
		sConfig, err := yaml.Marshal(config)
		So(err, ShouldBeNil)
		So(ioutil.WriteFile(testFile, sConfig, 0600), ShouldBeNil)

		configNew, err := LoadConfig(testFile)
		So(err, ShouldBeNil)
		So(configNew.WorkingRoot, ShouldEqual, dir)
		So(configNew.Copy.Path, ShouldEqual, filepath.Join(dir, "main.db"))
		So(configNew.Copy.Mode, ShouldEqual, DefaultCopyMode)
		So(configNew.Copy.BusyTimeout, ShouldEqual, DefaultBusyTimeout)
		So(configNew.Copy.WriterID, ShouldEqual, 0x103)
		So(configNew.Cloud.Cache.Dir, ShouldEqual, filepath.Join(dir, DefaultCacheDir))
		So(configNew.Cloud.Cache.NetworkTimeout, ShouldEqual, 3*time.Second)
		So(configNew.Cloud.Holder, ShouldEqual, DefaultHolder)
		So(configNew.BlobServer.ListenAddr, ShouldEqual, DefaultListenAddr)

		p, err := configNew.Cloud.Container("primary")
		So(err, ShouldBeNil)
		So(p.ContainerID, ShouldEqual, "box")
		p, err = configNew.Cloud.Container("acct/spare")
		So(err, ShouldBeNil)
		So(p.ContainerID, ShouldEqual, "spare")
		_, err = configNew.Cloud.Container("missing")
		So(err, ShouldNotBeNil)

		_, err = LoadConfig("notExistFile")
		So(err, ShouldNotBeNil)

		ioutil.WriteFile(testFile, []byte("xx:1"), 0600)
		_, err = LoadConfig(testFile)
		So(err, ShouldNotBeNil)
	})
	Convey("DefaultConfig", t, func() {
		config := DefaultConfig("/srv/briefcase")
		So(config.WorkingRoot, ShouldEqual, "/srv/briefcase")
		So(config.Copy.Mode, ShouldEqual, DefaultCopyMode)
		So(config.Copy.BusyTimeout, ShouldEqual, DefaultBusyTimeout)
		So(config.Cloud, ShouldBeNil)
	})
}
