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

package blobserver

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/briefcase/cloud"
)

func TestServer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	Convey("Given a blob server in front of a memory service", t, func() {
		var ctx = context.Background()
		dir, err := ioutil.TempDir("", "briefcase-blobserver")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		svc := cloud.NewMemoryService()
		server := NewServer(svc, "secret")
		ts := httptest.NewServer(server.Handler())
		defer ts.Close()
		client := &http.Client{Transport: &http.Transport{}}
		defer client.Transport.(*http.Transport).CloseIdleConnections()

		props := cloud.ContainerProps{
			StorageType: "http",
			AccountName: "acct",
			ContainerID: "box",
			AccessToken: "secret",
		}
		transport := cloud.NewHTTPTransport(ts.URL, client)
		So(transport.CreateContainer(ctx, props), ShouldBeNil)

		Convey("Requests without the access token should be refused", func() {
			bad := props
			bad.AccessToken = "wrong"
			_, err := transport.PollManifest(ctx, bad)
			So(cloud.StatusOf(err), ShouldEqual, cloud.Unauthorized)
		})
		Convey("Remote statuses should be carried over the wire", func() {
			_, err := transport.FetchBlock(ctx, props, cloud.BlockName([]byte("absent")))
			So(cloud.StatusOf(err), ShouldEqual, cloud.NotFound)
			token, err := transport.AcquireLock(ctx, props, "alice")
			So(err, ShouldBeNil)
			_, err = transport.AcquireLock(ctx, props, "bob")
			So(cloud.StatusOf(err), ShouldEqual, cloud.LockHeld)
			So(cloud.StatusOf(transport.CheckLock(ctx, props, "forged")), ShouldEqual, cloud.NotWriteLocked)
			So(transport.CheckLock(ctx, props, token), ShouldBeNil)

			m := cloud.NewManifest(props.ContainerID)
			m.Generation = 5
			So(cloud.StatusOf(transport.PutManifest(ctx, props, token, m)), ShouldEqual, cloud.Conflict)
			So(transport.ReleaseLock(ctx, props, token), ShouldBeNil)
		})
		Convey("A container should be usable through the HTTP transport", func() {
			cache, err := cloud.NewCache(cloud.CacheConfig{
				Dir:            filepath.Join(dir, "blocks"),
				WorkDir:        filepath.Join(dir, "work"),
				NetworkTimeout: 5 * time.Second,
			}, transport)
			So(err, ShouldBeNil)
			So(server.Register(cloud.NewCacheCollector(cache)), ShouldBeNil)
			ct := cloud.NewContainer(props)
			So(ct.Connect(cache), ShouldBeNil)
			So(ct.PollManifest(ctx), ShouldBeNil)
			So(ct.AcquireWriteLock(ctx, "alice"), ShouldBeNil)
			So(svc.LockHolder(props), ShouldEqual, "alice")

			src := filepath.Join(dir, "src.db")
			data := make([]byte, 3*cloud.DefaultBlockSize/2)
			for i := range data {
				data[i] = byte(i % 251)
			}
			So(ioutil.WriteFile(src, data, 0644), ShouldBeNil)
			So(ct.ImportDatabase(ctx, "main", src), ShouldBeNil)
			So(ct.UploadChanges(ctx), ShouldBeNil)
			So(ct.CopyDatabase(ctx, "main", "copy"), ShouldBeNil)

			m, err := svc.PollManifest(ctx, props)
			So(err, ShouldBeNil)
			So(m.Generation, ShouldEqual, 2)
			So(m.Names(), ShouldResemble, []string{"copy", "main"})
			So(m.Databases["main"].Blocks, ShouldHaveLength, 2)

			reader := cloud.NewContainer(props)
			readerCache, err := cloud.NewCache(cloud.CacheConfig{WorkDir: filepath.Join(dir, "reader")}, transport)
			So(err, ShouldBeNil)
			So(reader.Connect(readerCache), ShouldBeNil)
			So(reader.PollManifest(ctx), ShouldBeNil)
			path, err := reader.OpenDatabase(ctx, "copy")
			So(err, ShouldBeNil)
			content, err := ioutil.ReadFile(path)
			So(err, ShouldBeNil)
			So(content, ShouldResemble, data)

			resp, err := client.Get(ts.URL + "/metrics")
			So(err, ShouldBeNil)
			body, err := ioutil.ReadAll(resp.Body)
			resp.Body.Close()
			So(err, ShouldBeNil)
			So(string(body), ShouldContainSubstring, "briefcase_blobserver_requests_total")
			So(string(body), ShouldContainSubstring, "briefcase_cloud_cache_blocks")

			So(reader.Disconnect(ctx), ShouldBeNil)
			So(readerCache.Close(), ShouldBeNil)
			So(ct.Disconnect(ctx), ShouldBeNil)
			So(svc.LockHolder(props), ShouldBeEmpty)
			So(cache.Close(), ShouldBeNil)
		})
	})
}
