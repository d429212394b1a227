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

package cloud

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

type blockLog struct {
	sync.Mutex
	indexes []int
}

func (l *blockLog) add(i int) {
	l.Lock()
	defer l.Unlock()
	l.indexes = append(l.indexes, i)
}

func (l *blockLog) sorted() []int {
	l.Lock()
	defer l.Unlock()
	out := append([]int(nil), l.indexes...)
	sort.Ints(out)
	return out
}

func TestPrefetch(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a connected container with a database of four blocks", t, func() {
		var ctx = context.Background()
		svc := NewMemoryService()
		data := testImage(4, 1)
		e, err := seedDatabase(svc, testProps, "main", data)
		So(err, ShouldBeNil)
		ct, cache, err := connectNew(svc)
		So(err, ShouldBeNil)
		defer teardownContainer(ct, cache)

		_, err = ct.NewPrefetch("nope")
		So(StatusOf(err), ShouldEqual, NotFound)
		_, err = ct.NewPrefetch("main", 4)
		So(StatusOf(err), ShouldEqual, InvalidArgument)

		Convey("An on-demand read should join the in-flight prefetch of its block", func() {
			gate := make(chan struct{})
			svc.SetFetchGate(gate)
			p, err := ct.NewPrefetch("main", 1, 2, 3)
			So(err, ShouldBeNil)
			var fetched blockLog
			p.OnBlock = fetched.add

			status, err := p.Run(3, time.Second)
			So(err, ShouldBeNil)
			So(status.Status, ShouldEqual, OK)
			So(status.Outstanding, ShouldEqual, 3)
			So(status.Demand, ShouldEqual, 0)
			So(status.Complete(), ShouldBeFalse)
			So(waitFor(func() bool { return svc.FetchCount(testProps, e.Blocks[2]) == 1 }), ShouldBeTrue)

			var (
				block   []byte
				readErr error
				done    = make(chan struct{})
			)
			go func() {
				defer close(done)
				block, readErr = ct.ReadBlock(ctx, "main", 2)
			}()
			So(waitFor(func() bool { return cache.Stats().Shared == 1 }), ShouldBeTrue)
			close(gate)
			<-done
			So(readErr, ShouldBeNil)
			So(block, ShouldResemble, data[2*testBlockSize:3*testBlockSize])
			So(svc.FetchCount(testProps, e.Blocks[2]), ShouldEqual, 1)

			So(waitFor(func() bool { return p.Status().Complete() }), ShouldBeTrue)
			So(fetched.sorted(), ShouldResemble, []int{1, 2, 3})
			So(svc.FetchCount(testProps, e.Blocks[0]), ShouldEqual, 0)
			p.Stop()
		})
		Convey("A prefetch of every block should complete with a narrow window", func() {
			p, err := ct.NewPrefetch("main")
			So(err, ShouldBeNil)
			var fetched blockLog
			p.OnBlock = fetched.add
			status, err := p.Run(1, 0)
			So(err, ShouldBeNil)
			So(status.Outstanding+status.Done, ShouldBeGreaterThan, 0)
			So(waitFor(func() bool { return p.Status().Complete() }), ShouldBeTrue)
			So(fetched.sorted(), ShouldResemble, []int{0, 1, 2, 3})
			So(svc.TotalFetches(), ShouldEqual, 4)

			_, err = ct.ReadBlock(ctx, "main", 3)
			So(err, ShouldBeNil)
			So(svc.TotalFetches(), ShouldEqual, 4)
			So(cache.Stats().Hits, ShouldEqual, 1)

			status, err = p.Run(2, time.Second)
			So(err, ShouldBeNil)
			So(status.Complete(), ShouldBeTrue)
			So(status.Done, ShouldEqual, 4)
			p.Stop()
		})
		Convey("Transient failures should be retried", func() {
			svc.FailFetches(testProps, e.Blocks[0], 2)
			p, err := ct.NewPrefetch("main", 0)
			So(err, ShouldBeNil)
			_, err = p.Run(1, time.Second)
			So(err, ShouldBeNil)
			So(waitFor(func() bool { return p.Status().Complete() }), ShouldBeTrue)
			So(svc.FetchCount(testProps, e.Blocks[0]), ShouldEqual, 3)
			p.Stop()
		})
		Convey("Persistent failures should surface on the next run", func() {
			svc.FailFetches(testProps, e.Blocks[1], 100)
			p, err := ct.NewPrefetch("main", 1, 2)
			So(err, ShouldBeNil)
			_, err = p.Run(1, time.Second)
			So(err, ShouldBeNil)
			So(waitFor(func() bool { return p.Status().Status != OK }), ShouldBeTrue)
			status, err := p.Run(1, time.Second)
			So(StatusOf(err), ShouldEqual, NetworkError)
			So(status.Status, ShouldEqual, NetworkError)
			So(status.Message, ShouldNotBeEmpty)
			So(status.Demand, ShouldEqual, 1)
			p.Stop()
		})
		Convey("Stop should cancel in-flight fetches and silence callbacks", func() {
			gate := make(chan struct{})
			defer close(gate)
			svc.SetFetchGate(gate)
			p, err := ct.NewPrefetch("main")
			So(err, ShouldBeNil)
			var fetched blockLog
			p.OnBlock = fetched.add
			_, err = p.Run(4, 10*time.Second)
			So(err, ShouldBeNil)
			So(waitFor(func() bool { return svc.TotalFetches() == 4 }), ShouldBeTrue)

			p.Stop()
			So(fetched.sorted(), ShouldBeEmpty)
			status, err := p.Run(1, time.Second)
			So(StatusOf(err), ShouldEqual, Stopped)
			So(status.Status, ShouldEqual, Stopped)
			p.Stop()
		})
		Convey("Disconnect should stop running prefetches", func() {
			gate := make(chan struct{})
			defer close(gate)
			svc.SetFetchGate(gate)
			p, err := ct.NewPrefetch("main")
			So(err, ShouldBeNil)
			_, err = p.Run(2, 10*time.Second)
			So(err, ShouldBeNil)
			So(ct.Disconnect(ctx), ShouldBeNil)
			So(p.Status().Status, ShouldEqual, Stopped)
			So(cache.Close(), ShouldBeNil)
		})
	})
}
