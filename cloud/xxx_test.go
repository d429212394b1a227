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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CovenantSQL/briefcase/utils/log"
)

const testBlockSize = 1024

var (
	testingDataDir string
	dirSeq         int64

	testProps = ContainerProps{
		StorageType: "memory",
		AccountName: "acct",
		ContainerID: "box",
	}
)

// newDir returns a fresh directory path, goconvey re-runs the outer scopes for every leaf.
func newDir(name string) string {
	return filepath.Join(testingDataDir, fmt.Sprintf("%s-%d", name, atomic.AddInt64(&dirSeq, 1)))
}

func newTestCache(t Transport, maxBlocks int) (*Cache, error) {
	return NewCache(CacheConfig{
		WorkDir:        newDir("work"),
		MaxBlocks:      maxBlocks,
		NetworkTimeout: 5 * time.Second,
		BlockSize:      testBlockSize,
	}, t)
}

// testImage returns a database image of n blocks with distinct content.
func testImage(n int, seed byte) []byte {
	data := make([]byte, n*testBlockSize)
	for i := range data {
		data[i] = seed + byte(i/testBlockSize)
	}
	return data
}

// seedDatabase publishes data as database db of the container, bypassing any cache.
func seedDatabase(svc *MemoryService, p ContainerProps, db string, data []byte) (e *DatabaseEntry, err error) {
	ctx := context.Background()
	svc.CreateContainer(p)
	token, err := svc.AcquireLock(ctx, p, "seed")
	if err != nil {
		return
	}
	defer svc.ReleaseLock(ctx, p, token)
	m, err := svc.PollManifest(ctx, p)
	if err != nil {
		return
	}
	e = &DatabaseEntry{Name: db, Size: int64(len(data)), BlockSize: testBlockSize}
	for _, chunk := range splitBlocks(data, testBlockSize) {
		name := BlockName(chunk)
		if err = svc.PutBlock(ctx, p, token, name, chunk); err != nil {
			return
		}
		e.Blocks = append(e.Blocks, name)
	}
	m.Databases[db] = e
	m.Generation++
	err = svc.PutManifest(ctx, p, token, m)
	return
}

// waitFor polls cond until it holds or a second passed.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func setup() {
	var err error
	if testingDataDir, err = ioutil.TempDir("", "briefcase-cloud"); err != nil {
		panic(err)
	}
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}

func teardown() {
	if err := os.RemoveAll(testingDataDir); err != nil {
		panic(err)
	}
}

func TestMain(m *testing.M) {
	os.Exit(func() int {
		setup()
		defer teardown()
		return m.Run()
	}())
}
