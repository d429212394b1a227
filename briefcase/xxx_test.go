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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/CovenantSQL/briefcase/utils/log"
)

var (
	testingDataDir string
	fileSeq        int64
)

// newPath returns a fresh file path, goconvey re-runs the outer scopes for every leaf.
func newPath(name string) string {
	return filepath.Join(testingDataDir, fmt.Sprintf("%s-%d.db", name, atomic.AddInt64(&fileSeq, 1)))
}

func setup() {
	var err error
	if testingDataDir, err = ioutil.TempDir("", "briefcase-copy"); err != nil {
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
