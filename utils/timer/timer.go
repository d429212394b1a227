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
// Package timer provides a stop watch for duration stat logging.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/CovenantSQL/briefcase/utils/log"
)

// Timer defines a stop watch timer for performance analysis.
type Timer struct {
	sync.Mutex
	start  time.Time
	names  []string
	pivots []time.Time
}

// NewTimer returns a new stop watch timer instance.
func NewTimer() *Timer {
	return &Timer{
		start: time.Now(),
	}
}

// Add records a time pivot.
func (t *Timer) Add(name string) {
	t.Lock()
	defer t.Unlock()
	t.names = append(t.names, name)
	t.pivots = append(t.pivots, time.Now())
}

// ToMap returns the duration of each stage since the previous pivot, plus "total".
func (t *Timer) ToMap() map[string]time.Duration {
	t.Lock()
	defer t.Unlock()
	var (
		lp   = len(t.pivots)
		m    = make(map[string]time.Duration, 1+lp)
		last = t.start
	)
	for i := 0; i < lp; i++ {
		m[t.names[i]] = t.pivots[i].Sub(last)
		last = t.pivots[i]
	}
	if lp > 0 {
		m["total"] = last.Sub(t.start)
	}
	return m
}

// ToLogFields returns the stages as ordered "n#name" fields in microseconds, in the same
// shape the duration stat debug logs use.
func (t *Timer) ToLogFields() log.Fields {
	m := t.ToMap()
	t.Lock()
	names := append([]string(nil), t.names...)
	t.Unlock()
	f := make(log.Fields, len(m))
	for i, n := range names {
		f[fmt.Sprintf("%d#%s", i+1, n)] = float64(m[n].Nanoseconds()) / 1000
	}
	if total, ok := m["total"]; ok {
		f["total"] = float64(total.Nanoseconds()) / 1000
	}
	return f
}
