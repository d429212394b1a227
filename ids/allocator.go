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
package ids

import "github.com/pkg/errors"

// Allocator hands out distributed ids for the writer it holds. It has no persistence of
// its own: the owner stores Writer and Counter and restores them on open.
type Allocator struct {
	Writer  WriterID
	Counter LocalCounter
}

// NewAllocator returns an allocator resuming after the given counter.
func NewAllocator(w WriterID, last LocalCounter) *Allocator {
	return &Allocator{Writer: w, Counter: last}
}

// Peek returns the id the next successful Next call would return.
func (a *Allocator) Peek(w WriterID) (id DistributedID, err error) {
	if err = a.check(w); err != nil {
		return
	}
	if a.Counter >= MaxLocalCounter {
		err = errors.Wrapf(ErrCounterExhausted, "writer %s", w)
		return
	}
	id = DistributedID{Writer: w, Counter: a.Counter + 1}
	return
}

// Next advances the counter and returns the new id.
func (a *Allocator) Next(w WriterID) (id DistributedID, err error) {
	if id, err = a.Peek(w); err != nil {
		return
	}
	a.Counter = id.Counter
	return
}

// Reset switches to a new writer id with a fresh counter.
func (a *Allocator) Reset(w WriterID) error {
	if !w.Valid() {
		return errors.Wrapf(ErrInvalidWriterID, "writer %s out of range", w)
	}
	a.Writer, a.Counter = w, 0
	return nil
}

func (a *Allocator) check(w WriterID) error {
	if !w.Valid() {
		return errors.Wrapf(ErrInvalidWriterID, "writer %s out of range", w)
	}
	if w != a.Writer {
		return errors.Wrapf(ErrInvalidWriterID, "writer %s is not held, current is %s", w, a.Writer)
	}
	return nil
}
