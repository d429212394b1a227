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
// Package ids implements distributed identifiers built from a writer id and a local counter.
//
// A DistributedID is serialized as one 64-bit integer: the high 24 bits hold the
// writer id and the low 40 bits hold the local counter. The external text form
// is the lower-case hex representation of that integer with a "0x" prefix.
package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// CounterBits is the width of the local counter.
	CounterBits = 40
	// WriterBits is the width of the writer id.
	WriterBits = 64 - CounterBits

	// UnassignedWriterID marks a copy which has not been given a writer id.
	UnassignedWriterID WriterID = 0
	// SnapshotWriterID is reserved for standalone read-only snapshots.
	SnapshotWriterID WriterID = 1
	// MinWriterID is the smallest assignable writer id.
	MinWriterID WriterID = 2
	// MaxWriterID is the largest assignable writer id.
	MaxWriterID WriterID = 1<<WriterBits - 1

	// MaxLocalCounter is the largest representable local counter.
	MaxLocalCounter LocalCounter = 1<<CounterBits - 1
)

var (
	// ErrInvalidWriterID indicates that a writer id is out of range or not held by the copy.
	ErrInvalidWriterID = errors.New("invalid writer id")
	// ErrCounterExhausted indicates that the local counter reached its maximum value.
	ErrCounterExhausted = errors.New("local counter exhausted")
	// ErrInvalidFormat indicates a malformed distributed id text.
	ErrInvalidFormat = errors.New("invalid distributed id format")
)

// WriterID identifies one copy of a logical database.
type WriterID uint32

// LocalCounter is the copy-local part of a distributed id.
type LocalCounter uint64

// Valid reports whether w may be assigned to a copy.
func (w WriterID) Valid() bool {
	return w >= MinWriterID && w <= MaxWriterID
}

func (w WriterID) String() string {
	return fmt.Sprintf("0x%x", uint32(w))
}

// DistributedID is a (writer, counter) pair unique across all copies.
type DistributedID struct {
	Writer  WriterID
	Counter LocalCounter
}

// Uint64 returns the fixed-width integer form.
func (id DistributedID) Uint64() uint64 {
	return uint64(id.Writer)<<CounterBits | uint64(id.Counter&MaxLocalCounter)
}

func (id DistributedID) String() string {
	return "0x" + strconv.FormatUint(id.Uint64(), 16)
}

// IsZero reports whether id is the zero value.
func (id DistributedID) IsZero() bool {
	return id.Writer == 0 && id.Counter == 0
}

// FromUint64 splits the integer form into its writer and counter parts.
func FromUint64(v uint64) DistributedID {
	return DistributedID{
		Writer:  WriterID(v >> CounterBits),
		Counter: LocalCounter(v) & MaxLocalCounter,
	}
}

// ParseDistributedID parses the "0x" prefixed hex form.
func ParseDistributedID(s string) (id DistributedID, err error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		err = errors.Wrapf(ErrInvalidFormat, "missing hex prefix: %q", s)
		return
	}
	var v uint64
	if v, err = strconv.ParseUint(s[2:], 16, 64); err != nil {
		err = errors.Wrapf(ErrInvalidFormat, "parse %q: %v", s, err)
		return
	}
	id = FromUint64(v)
	return
}
