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

// Package changeset defines the change set wire format shared by recorders and mergers.
//
// A ChangeSet is the replayable capture of one committed transaction. Each Entry names a
// table, the primary key of the touched row, the operation and the column images. Inserts
// carry new values for every column, deletes carry old values for every column, updates
// carry the full old row plus new values for the changed columns only.
package changeset

import (
	"bytes"
	"fmt"
	"time"

	"github.com/minio/blake2b-simd"
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/utils"
)

var (
	// ErrNotSealed indicates a change set without a digest.
	ErrNotSealed = errors.New("change set is not sealed")
	// ErrDigestMismatch indicates a change set whose content does not match its digest.
	ErrDigestMismatch = errors.New("change set digest mismatch")
)

// Op is a row operation.
type Op uint8

const (
	// Insert adds a row.
	Insert Op = iota + 1
	// Update changes columns of an existing row.
	Update
	// Delete removes a row.
	Delete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// ColumnChange is the old and new image of one column.
type ColumnChange struct {
	Name   string `codec:"n"`
	Old    Value  `codec:"o"`
	New    Value  `codec:"v"`
	HasOld bool   `codec:"ho"`
	HasNew bool   `codec:"hn"`
}

// Entry is one row mutation.
type Entry struct {
	Table      string         `codec:"tbl"`
	PrimaryKey []string       `codec:"pk"`
	Key        Values         `codec:"key"`
	Op         Op             `codec:"op"`
	Columns    []ColumnChange `codec:"cols"`
}

// Before returns the before image, nil for inserts.
func (e *Entry) Before() map[string]Value {
	if e.Op == Insert {
		return nil
	}
	img := make(map[string]Value, len(e.Columns))
	for _, c := range e.Columns {
		if c.HasOld {
			img[c.Name] = c.Old
		}
	}
	return img
}

// After returns the after image, nil for deletes.
func (e *Entry) After() map[string]Value {
	if e.Op == Delete {
		return nil
	}
	img := make(map[string]Value, len(e.Columns))
	for _, c := range e.Columns {
		if c.HasNew {
			img[c.Name] = c.New
		} else if c.HasOld {
			img[c.Name] = c.Old
		}
	}
	return img
}

// Changed returns the columns with a new value.
func (e *Entry) Changed() (cols []ColumnChange) {
	for _, c := range e.Columns {
		if c.HasNew {
			cols = append(cols, c)
		}
	}
	return
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %s%s", e.Op, e.Table, e.Key)
}

// ChangeSet is the sealed capture of one committed transaction.
type ChangeSet struct {
	Seq                  uint64          `codec:"seq"`
	Writer               ids.WriterID    `codec:"writer"`
	ContainsSchemaChange bool            `codec:"schema"`
	DDL                  []string        `codec:"ddl"`
	PostSchema           []schema.Object `codec:"post"`
	Entries              []Entry         `codec:"entries"`
	Description          string          `codec:"desc"`
	Author               string          `codec:"author"`
	CreatedAt            time.Time       `codec:"created"`
	Digest               []byte          `codec:"digest"`
}

// Meta is the free-form metadata attached at commit time.
type Meta struct {
	Description string
	Author      string
}

func (cs *ChangeSet) body() (buf []byte, err error) {
	shadow := *cs
	shadow.Digest = nil
	var b *bytes.Buffer
	if b, err = utils.EncodeMsgPack(&shadow); err != nil {
		return
	}
	buf = b.Bytes()
	return
}

// Seal computes the digest. A sealed change set must not be modified.
func (cs *ChangeSet) Seal() (err error) {
	cs.CreatedAt = cs.CreatedAt.UTC().Round(0)
	var buf []byte
	if buf, err = cs.body(); err != nil {
		return errors.Wrap(err, "encode change set body")
	}
	sum := blake2b.Sum256(buf)
	cs.Digest = sum[:]
	return
}

// Sealed reports whether the change set carries a digest.
func (cs *ChangeSet) Sealed() bool { return len(cs.Digest) > 0 }

// Verify checks the digest against the content.
func (cs *ChangeSet) Verify() (err error) {
	if !cs.Sealed() {
		return errors.Wrapf(ErrNotSealed, "change set %d of writer %s", cs.Seq, cs.Writer)
	}
	var buf []byte
	if buf, err = cs.body(); err != nil {
		return errors.Wrap(err, "encode change set body")
	}
	if sum := blake2b.Sum256(buf); !bytes.Equal(sum[:], cs.Digest) {
		return errors.Wrapf(ErrDigestMismatch, "change set %d of writer %s", cs.Seq, cs.Writer)
	}
	return
}

// Clone returns a deep copy.
func (cs *ChangeSet) Clone() *ChangeSet {
	return deepcopy.Copy(cs).(*ChangeSet)
}

// Tables returns the names of the tables touched by the entries, in first-touch order.
func (cs *ChangeSet) Tables() (tables []string) {
	seen := make(map[string]bool)
	for _, e := range cs.Entries {
		if !seen[e.Table] {
			seen[e.Table] = true
			tables = append(tables, e.Table)
		}
	}
	return
}

func (cs *ChangeSet) String() string {
	return fmt.Sprintf("changeset %d of writer %s: %d entries, %d ddl",
		cs.Seq, cs.Writer, len(cs.Entries), len(cs.DDL))
}

// Encode serializes a change set.
func Encode(cs *ChangeSet) (buf []byte, err error) {
	var b *bytes.Buffer
	if b, err = utils.EncodeMsgPack(cs); err != nil {
		err = errors.Wrap(err, "encode change set")
		return
	}
	buf = b.Bytes()
	return
}

// Decode deserializes a change set.
func Decode(buf []byte) (cs *ChangeSet, err error) {
	cs = &ChangeSet{}
	if err = utils.DecodeMsgPack(buf, cs); err != nil {
		return nil, errors.Wrap(err, "decode change set")
	}
	return
}

// BySeq sorts change sets by writer then sequence number.
type BySeq []*ChangeSet

func (s BySeq) Len() int      { return len(s) }
func (s BySeq) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s BySeq) Less(i, j int) bool {
	if s[i].Writer != s[j].Writer {
		return s[i].Writer < s[j].Writer
	}
	return s[i].Seq < s[j].Seq
}
