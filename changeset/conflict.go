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

package changeset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CovenantSQL/briefcase/ids"
)

// ConflictKind classifies why an entry could not be applied.
type ConflictKind uint8

const (
	// RowMissing means the entry expected a row which does not exist.
	RowMissing ConflictKind = iota + 1
	// RowExists means an insert found a row with the same key and different content.
	RowExists
	// RowChanged means the row exists but differs from the before image.
	RowChanged
	// ConstraintViolation means applying the entry violated a constraint of the target,
	// typically a foreign key whose parent row was itself left unapplied.
	ConstraintViolation
)

func (k ConflictKind) String() string {
	switch k {
	case RowMissing:
		return "RowMissing"
	case RowExists:
		return "RowExists"
	case RowChanged:
		return "RowChanged"
	case ConstraintViolation:
		return "ConstraintViolation"
	default:
		return "Unknown"
	}
}

// ConflictRecord reports one entry left unapplied by a merge.
type ConflictRecord struct {
	Seq      uint64
	Writer   ids.WriterID
	Table    string
	Key      Values
	Op       Op
	Kind     ConflictKind
	Expected map[string]Value
	Actual   map[string]Value
	Reason   string
}

// Columns returns the names of the columns whose expected and actual values differ.
func (c *ConflictRecord) Columns() (cols []string) {
	for name, exp := range c.Expected {
		if act, ok := c.Actual[name]; !ok || !act.Equal(exp) {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return
}

func (c *ConflictRecord) String() string {
	msg := fmt.Sprintf("%s on %s %s%s (changeset %d of writer %s)",
		c.Kind, c.Op, c.Table, c.Key, c.Seq, c.Writer)
	if cols := c.Columns(); c.Kind == RowChanged && len(cols) > 0 {
		msg += ": columns " + strings.Join(cols, ", ")
	}
	if c.Reason != "" {
		msg += ": " + c.Reason
	}
	return msg
}
