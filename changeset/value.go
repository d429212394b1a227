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
	"bytes"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupportedValue indicates a value which has no storage class.
var ErrUnsupportedValue = errors.New("unsupported value type")

// Kind is the storage class of a value.
type Kind uint8

const (
	// Null is the NULL storage class.
	Null Kind = iota
	// Integer is the INTEGER storage class.
	Integer
	// Real is the REAL storage class.
	Real
	// Text is the TEXT storage class.
	Text
	// Blob is the BLOB storage class.
	Blob
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Integer:
		return "integer"
	case Real:
		return "real"
	case Text:
		return "text"
	case Blob:
		return "blob"
	default:
		return "unknown"
	}
}

// KindOf maps a typeof() result to a Kind.
func KindOf(sqlType string) (k Kind, err error) {
	switch strings.ToLower(sqlType) {
	case "null", "":
		k = Null
	case "integer":
		k = Integer
	case "real":
		k = Real
	case "text":
		k = Text
	case "blob":
		k = Blob
	default:
		err = errors.Wrapf(ErrUnsupportedValue, "storage class %s", sqlType)
	}
	return
}

// Value is one column value tagged with its storage class.
type Value struct {
	Kind  Kind    `codec:"k"`
	Int   int64   `codec:"i,omitempty"`
	Float float64 `codec:"f,omitempty"`
	Text  string  `codec:"t,omitempty"`
	Blob  []byte  `codec:"b,omitempty"`
}

// NullValue returns the NULL value.
func NullValue() Value { return Value{} }

// IntValue returns an INTEGER value.
func IntValue(v int64) Value { return Value{Kind: Integer, Int: v} }

// RealValue returns a REAL value.
func RealValue(v float64) Value { return Value{Kind: Real, Float: v} }

// TextValue returns a TEXT value.
func TextValue(v string) Value { return Value{Kind: Text, Text: v} }

// BlobValue returns a BLOB value.
func BlobValue(v []byte) Value { return Value{Kind: Blob, Blob: v} }

// ValueOf converts a scanned column into a Value. sqlType is the typeof() of the column; when
// empty the class is inferred from the Go type.
func ValueOf(v interface{}, sqlType string) (val Value, err error) {
	var kind Kind
	if sqlType != "" {
		if kind, err = KindOf(sqlType); err != nil {
			return
		}
		if kind == Null {
			return NullValue(), nil
		}
	}
	switch x := v.(type) {
	case nil:
		val = NullValue()
	case int64:
		val = IntValue(x)
	case int:
		val = IntValue(int64(x))
	case int32:
		val = IntValue(int64(x))
	case uint32:
		val = IntValue(int64(x))
	case bool:
		if x {
			val = IntValue(1)
		} else {
			val = IntValue(0)
		}
	case float64:
		val = RealValue(x)
	case float32:
		val = RealValue(float64(x))
	case string:
		val = TextValue(x)
	case []byte:
		if kind == Text {
			val = TextValue(string(x))
		} else {
			val = BlobValue(append([]byte{}, x...))
		}
	case time.Time:
		val = TextValue(x.UTC().Format("2006-01-02 15:04:05.999999999-07:00"))
	case Value:
		val = x
	default:
		err = errors.Wrapf(ErrUnsupportedValue, "%T", v)
		return
	}
	if kind != Null && val.Kind != kind {
		val, err = val.convert(kind)
	}
	return
}

func (v Value) convert(kind Kind) (Value, error) {
	switch {
	case kind == Real && v.Kind == Integer:
		return RealValue(float64(v.Int)), nil
	case kind == Integer && v.Kind == Real && v.Float == math.Trunc(v.Float):
		return IntValue(int64(v.Float)), nil
	case kind == Text && v.Kind == Blob:
		return TextValue(string(v.Blob)), nil
	case kind == Blob && v.Kind == Text:
		return BlobValue([]byte(v.Text)), nil
	}
	return v, errors.Wrapf(ErrUnsupportedValue, "cannot convert %s to %s", v.Kind, kind)
}

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.Kind == Null }

// Equal reports whether two values have the same storage class and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Null:
		return true
	case Integer:
		return v.Int == o.Int
	case Real:
		return v.Float == o.Float
	case Text:
		return v.Text == o.Text
	case Blob:
		return bytes.Equal(v.Blob, o.Blob)
	}
	return false
}

// Arg returns the value for binding into a statement.
func (v Value) Arg() interface{} {
	switch v.Kind {
	case Integer:
		return v.Int
	case Real:
		return v.Float
	case Text:
		return v.Text
	case Blob:
		if v.Blob == nil {
			return []byte{}
		}
		return v.Blob
	default:
		return nil
	}
}

// String returns a SQL literal form of the value.
func (v Value) String() string {
	switch v.Kind {
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Real:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case Text:
		return "'" + strings.Replace(v.Text, "'", "''", -1) + "'"
	case Blob:
		return "x'" + hex.EncodeToString(v.Blob) + "'"
	default:
		return "NULL"
	}
}

// Values is an ordered list of values.
type Values []Value

// Equal reports whether both lists hold equal values.
func (vs Values) Equal(o Values) bool {
	if len(vs) != len(o) {
		return false
	}
	for i := range vs {
		if !vs[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Args returns the values for binding.
func (vs Values) Args() []interface{} {
	args := make([]interface{}, len(vs))
	for i, v := range vs {
		args[i] = v.Arg()
	}
	return args
}

func (vs Values) String() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
