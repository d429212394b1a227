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

package utils

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type msgpackNestedStruct struct {
	C int64
}

type msgpackTestStruct struct {
	A string
	B msgpackNestedStruct
	M map[string]int64
}

func TestMsgPack_EncodeDecode(t *testing.T) {
	Convey("primitive value encode decode test", t, func() {
		i := uint64(1)
		buf, err := EncodeMsgPack(i)
		So(err, ShouldBeNil)
		var value uint64
		err = DecodeMsgPack(buf.Bytes(), &value)
		So(err, ShouldBeNil)
		So(value, ShouldEqual, i)
	})

	Convey("complex structure encode decode test", t, func() {
		preValue := &msgpackTestStruct{
			A: "happy",
			B: msgpackNestedStruct{C: 1},
			M: map[string]int64{"x": 1, "y": 2},
		}
		buf, err := EncodeMsgPack(preValue)
		So(err, ShouldBeNil)
		var postValue msgpackTestStruct
		err = DecodeMsgPack(buf.Bytes(), &postValue)
		So(err, ShouldBeNil)
		So(*preValue, ShouldResemble, postValue)
	})

	Convey("maps should encode canonically", t, func() {
		var (
			a = map[string]int64{}
			b = map[string]int64{}
		)
		for i, k := range []string{"d", "a", "c", "b", "e"} {
			a[k] = int64(i)
		}
		for i, k := range []string{"b", "e", "a", "d", "c"} {
			b[k] = map[string]int64{"d": 0, "a": 1, "c": 2, "b": 3, "e": 4}[k]
			_ = i
		}
		ea, err := EncodeMsgPack(a)
		So(err, ShouldBeNil)
		eb, err := EncodeMsgPack(b)
		So(err, ShouldBeNil)
		So(ea.Bytes(), ShouldResemble, eb.Bytes())
	})
}
