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
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/utils"
)

// FileExt is the extension of standalone change set files.
const FileExt = ".bcs"

var (
	fileMagic = []byte("BCCS\x00\x01")

	// ErrBadFile indicates a file which is not a change set file.
	ErrBadFile = errors.New("not a change set file")
)

// FileName returns the canonical file name of a change set.
func FileName(cs *ChangeSet) string {
	return fmt.Sprintf("%s-%016d%s", cs.Writer, cs.Seq, FileExt)
}

// Marshal encodes a sealed change set into the standalone file format: a magic header
// followed by the snappy compressed msgpack body.
func Marshal(cs *ChangeSet) (data []byte, err error) {
	if !cs.Sealed() {
		return nil, errors.Wrapf(ErrNotSealed, "marshal %s", cs)
	}
	var body []byte
	if body, err = Encode(cs); err != nil {
		return
	}
	data = append(append([]byte{}, fileMagic...), snappy.Encode(nil, body)...)
	return
}

// Unmarshal decodes and verifies the standalone file format.
func Unmarshal(data []byte) (cs *ChangeSet, err error) {
	if !bytes.HasPrefix(data, fileMagic) {
		return nil, ErrBadFile
	}
	var body []byte
	if body, err = snappy.Decode(nil, data[len(fileMagic):]); err != nil {
		return nil, errors.Wrap(err, "decompress change set")
	}
	if cs, err = Decode(body); err != nil {
		return
	}
	if err = cs.Verify(); err != nil {
		return nil, err
	}
	return
}

// WriteFile writes a sealed change set into dir and returns the file path.
func WriteFile(dir string, cs *ChangeSet) (path string, err error) {
	var data []byte
	if data, err = Marshal(cs); err != nil {
		return
	}
	path = filepath.Join(dir, FileName(cs))
	if err = utils.WriteFileAtomic(path, data, 0644); err != nil {
		path = ""
	}
	return
}

// ReadFile reads and verifies a change set file.
func ReadFile(path string) (cs *ChangeSet, err error) {
	var data []byte
	if data, err = ioutil.ReadFile(path); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if cs, err = Unmarshal(data); err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return
}

// ReadDir reads every change set file of dir.
func ReadDir(dir string) (sets []*ChangeSet, err error) {
	var files []string
	if files, err = filepath.Glob(filepath.Join(dir, "*"+FileExt)); err != nil {
		return
	}
	for _, f := range files {
		var cs *ChangeSet
		if cs, err = ReadFile(f); err != nil {
			return nil, err
		}
		sets = append(sets, cs)
	}
	return
}
