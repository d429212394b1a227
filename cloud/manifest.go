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
	"encoding/hex"
	"sort"

	"github.com/minio/blake2b-simd"
	"github.com/mohae/deepcopy"
)

// DefaultBlockSize is the block size of newly imported databases.
const DefaultBlockSize = 64 * 1024

// DatabaseEntry lists the blocks of one database. Blocks are named by their content hash,
// so unchanged blocks are shared between generations and between databases.
type DatabaseEntry struct {
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	BlockSize int      `json:"block_size"`
	Blocks    []string `json:"blocks"`
}

// Manifest is the authoritative listing of a container. Every successful write increments
// the generation.
type Manifest struct {
	Container  string                    `json:"container"`
	Generation uint64                    `json:"generation"`
	Databases  map[string]*DatabaseEntry `json:"databases"`
}

// NewManifest returns the empty manifest of a container.
func NewManifest(container string) *Manifest {
	return &Manifest{Container: container, Databases: make(map[string]*DatabaseEntry)}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := deepcopy.Copy(m).(*Manifest)
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseEntry)
	}
	return c
}

// Names returns the database names in order.
func (m *Manifest) Names() (names []string) {
	for n := range m.Databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return
}

// BlockSet returns every block name referenced by the manifest.
func (m *Manifest) BlockSet() map[string]bool {
	set := make(map[string]bool)
	for _, db := range m.Databases {
		for _, b := range db.Blocks {
			set[b] = true
		}
	}
	return set
}

// BlockName returns the content address of a block.
func BlockName(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// splitBlocks cuts a database image into blocks.
func splitBlocks(data []byte, blockSize int) (blocks [][]byte) {
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[off:end])
	}
	return
}
