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
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// blockKeyPrefix prefixes block content keys.
	blockKeyPrefix = []byte{'B', 'K'}
	// dirtyKeyPrefix prefixes the markers of blocks pending upload.
	dirtyKeyPrefix = []byte{'D', 'K'}
	// workKeyPrefix prefixes the records of working files.
	workKeyPrefix = []byte{'W', 'F'}
)

// blockStore keeps cached and staged blocks in leveldb. Staged blocks carry a dirty marker
// so that they survive a restart until they are uploaded or reverted.
type blockStore struct {
	db     *leveldb.DB
	closed uint32
}

// openBlockStore opens the store in dir, or in memory when dir is empty.
func openBlockStore(dir string) (p *blockStore, err error) {
	p = &blockStore{}
	if dir == "" {
		p.db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		p.db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open block store failed")
	}
	return
}

func blockKey(key string) []byte {
	return append(append([]byte(nil), blockKeyPrefix...), key...)
}

func dirtyKey(key string) []byte {
	return append(append([]byte(nil), dirtyKeyPrefix...), key...)
}

func (p *blockStore) check() error {
	if atomic.LoadUint32(&p.closed) == 1 {
		return newResult(NotConnected, "block store is closed")
	}
	return nil
}

func (p *blockStore) get(key string) (data []byte, ok bool, err error) {
	if err = p.check(); err != nil {
		return
	}
	if data, err = p.db.Get(blockKey(key), nil); err == leveldb.ErrNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, wrapResult(err, IOError, "read block %s", key)
	}
	return data, true, nil
}

func (p *blockStore) has(key string) bool {
	if p.check() != nil {
		return false
	}
	ok, err := p.db.Has(blockKey(key), nil)
	return err == nil && ok
}

// put writes a block, staged blocks are marked dirty in the same batch.
func (p *blockStore) put(key string, data []byte, dirty bool) (err error) {
	if err = p.check(); err != nil {
		return
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(key), data)
	if dirty {
		batch.Put(dirtyKey(key), nil)
	}
	if err = p.db.Write(batch, nil); err != nil {
		err = wrapResult(err, IOError, "write block %s", key)
	}
	return
}

func (p *blockStore) markClean(key string) (err error) {
	if err = p.check(); err != nil {
		return
	}
	if err = p.db.Delete(dirtyKey(key), nil); err != nil {
		err = wrapResult(err, IOError, "mark block %s clean", key)
	}
	return
}

func (p *blockStore) delete(key string) (err error) {
	if err = p.check(); err != nil {
		return
	}
	batch := new(leveldb.Batch)
	batch.Delete(blockKey(key))
	batch.Delete(dirtyKey(key))
	if err = p.db.Write(batch, nil); err != nil {
		err = wrapResult(err, IOError, "delete block %s", key)
	}
	return
}

// scan lists the keys of stored blocks and of dirty markers.
func (p *blockStore) scan() (clean, dirty []string, err error) {
	if err = p.check(); err != nil {
		return
	}
	marked := make(map[string]bool)
	it := p.db.NewIterator(util.BytesPrefix(dirtyKeyPrefix), nil)
	for it.Next() {
		key := string(it.Key()[len(dirtyKeyPrefix):])
		marked[key] = true
		dirty = append(dirty, key)
	}
	it.Release()
	if err = it.Error(); err != nil {
		return nil, nil, wrapResult(err, IOError, "scan dirty blocks")
	}
	it = p.db.NewIterator(util.BytesPrefix(blockKeyPrefix), nil)
	for it.Next() {
		if key := string(it.Key()[len(blockKeyPrefix):]); !marked[key] {
			clean = append(clean, key)
		}
	}
	it.Release()
	if err = it.Error(); err != nil {
		return nil, nil, wrapResult(err, IOError, "scan blocks")
	}
	return
}

func workKey(key string) []byte {
	return append(append([]byte(nil), workKeyPrefix...), key...)
}

func (p *blockStore) putWork(key string, data []byte) (err error) {
	if err = p.check(); err != nil {
		return
	}
	if err = p.db.Put(workKey(key), data, nil); err != nil {
		err = wrapResult(err, IOError, "write working file record %s", key)
	}
	return
}

func (p *blockStore) deleteWork(key string) (err error) {
	if err = p.check(); err != nil {
		return
	}
	if err = p.db.Delete(workKey(key), nil); err != nil {
		err = wrapResult(err, IOError, "delete working file record %s", key)
	}
	return
}

// scanWork returns the working file records under a key prefix.
func (p *blockStore) scanWork(prefix string) (records map[string][]byte, err error) {
	if err = p.check(); err != nil {
		return
	}
	records = make(map[string][]byte)
	it := p.db.NewIterator(util.BytesPrefix(workKey(prefix)), nil)
	for it.Next() {
		key := string(it.Key()[len(workKeyPrefix):])
		records[key] = append([]byte(nil), it.Value()...)
	}
	it.Release()
	if err = it.Error(); err != nil {
		return nil, wrapResult(err, IOError, "scan working file records")
	}
	return
}

func (p *blockStore) close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	return p.db.Close()
}
