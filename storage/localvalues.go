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
package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
)

// ErrInvalidHandle indicates a handle not issued by the LocalValues instance.
var ErrInvalidHandle = errors.New("invalid local value handle")

// Handle is an integer shortcut for a registered (namespace, key) pair.
type Handle int

type localKey struct {
	namespace string
	key       string
}

// KV represents a local key-value pair.
type KV struct {
	Key   string
	Value []byte
}

// LocalValues is the per-copy key/value store kept in the be_local table.
type LocalValues struct {
	sync.RWMutex
	keys    []localKey
	handles map[localKey]Handle
}

// NewLocalValues returns an empty handle registry over be_local.
func NewLocalValues() *LocalValues {
	return &LocalValues{handles: make(map[localKey]Handle)}
}

// Register returns a handle for the given key, registering it on first use.
func (lv *LocalValues) Register(namespace, key string) Handle {
	k := localKey{namespace: namespace, key: key}
	lv.Lock()
	defer lv.Unlock()
	if h, ok := lv.handles[k]; ok {
		return h
	}
	h := Handle(len(lv.keys))
	lv.keys = append(lv.keys, k)
	lv.handles[k] = h
	return h
}

func (lv *LocalValues) resolve(h Handle) (k localKey, err error) {
	lv.RLock()
	defer lv.RUnlock()
	if h < 0 || int(h) >= len(lv.keys) {
		err = errors.Wrapf(ErrInvalidHandle, "handle %d", h)
		return
	}
	k = lv.keys[h]
	return
}

// Get fetches the value of key, ok is false if it does not exist.
func (lv *LocalValues) Get(ctx context.Context, q Querier, namespace, key string) (
	value []byte, ok bool, err error,
) {
	err = q.QueryRowContext(ctx,
		"SELECT `value` FROM `"+LocalTable+"` WHERE `namespace`=? AND `key`=?",
		namespace, key,
	).Scan(&value)
	switch err {
	case nil:
		ok = true
	case sql.ErrNoRows:
		err = nil
	default:
		err = errors.Wrapf(err, "get local value %s/%s", namespace, key)
	}
	return
}

// Set sets or replaces the value of key.
func (lv *LocalValues) Set(ctx context.Context, q Querier, namespace, key string, value []byte) (err error) {
	if value == nil {
		value = []byte{}
	}
	if _, err = q.ExecContext(ctx,
		"INSERT OR REPLACE INTO `"+LocalTable+"` (`namespace`, `key`, `value`) VALUES (?, ?, ?)",
		namespace, key, value,
	); err != nil {
		err = errors.Wrapf(err, "set local value %s/%s", namespace, key)
	}
	return
}

// Delete deletes the value of key.
func (lv *LocalValues) Delete(ctx context.Context, q Querier, namespace, key string) (err error) {
	if _, err = q.ExecContext(ctx,
		"DELETE FROM `"+LocalTable+"` WHERE `namespace`=? AND `key`=?", namespace, key,
	); err != nil {
		err = errors.Wrapf(err, "delete local value %s/%s", namespace, key)
	}
	return
}

// GetByHandle fetches the value of a registered key.
func (lv *LocalValues) GetByHandle(ctx context.Context, q Querier, h Handle) (value []byte, ok bool, err error) {
	var k localKey
	if k, err = lv.resolve(h); err != nil {
		return
	}
	return lv.Get(ctx, q, k.namespace, k.key)
}

// SetByHandle sets the value of a registered key.
func (lv *LocalValues) SetByHandle(ctx context.Context, q Querier, h Handle, value []byte) (err error) {
	var k localKey
	if k, err = lv.resolve(h); err != nil {
		return
	}
	return lv.Set(ctx, q, k.namespace, k.key, value)
}

// List returns all values of a namespace ordered by key.
func (lv *LocalValues) List(ctx context.Context, q Querier, namespace string) (kvs []KV, err error) {
	var rows *sql.Rows
	if rows, err = q.QueryContext(ctx,
		"SELECT `key`, `value` FROM `"+LocalTable+"` WHERE `namespace`=? ORDER BY `key`",
		namespace,
	); err != nil {
		err = errors.Wrapf(err, "list local values %s", namespace)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var kv KV
		if err = rows.Scan(&kv.Key, &kv.Value); err != nil {
			return
		}
		kvs = append(kvs, kv)
	}
	err = rows.Err()
	return
}

// Clear wipes every local value of the copy. Registered handles stay valid.
func (lv *LocalValues) Clear(ctx context.Context, q Querier) (err error) {
	if _, err = q.ExecContext(ctx, "DELETE FROM `"+LocalTable+"`"); err != nil {
		err = errors.Wrap(err, "clear local values")
	}
	return
}
