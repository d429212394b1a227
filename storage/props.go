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
	"strconv"

	"github.com/pkg/errors"
)

// Property namespaces and names used by the engine.
const (
	IDNamespace        = "ids"
	WriterIDProp       = "writer"
	LocalCounterProp   = "counter"
	ChangeSetNamespace = "changeset"
	LastSeqProp        = "last_seq"
	CopyNamespace      = "copy"
	CopyGUIDProp       = "guid"
)

// Props accesses the be_prop table.
type Props struct{}

// GetString fetches a property, ok is false if it does not exist.
func (Props) GetString(ctx context.Context, q Querier, namespace, name string) (
	value string, ok bool, err error,
) {
	var v sql.NullString
	err = q.QueryRowContext(ctx,
		"SELECT `value` FROM `"+PropTable+"` WHERE `namespace`=? AND `name`=?",
		namespace, name,
	).Scan(&v)
	switch err {
	case nil:
		value, ok = v.String, v.Valid
	case sql.ErrNoRows:
		err = nil
	default:
		err = errors.Wrapf(err, "get property %s.%s", namespace, name)
	}
	return
}

// SetString sets or replaces a property.
func (Props) SetString(ctx context.Context, q Querier, namespace, name, value string) (err error) {
	if _, err = q.ExecContext(ctx,
		"INSERT OR REPLACE INTO `"+PropTable+"` (`namespace`, `name`, `value`) VALUES (?, ?, ?)",
		namespace, name, value,
	); err != nil {
		err = errors.Wrapf(err, "set property %s.%s", namespace, name)
	}
	return
}

// GetInt64 fetches an integer property.
func (p Props) GetInt64(ctx context.Context, q Querier, namespace, name string) (
	value int64, ok bool, err error,
) {
	var s string
	if s, ok, err = p.GetString(ctx, q, namespace, name); err != nil || !ok {
		return
	}
	if value, err = strconv.ParseInt(s, 10, 64); err != nil {
		err = errors.Wrapf(err, "property %s.%s is not an integer", namespace, name)
	}
	return
}

// SetInt64 sets an integer property.
func (p Props) SetInt64(ctx context.Context, q Querier, namespace, name string, value int64) error {
	return p.SetString(ctx, q, namespace, name, strconv.FormatInt(value, 10))
}

// Delete removes a property.
func (Props) Delete(ctx context.Context, q Querier, namespace, name string) (err error) {
	if _, err = q.ExecContext(ctx,
		"DELETE FROM `"+PropTable+"` WHERE `namespace`=? AND `name`=?", namespace, name,
	); err != nil {
		err = errors.Wrapf(err, "delete property %s.%s", namespace, name)
	}
	return
}
