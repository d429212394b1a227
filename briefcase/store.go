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

package briefcase

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/storage"
	"github.com/CovenantSQL/briefcase/utils/log"
)

func (c *Copy) lastSeq(ctx context.Context, q storage.Querier) (seq uint64, err error) {
	v, _, err := c.props.GetInt64(ctx, q, storage.ChangeSetNamespace, storage.LastSeqProp)
	return uint64(v), err
}

// storeChangeSet seals set with the next sequence number and stores it inside q.
func (c *Copy) storeChangeSet(ctx context.Context, q storage.Querier, set *cs.ChangeSet) (err error) {
	var last uint64
	if last, err = c.lastSeq(ctx, q); err != nil {
		return
	}
	set.Seq = last + 1
	if err = set.Seal(); err != nil {
		return
	}
	var data []byte
	if data, err = cs.Marshal(set); err != nil {
		return
	}
	if _, err = q.ExecContext(ctx,
		"INSERT INTO `"+storage.ChangeSetTable+"` (`seq`, `writer`, `schema`, `created`, `data`) "+
			"VALUES (?, ?, ?, ?, ?)",
		int64(set.Seq), int64(set.Writer), set.ContainsSchemaChange, set.CreatedAt.UnixNano(), data,
	); err != nil {
		return errors.Wrapf(err, "store change set %d", set.Seq)
	}
	return c.props.SetInt64(ctx, q, storage.ChangeSetNamespace, storage.LastSeqProp, int64(set.Seq))
}

// LastSeq returns the sequence number of the newest change set sealed by this copy, 0 if none.
// Pruning never lowers it.
func (c *Copy) LastSeq(ctx context.Context) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.lastSeq(ctx, c.querier())
}

func scanChangeSets(rows *sql.Rows) (sets []*cs.ChangeSet, err error) {
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err = rows.Scan(&data); err != nil {
			return
		}
		var set *cs.ChangeSet
		if set, err = cs.Unmarshal(data); err != nil {
			return
		}
		sets = append(sets, set)
	}
	err = rows.Err()
	return
}

// ChangeSet returns the stored change set with the given sequence number.
func (c *Copy) ChangeSet(ctx context.Context, seq uint64) (set *cs.ChangeSet, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	rows, err := c.querier().QueryContext(ctx,
		"SELECT `data` FROM `"+storage.ChangeSetTable+"` WHERE `seq`=?", int64(seq))
	if err != nil {
		return
	}
	sets, err := scanChangeSets(rows)
	if err != nil {
		return
	}
	if len(sets) == 0 {
		return nil, errors.Wrapf(ErrChangeSetNotFound, "seq %d", seq)
	}
	return sets[0], nil
}

// ChangeSetsSince returns the stored change sets with a sequence number above seq, in order.
func (c *Copy) ChangeSetsSince(ctx context.Context, seq uint64) (sets []*cs.ChangeSet, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	var rows *sql.Rows
	if rows, err = c.querier().QueryContext(ctx,
		"SELECT `data` FROM `"+storage.ChangeSetTable+"` WHERE `seq`>? ORDER BY `seq`", int64(seq),
	); err != nil {
		return
	}
	return scanChangeSets(rows)
}

// PruneChangeSets deletes the stored change sets up to and including seq, once every other
// copy has incorporated them.
func (c *Copy) PruneChangeSets(ctx context.Context, upTo uint64) (n int64, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if !c.mode.Writable() {
		return 0, ErrReadOnly
	}
	var res sql.Result
	if res, err = c.querier().ExecContext(ctx,
		"DELETE FROM `"+storage.ChangeSetTable+"` WHERE `seq`<=?", int64(upTo),
	); err != nil {
		return
	}
	if n, err = res.RowsAffected(); err != nil {
		return
	}
	log.WithFields(log.Fields{"path": c.path, "up_to": upTo, "pruned": n}).Info("pruned change sets")
	return
}

// ExportChangeSets writes the change sets after seq as compressed files into dir and returns
// their paths.
func (c *Copy) ExportChangeSets(ctx context.Context, dir string, since uint64) (paths []string, err error) {
	sets, err := c.ChangeSetsSince(ctx, since)
	if err != nil {
		return
	}
	for _, set := range sets {
		var path string
		if path, err = cs.WriteFile(dir, set); err != nil {
			return
		}
		paths = append(paths, path)
	}
	log.WithFields(log.Fields{"path": c.path, "dir": dir, "since": since, "count": len(paths)}).Debug(
		"exported change sets")
	return
}
