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
	uuid "github.com/satori/go.uuid"

	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/utils/log"
)

// Schema returns the structural description of the user tables.
func (c *Copy) Schema(ctx context.Context) (s *schema.Schema, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.schema == nil {
		if c.schema, err = schema.Load(ctx, c.querier()); err != nil {
			return
		}
	}
	return c.schema, nil
}

// SchemaPatchFor returns the patch which makes the schema of this copy equal to the schema of
// other. An unsupported difference is reported as a *schema.UnsupportedDiffError along with
// the supported part of the patch.
func (c *Copy) SchemaPatchFor(ctx context.Context, other *Copy) (patch schema.Patch, err error) {
	var lhs, rhs *schema.Schema
	if lhs, err = other.Schema(ctx); err != nil {
		return
	}
	if rhs, err = c.Schema(ctx); err != nil {
		return
	}
	return schema.Diff(lhs, rhs)
}

// ApplySchemaPatch executes a patch in one transaction. A marker persisted beforehand is
// cleared by the same transaction; a copy reopened with the marker still present is halted
// until AcknowledgeInterruptedPatch is called. Schema patches are not recorded as change sets.
func (c *Copy) ApplySchemaPatch(ctx context.Context, patch schema.Patch) (err error) {
	c.Lock()
	defer c.Unlock()
	if err = c.checkWritable(); err != nil {
		return
	}
	if err = c.checkNotHalted(); err != nil {
		return
	}
	if len(patch) == 0 {
		return
	}
	defer c.invalidateSchema()

	id := uuid.Must(uuid.NewV4()).String()
	if err = c.update(ctx, func(tx *sql.Tx) error {
		return c.props.SetString(ctx, tx, schemaNamespace, patchPendingProp, id)
	}); err != nil {
		return errors.Wrap(err, "persist patch marker")
	}
	if err = c.update(ctx, func(tx *sql.Tx) (err error) {
		if err = schema.Apply(ctx, tx, patch); err != nil {
			return
		}
		return c.props.Delete(ctx, tx, schemaNamespace, patchPendingProp)
	}); err != nil {
		// the patch transaction rolled back as a whole
		if cerr := c.update(ctx, func(tx *sql.Tx) error {
			return c.props.Delete(ctx, tx, schemaNamespace, patchPendingProp)
		}); cerr != nil {
			c.patchPending = id
			log.WithFields(log.Fields{"path": c.path, "patch": id}).WithError(cerr).Error(
				"clear patch marker failed, copy is halted")
		}
		return
	}
	log.WithFields(log.Fields{"path": c.path, "patch": id, "statements": len(patch)}).Info(
		"applied schema patch")
	return
}

// AcknowledgeInterruptedPatch clears the halt caused by an interrupted schema patch. The
// operator is expected to have checked the schema before calling it.
func (c *Copy) AcknowledgeInterruptedPatch(ctx context.Context) (err error) {
	c.Lock()
	defer c.Unlock()
	if err = c.checkWritable(); err != nil {
		return
	}
	if c.patchPending == "" {
		return
	}
	if err = c.update(ctx, func(tx *sql.Tx) error {
		return c.props.Delete(ctx, tx, schemaNamespace, patchPendingProp)
	}); err != nil {
		return
	}
	log.WithFields(log.Fields{"path": c.path, "patch": c.patchPending}).Warning(
		"interrupted schema patch acknowledged")
	c.patchPending = ""
	c.invalidateSchema()
	return
}
