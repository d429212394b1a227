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
	"fmt"
	"strings"

	"github.com/pkg/errors"

	cs "github.com/CovenantSQL/briefcase/changeset"
	"github.com/CovenantSQL/briefcase/schema"
	"github.com/CovenantSQL/briefcase/storage"
)

// Row maps column names to values for the structured write API.
type Row map[string]interface{}

// Image maps column names to canonical values.
type Image map[string]cs.Value

// SingleRow is the result of QueryRow. Errors raised before the query could run are
// reported by Scan.
type SingleRow struct {
	row *sql.Row
	err error
}

// Scan copies the columns of the row into dest.
func (r *SingleRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err returns the error of the query without scanning it.
func (r *SingleRow) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// tableSchema returns the cached descriptor of a user table.
func (c *Copy) tableSchema(ctx context.Context, q storage.Querier, table string) (t *schema.TableDescriptor, err error) {
	if c.schema == nil {
		if c.schema, err = schema.Load(ctx, q); err != nil {
			return
		}
	}
	var ok bool
	if t, ok = c.schema.Table(table); !ok {
		return nil, errors.Wrapf(ErrNoSuchTable, "table %s", table)
	}
	return
}

func (c *Copy) invalidateSchema() { c.schema = nil }

func quote(name string) string { return schema.QuoteIdent(name) }

func selectList(t *schema.TableDescriptor) string {
	cols := t.DataColumns()
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		q := quote(col.Name)
		// text is fetched as bytes so declared column types never alter the scanned value
		parts = append(parts, fmt.Sprintf(
			"typeof(%s), CASE typeof(%s) WHEN 'text' THEN CAST(%s AS BLOB) ELSE %s END", q, q, q, q))
	}
	return strings.Join(parts, ", ")
}

func keyClause(pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = quote(col) + " IS ?"
	}
	return strings.Join(parts, " AND ")
}

func readImage(ctx context.Context, q storage.Querier, t *schema.TableDescriptor, where string,
	args ...interface{}) (img Image, found bool, err error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", selectList(t), quote(t.Name), where)
	var (
		cols = t.DataColumns()
		n    = len(cols)
		vals = make([]interface{}, 2*n)
		ptrs = make([]interface{}, 2*n)
	)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err = q.QueryRowContext(ctx, query, args...).Scan(ptrs...); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "read row of %s", t.Name)
	}
	img = make(Image, n)
	for i, col := range cols {
		typ, _ := vals[2*i].(string)
		if b, ok := vals[2*i].([]byte); ok {
			typ = string(b)
		}
		var v cs.Value
		if v, err = cs.ValueOf(vals[2*i+1], typ); err != nil {
			return nil, false, errors.Wrapf(err, "column %s.%s", t.Name, col.Name)
		}
		img[col.Name] = v
	}
	return img, true, nil
}

// readRow reads a row by primary key.
func readRow(ctx context.Context, q storage.Querier, t *schema.TableDescriptor, key cs.Values) (
	Image, bool, error) {
	return readImage(ctx, q, t, keyClause(t.PrimaryKey()), key.Args()...)
}

func keyOf(t *schema.TableDescriptor, img Image) (key cs.Values) {
	for _, col := range t.PrimaryKey() {
		key = append(key, img[col])
	}
	return
}

func toValues(vals []interface{}) (key cs.Values, err error) {
	key = make(cs.Values, len(vals))
	for i, v := range vals {
		if key[i], err = cs.ValueOf(v, ""); err != nil {
			return
		}
	}
	return
}

// checkColumns validates that every name is a column of t, case insensitively, and returns
// the canonical column names.
func checkColumns(t *schema.TableDescriptor, names []string) (canon []string, err error) {
	canon = make([]string, len(names))
	for i, n := range names {
		col, ok := t.Column(n)
		if !ok || col.Generated {
			return nil, errors.Wrapf(ErrNoSuchColumn, "column %s.%s", t.Name, n)
		}
		canon[i] = col.Name
	}
	return
}

func isPrimaryKey(t *schema.TableDescriptor, col string) bool {
	for _, pk := range t.PrimaryKey() {
		if strings.EqualFold(pk, col) {
			return true
		}
	}
	return false
}

// isRowidAlias reports whether the table has a single INTEGER PRIMARY KEY column.
func isRowidAlias(t *schema.TableDescriptor) bool {
	pk := t.PrimaryKey()
	if len(pk) != 1 {
		return false
	}
	col, _ := t.Column(pk[0])
	return strings.EqualFold(col.Type, "INTEGER") &&
		!strings.Contains(strings.ToUpper(t.SQL), "WITHOUT ROWID")
}

func insertStmt(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i], marks[i] = quote(col), "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

func updateStmt(t *schema.TableDescriptor, cols []string) string {
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = quote(col) + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quote(t.Name), strings.Join(sets, ", "), keyClause(t.PrimaryKey()))
}

func deleteStmt(t *schema.TableDescriptor) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quote(t.Name), keyClause(t.PrimaryKey()))
}
