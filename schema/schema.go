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
// Package schema introspects briefcase schemas and computes DDL patches between them.
package schema

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/sqlite"
	"github.com/CovenantSQL/briefcase/storage"
)

// Object types as stored in sqlite_master.
const (
	TypeTable   = "table"
	TypeIndex   = "index"
	TypeTrigger = "trigger"
	TypeView    = "view"
)

// Object is one row of sqlite_master.
type Object struct {
	Type  string `codec:"type"`
	Name  string `codec:"name"`
	Table string `codec:"tbl"`
	SQL   string `codec:"sql"`
}

// ColumnDescriptor describes one table column.
type ColumnDescriptor struct {
	Name          string
	Type          string
	NotNull       bool
	HasDefault    bool
	Default       string
	PrimaryKey    int // 1-based position in the primary key, 0 if not part of it
	AutoIncrement bool
	Collation     string
	Unique        bool
	Generated     bool
	// Checks holds the normalized CHECK clauses declared on the column.
	Checks []string
	// Definition is the column definition text as written in the CREATE TABLE statement.
	Definition string
}

// IndexColumn is one key column of an index.
type IndexColumn struct {
	Name string
	Desc bool
}

// IndexDescriptor describes an explicitly created index.
type IndexDescriptor struct {
	Name    string
	Table   string
	Unique  bool
	Columns []IndexColumn
	SQL     string
}

// TriggerDescriptor describes a trigger.
type TriggerDescriptor struct {
	Name  string
	Table string
	SQL   string
}

// ForeignKey describes one column mapping of a foreign key constraint.
type ForeignKey struct {
	ID       int
	Seq      int
	Table    string
	From     string
	To       string
	OnUpdate string
	OnDelete string
}

// ViewDescriptor describes a view.
type ViewDescriptor struct {
	Name string
	SQL  string
}

// TableDescriptor describes a table and the objects attached to it.
type TableDescriptor struct {
	Name        string
	SQL         string
	Columns     []ColumnDescriptor
	Indexes     []IndexDescriptor
	Triggers    []TriggerDescriptor
	ForeignKeys []ForeignKey
	// Constraints holds the normalized CHECK and UNIQUE table constraints.
	Constraints []string
}

// Column returns the named column.
func (t *TableDescriptor) Column(name string) (c *ColumnDescriptor, ok bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return
}

// DataColumns returns the columns holding stored values, leaving out generated ones.
func (t *TableDescriptor) DataColumns() (cols []ColumnDescriptor) {
	for _, c := range t.Columns {
		if !c.Generated {
			cols = append(cols, c)
		}
	}
	return
}

// PrimaryKey returns the primary key column names in key order.
func (t *TableDescriptor) PrimaryKey() (cols []string) {
	var pk []ColumnDescriptor
	for _, c := range t.Columns {
		if c.PrimaryKey > 0 {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].PrimaryKey < pk[j].PrimaryKey })
	for _, c := range pk {
		cols = append(cols, c.Name)
	}
	return
}

// ForeignKeyOf returns the foreign key mappings declared on a column.
func (t *TableDescriptor) ForeignKeyOf(column string) (fks []ForeignKey) {
	for _, fk := range t.ForeignKeys {
		if strings.EqualFold(fk.From, column) {
			fks = append(fks, fk)
		}
	}
	return
}

// Schema is the user schema of a copy. Reserved tables are excluded.
type Schema struct {
	Tables []*TableDescriptor
	Views  []ViewDescriptor
}

// Table returns the named table.
func (s *Schema) Table(name string) (t *TableDescriptor, ok bool) {
	for _, t = range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return nil, false
}

// View returns the named view.
func (s *Schema) View(name string) (v *ViewDescriptor, ok bool) {
	for i := range s.Views {
		if strings.EqualFold(s.Views[i].Name, name) {
			return &s.Views[i], true
		}
	}
	return
}

func excluded(name, table string) bool {
	return storage.IsReserved(name) || storage.IsReserved(table)
}

// Objects returns the user schema rows of sqlite_master in creation order.
func Objects(ctx context.Context, q storage.Querier) (objs []Object, err error) {
	var rows *sql.Rows
	if rows, err = q.QueryContext(ctx,
		"SELECT `type`, `name`, `tbl_name`, `sql` FROM `sqlite_master` "+
			"WHERE `sql` IS NOT NULL ORDER BY `rowid`",
	); err != nil {
		err = errors.Wrap(err, "query sqlite_master")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var o Object
		if err = rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			err = errors.Wrap(err, "scan sqlite_master")
			return
		}
		if excluded(o.Name, o.Table) {
			continue
		}
		objs = append(objs, o)
	}
	err = rows.Err()
	return
}

// Load introspects the user schema visible through q.
func Load(ctx context.Context, q storage.Querier) (s *Schema, err error) {
	var objs []Object
	if objs, err = Objects(ctx, q); err != nil {
		return
	}
	s = &Schema{}
	for _, o := range objs {
		if o.Type != TypeTable {
			continue
		}
		var t *TableDescriptor
		if t, err = loadTable(ctx, q, o); err != nil {
			return nil, err
		}
		s.Tables = append(s.Tables, t)
	}
	for _, o := range objs {
		switch o.Type {
		case TypeIndex:
			t, ok := s.Table(o.Table)
			if !ok {
				continue
			}
			var idx IndexDescriptor
			if idx, err = loadIndex(ctx, q, o); err != nil {
				return nil, err
			}
			t.Indexes = append(t.Indexes, idx)
		case TypeTrigger:
			if t, ok := s.Table(o.Table); ok {
				t.Triggers = append(t.Triggers, TriggerDescriptor{Name: o.Name, Table: o.Table, SQL: o.SQL})
			}
		case TypeView:
			s.Views = append(s.Views, ViewDescriptor{Name: o.Name, SQL: o.SQL})
		}
	}
	return
}

func loadTable(ctx context.Context, q storage.Querier, o Object) (t *TableDescriptor, err error) {
	t = &TableDescriptor{Name: o.Name, SQL: o.SQL}
	defs, err := ColumnDefinitions(o.SQL)
	if err != nil {
		return nil, errors.Wrapf(err, "split definition of table %s", o.Name)
	}
	if t.Constraints, err = TableConstraints(o.SQL); err != nil {
		return nil, errors.Wrapf(err, "split constraints of table %s", o.Name)
	}

	var rows *sql.Rows
	if rows, err = q.QueryContext(ctx,
		"SELECT `name`, `type`, `notnull`, `dflt_value`, `pk`, `hidden` FROM pragma_table_xinfo(?) ORDER BY `cid`",
		o.Name,
	); err != nil {
		return nil, errors.Wrapf(err, "query columns of table %s", o.Name)
	}
	for rows.Next() {
		var (
			c      ColumnDescriptor
			dflt   sql.NullString
			hidden int
		)
		if err = rows.Scan(&c.Name, &c.Type, &c.NotNull, &dflt, &c.PrimaryKey, &hidden); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "scan columns of table %s", o.Name)
		}
		// 1 marks a hidden column of a virtual table, 2 and 3 generated columns
		if hidden == 1 {
			continue
		}
		c.Generated = hidden > 1
		c.HasDefault, c.Default = dflt.Valid, dflt.String
		if def, ok := defs[strings.ToLower(c.Name)]; ok {
			c.Definition = def
			c.Collation, c.AutoIncrement = columnAttributes(def)
			c.Checks, c.Unique = columnConstraints(def)
		}
		t.Columns = append(t.Columns, c)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return
	}
	rows.Close()

	if rows, err = q.QueryContext(ctx,
		"SELECT `id`, `seq`, `table`, `from`, `to`, `on_update`, `on_delete` "+
			"FROM pragma_foreign_key_list(?) ORDER BY `id`, `seq`",
		o.Name,
	); err != nil {
		return nil, errors.Wrapf(err, "query foreign keys of table %s", o.Name)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			fk ForeignKey
			to sql.NullString
		)
		if err = rows.Scan(&fk.ID, &fk.Seq, &fk.Table, &fk.From, &to, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return nil, errors.Wrapf(err, "scan foreign keys of table %s", o.Name)
		}
		fk.To = to.String
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	err = rows.Err()
	return
}

func loadIndex(ctx context.Context, q storage.Querier, o Object) (idx IndexDescriptor, err error) {
	idx = IndexDescriptor{Name: o.Name, Table: o.Table, SQL: o.SQL}
	idx.Unique = strings.HasPrefix(strings.ToUpper(o.SQL), "CREATE UNIQUE")
	var rows *sql.Rows
	if rows, err = q.QueryContext(ctx,
		"SELECT `name`, `desc` FROM pragma_index_xinfo(?) WHERE `key`=1 ORDER BY `seqno`",
		o.Name,
	); err != nil {
		err = errors.Wrapf(err, "query columns of index %s", o.Name)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name sql.NullString
			ic   IndexColumn
		)
		if err = rows.Scan(&name, &ic.Desc); err != nil {
			err = errors.Wrapf(err, "scan columns of index %s", o.Name)
			return
		}
		ic.Name = name.String
		idx.Columns = append(idx.Columns, ic)
	}
	err = rows.Err()
	return
}

// Materialize rebuilds a Schema from stored sqlite_master rows by executing them in a
// scratch in-memory database.
func Materialize(ctx context.Context, objs []Object) (s *Schema, err error) {
	var db *sql.DB
	if db, err = sqlite.Open(":memory:", sqlite.ReadWrite, 0); err != nil {
		return
	}
	defer db.Close()
	for _, typ := range []string{TypeTable, TypeIndex, TypeTrigger, TypeView} {
		for _, o := range objs {
			if o.Type != typ {
				continue
			}
			if _, err = db.ExecContext(ctx, o.SQL); err != nil {
				err = errors.Wrapf(err, "materialize %s %s", o.Type, o.Name)
				return
			}
		}
	}
	return Load(ctx, db)
}

// Apply executes a patch through q in order.
func Apply(ctx context.Context, q storage.Querier, patch Patch) (err error) {
	for i, stmt := range patch {
		if _, err = q.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply patch statement %d: %s", i, stmt)
		}
	}
	return
}
