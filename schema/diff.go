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
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CovenantSQL/sqlparser"
	"github.com/pkg/errors"
)

// ErrUnsupportedDiff is the cause of every UnsupportedDiffError.
var ErrUnsupportedDiff = errors.New("unsupported schema difference")

// Patch is an ordered list of DDL statements.
type Patch []string

// Unsupported describes a difference the engine cannot express as DDL.
type Unsupported struct {
	Table  string
	Column string
	Reason string
}

func (u Unsupported) String() string {
	if u.Column == "" {
		return fmt.Sprintf("%s: %s", u.Table, u.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", u.Table, u.Column, u.Reason)
}

// UnsupportedDiffError lists the differences left out of a patch.
type UnsupportedDiffError struct {
	Items []Unsupported
}

func (e *UnsupportedDiffError) Error() string {
	msgs := make([]string, 0, len(e.Items))
	for _, u := range e.Items {
		msgs = append(msgs, u.String())
	}
	return ErrUnsupportedDiff.Error() + ": " + strings.Join(msgs, "; ")
}

// Cause returns ErrUnsupportedDiff.
func (e *UnsupportedDiffError) Cause() error { return ErrUnsupportedDiff }

var simpleIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent quotes an identifier unless it is a plain word.
func QuoteIdent(name string) string {
	if simpleIdent.MatchString(name) {
		if tok, _ := sqlparser.NewStringTokenizer(name).Scan(); tok == sqlparser.ID {
			return name
		}
	}
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

// references returns the lower-cased identifiers mentioned by a statement. complete is
// false if the statement could not be fully tokenized.
func references(stmt string) (refs map[string]bool, complete bool) {
	refs = make(map[string]bool)
	tkn := sqlparser.NewStringTokenizer(stmt)
	for {
		tok, val := tkn.Scan()
		switch tok {
		case 0:
			return refs, true
		case sqlparser.LEX_ERROR:
			return refs, false
		}
		if len(val) > 0 {
			refs[strings.ToLower(string(val))] = true
		}
	}
}

// dependsOn reports whether stmt mentions any of names.
func dependsOn(stmt string, names map[string]bool) bool {
	if len(names) == 0 {
		return false
	}
	refs, complete := references(stmt)
	if !complete {
		return true
	}
	for n := range names {
		if refs[n] {
			return true
		}
	}
	return false
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func sameColumn(a, b *ColumnDescriptor) bool {
	return strings.EqualFold(a.Type, b.Type) &&
		a.NotNull == b.NotNull &&
		a.HasDefault == b.HasDefault &&
		a.Default == b.Default &&
		strings.EqualFold(a.Collation, b.Collation) &&
		a.PrimaryKey == b.PrimaryKey &&
		a.AutoIncrement == b.AutoIncrement &&
		a.Unique == b.Unique &&
		a.Generated == b.Generated &&
		sameList(a.Checks, b.Checks)
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameForeignKeys(a, b []ForeignKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if !strings.EqualFold(x.Table, y.Table) || !strings.EqualFold(x.To, y.To) ||
			x.OnUpdate != y.OnUpdate || x.OnDelete != y.OnDelete {
			return false
		}
	}
	return true
}

func columnDefinition(c *ColumnDescriptor) string {
	if c.Definition != "" {
		return c.Definition
	}
	def := QuoteIdent(c.Name)
	if c.Type != "" {
		def += " " + c.Type
	}
	if c.NotNull {
		def += " NOT NULL"
	}
	if c.HasDefault {
		def += " DEFAULT " + c.Default
	}
	if c.Collation != "" {
		def += " COLLATE " + c.Collation
	}
	return def
}

type tableDiff struct {
	lhs, rhs *TableDescriptor
	add      []*ColumnDescriptor
	drop     []string
	dropped  map[string]bool
}

type differ struct {
	lhs, rhs    *Schema
	unsupported []Unsupported
	common      []*tableDiff
	dropTables  []*TableDescriptor
	newTables   []*TableDescriptor
	// lower-cased names of dropped columns and tables, for dependency checks
	goneNames map[string]bool
}

func (d *differ) unsupportedf(table, column, format string, args ...interface{}) {
	d.unsupported = append(d.unsupported, Unsupported{
		Table: table, Column: column, Reason: fmt.Sprintf(format, args...),
	})
}

func (d *differ) diffTable(l, r *TableDescriptor) {
	td := &tableDiff{lhs: l, rhs: r, dropped: make(map[string]bool)}
	if !sameList(l.Constraints, r.Constraints) {
		d.unsupportedf(l.Name, "", "table constraints differ (%s vs %s)",
			strings.Join(l.Constraints, ", "), strings.Join(r.Constraints, ", "))
	}
	for i := range l.Columns {
		lc := &l.Columns[i]
		rc, ok := r.Column(lc.Name)
		if !ok {
			if lc.PrimaryKey > 0 {
				d.unsupportedf(l.Name, lc.Name, "cannot add a primary key column")
				continue
			}
			td.add = append(td.add, lc)
			continue
		}
		if !sameColumn(lc, rc) {
			d.unsupportedf(l.Name, lc.Name, "column definition differs (%s vs %s)",
				columnDefinition(lc), columnDefinition(rc))
			continue
		}
		if !sameForeignKeys(l.ForeignKeyOf(lc.Name), r.ForeignKeyOf(rc.Name)) {
			d.unsupportedf(l.Name, lc.Name, "foreign key differs on an existing column")
		}
	}
	for i := range r.Columns {
		rc := &r.Columns[i]
		if _, ok := l.Column(rc.Name); ok {
			continue
		}
		if rc.PrimaryKey > 0 {
			d.unsupportedf(r.Name, rc.Name, "cannot drop a primary key column")
			continue
		}
		td.drop = append(td.drop, rc.Name)
		td.dropped[strings.ToLower(rc.Name)] = true
		d.goneNames[strings.ToLower(rc.Name)] = true
	}
	d.common = append(d.common, td)
}

// orderTables sorts tables so that referenced tables come before the tables referencing them.
func orderTables(tables []*TableDescriptor) (ordered []*TableDescriptor) {
	var (
		byName  = make(map[string]*TableDescriptor, len(tables))
		visited = make(map[string]bool, len(tables))
		visit   func(t *TableDescriptor)
	)
	for _, t := range tables {
		byName[strings.ToLower(t.Name)] = t
	}
	visit = func(t *TableDescriptor) {
		key := strings.ToLower(t.Name)
		if visited[key] {
			return
		}
		visited[key] = true
		for _, fk := range t.ForeignKeys {
			if dep, ok := byName[strings.ToLower(fk.Table)]; ok {
				visit(dep)
			}
		}
		ordered = append(ordered, t)
	}
	for _, t := range tables {
		visit(t)
	}
	return
}

// Diff returns the patch which, applied to rhs, makes it structurally equal to lhs.
// Differences the engine cannot express are left out of the patch and reported with an
// *UnsupportedDiffError.
func Diff(lhs, rhs *Schema) (patch Patch, err error) {
	d := &differ{lhs: lhs, rhs: rhs, goneNames: make(map[string]bool)}

	for _, l := range lhs.Tables {
		if r, ok := rhs.Table(l.Name); ok {
			d.diffTable(l, r)
		} else {
			d.newTables = append(d.newTables, l)
		}
	}
	for _, r := range rhs.Tables {
		if _, ok := lhs.Table(r.Name); !ok {
			d.dropTables = append(d.dropTables, r)
			d.goneNames[strings.ToLower(r.Name)] = true
		}
	}

	var (
		dropViews, createViews       []string
		dropIndexes, createIndexes   []string
		dropTriggers, createTriggers []string
		dropColumns, addColumns      []string
		dropTables, createTables     []string
	)

	// views
	recreateView := make(map[string]bool)
	for _, rv := range rhs.Views {
		lv, ok := lhs.View(rv.Name)
		if !ok || !sameText(lv.SQL, rv.SQL) || dependsOn(rv.SQL, d.goneNames) {
			dropViews = append(dropViews, "DROP VIEW IF EXISTS "+QuoteIdent(rv.Name))
			recreateView[strings.ToLower(rv.Name)] = true
		}
	}
	for _, lv := range lhs.Views {
		if _, ok := rhs.View(lv.Name); !ok || recreateView[strings.ToLower(lv.Name)] {
			createViews = append(createViews, lv.SQL)
		}
	}

	// indexes and triggers of tables present on both sides
	for _, td := range d.common {
		recreate := make(map[string]bool)
		for _, ri := range td.rhs.Indexes {
			li, ok := findIndex(td.lhs, ri.Name)
			if !ok || !sameText(li.SQL, ri.SQL) || indexUses(ri, td.dropped) {
				dropIndexes = append(dropIndexes, "DROP INDEX IF EXISTS "+QuoteIdent(ri.Name))
				recreate[strings.ToLower(ri.Name)] = true
			}
		}
		for _, li := range td.lhs.Indexes {
			if _, ok := findIndex(td.rhs, li.Name); !ok || recreate[strings.ToLower(li.Name)] {
				createIndexes = append(createIndexes, li.SQL)
			}
		}
		recreate = make(map[string]bool)
		for _, rt := range td.rhs.Triggers {
			lt, ok := findTrigger(td.lhs, rt.Name)
			if !ok || !sameText(lt.SQL, rt.SQL) || dependsOn(rt.SQL, d.goneNames) {
				dropTriggers = append(dropTriggers, "DROP TRIGGER IF EXISTS "+QuoteIdent(rt.Name))
				recreate[strings.ToLower(rt.Name)] = true
			}
		}
		for _, lt := range td.lhs.Triggers {
			if _, ok := findTrigger(td.rhs, lt.Name); !ok || recreate[strings.ToLower(lt.Name)] {
				createTriggers = append(createTriggers, lt.SQL)
			}
		}
		for _, c := range td.drop {
			dropColumns = append(dropColumns,
				fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(td.rhs.Name), QuoteIdent(c)))
		}
		for _, c := range td.add {
			addColumns = append(addColumns,
				fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(td.rhs.Name), columnDefinition(c)))
		}
	}

	// tables only on one side
	ordered := orderTables(d.dropTables)
	for i := len(ordered) - 1; i >= 0; i-- {
		dropTables = append(dropTables, "DROP TABLE IF EXISTS "+QuoteIdent(ordered[i].Name))
	}
	for _, t := range orderTables(d.newTables) {
		createTables = append(createTables, t.SQL)
		for _, idx := range t.Indexes {
			createIndexes = append(createIndexes, idx.SQL)
		}
		for _, tr := range t.Triggers {
			createTriggers = append(createTriggers, tr.SQL)
		}
	}

	for _, part := range [][]string{
		dropViews, dropIndexes, dropTriggers, dropColumns, dropTables,
		createTables, addColumns, createIndexes, createTriggers, createViews,
	} {
		patch = append(patch, part...)
	}

	if len(d.unsupported) > 0 {
		err = &UnsupportedDiffError{Items: d.unsupported}
	}
	return
}

func findIndex(t *TableDescriptor, name string) (*IndexDescriptor, bool) {
	for i := range t.Indexes {
		if strings.EqualFold(t.Indexes[i].Name, name) {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

func findTrigger(t *TableDescriptor, name string) (*TriggerDescriptor, bool) {
	for i := range t.Triggers {
		if strings.EqualFold(t.Triggers[i].Name, name) {
			return &t.Triggers[i], true
		}
	}
	return nil, false
}

func indexUses(idx IndexDescriptor, columns map[string]bool) bool {
	for _, c := range idx.Columns {
		if c.Name == "" {
			// expression index, inspect its text
			return dependsOn(idx.SQL, columns)
		}
		if columns[strings.ToLower(c.Name)] {
			return true
		}
	}
	return false
}

// Equal reports whether two schemas are structurally equal. Column order is not compared.
func Equal(a, b *Schema) bool {
	patch, err := Diff(a, b)
	return err == nil && len(patch) == 0
}
