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
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedTable indicates a CREATE TABLE statement the splitter cannot parse.
var ErrMalformedTable = errors.New("malformed create table statement")

var tableConstraintWords = map[string]bool{
	"constraint": true,
	"primary":    true,
	"unique":     true,
	"check":      true,
	"foreign":    true,
}

// scanQuoted returns the index right after the quoted span starting at s[i].
func scanQuoted(s string, i int) (int, error) {
	open := s[i]
	closer := open
	if open == '[' {
		closer = ']'
	}
	for j := i + 1; j < len(s); j++ {
		if s[j] != closer {
			continue
		}
		// doubled quote is an escaped quote
		if closer != ']' && j+1 < len(s) && s[j+1] == closer {
			j++
			continue
		}
		return j + 1, nil
	}
	return 0, errors.Wrapf(ErrMalformedTable, "unterminated quote at offset %d", i)
}

// skipComment returns the index after a comment at s[i], or i if there is none.
func skipComment(s string, i int) int {
	switch {
	case strings.HasPrefix(s[i:], "--"):
		if n := strings.IndexByte(s[i:], '\n'); n >= 0 {
			return i + n + 1
		}
		return len(s)
	case strings.HasPrefix(s[i:], "/*"):
		if n := strings.Index(s[i+2:], "*/"); n >= 0 {
			return i + 2 + n + 2
		}
		return len(s)
	}
	return i
}

// splitBody splits the parenthesized body of a CREATE TABLE statement on top-level commas.
func splitBody(stmt string) (parts []string, err error) {
	var (
		depth int
		start = -1
	)
	for i := 0; i < len(stmt); {
		if j := skipComment(stmt, i); j != i {
			i = j
			continue
		}
		switch c := stmt[i]; c {
		case '\'', '"', '`', '[':
			if i, err = scanQuoted(stmt, i); err != nil {
				return
			}
			continue
		case '(':
			depth++
			if depth == 1 {
				start = i + 1
			}
		case ')':
			depth--
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(stmt[start:i]))
				return
			}
			if depth < 0 {
				return nil, errors.Wrap(ErrMalformedTable, "unbalanced parenthesis")
			}
		case ',':
			if depth == 1 {
				parts = append(parts, strings.TrimSpace(stmt[start:i]))
				start = i + 1
			}
		}
		i++
	}
	return nil, errors.Wrap(ErrMalformedTable, "missing column list")
}

// scanGroup returns the index right after the parenthesized group starting at s[i].
// Parentheses inside quotes and comments do not count.
func scanGroup(s string, i int) (int, error) {
	depth := 0
	for j := i; j < len(s); {
		if k := skipComment(s, j); k != j {
			j = k
			continue
		}
		switch s[j] {
		case '\'', '"', '`', '[':
			k, err := scanQuoted(s, j)
			if err != nil {
				return 0, err
			}
			j = k
			continue
		case '(':
			depth++
		case ')':
			if depth--; depth == 0 {
				return j + 1, nil
			}
		}
		j++
	}
	return 0, errors.Wrapf(ErrMalformedTable, "unbalanced parenthesis at offset %d", i)
}

// unquote strips identifier quotes.
func unquote(id string) string {
	if len(id) >= 2 {
		switch id[0] {
		case '"', '`', '\'':
			if id[len(id)-1] == id[0] {
				q := id[:1]
				return strings.Replace(id[1:len(id)-1], q+q, q, -1)
			}
		case '[':
			if id[len(id)-1] == ']' {
				return id[1 : len(id)-1]
			}
		}
	}
	return id
}

// words splits a definition into its leading identifier-like words, keeping quoted spans
// and parenthesized groups as single words.
func words(def string) (ws []string, err error) {
	for i := 0; i < len(def); {
		if j := skipComment(def, i); j != i {
			i = j
			continue
		}
		c := def[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"' || c == '`' || c == '[':
			var j int
			if j, err = scanQuoted(def, i); err != nil {
				return
			}
			ws = append(ws, def[i:j])
			i = j
		case c == '(':
			var j int
			if j, err = scanGroup(def, i); err != nil {
				return
			}
			ws = append(ws, def[i:j])
			i = j
		default:
			j := i
			for j < len(def) && !strings.ContainsRune(" \t\n\r('\"`[", rune(def[j])) {
				j++
			}
			ws = append(ws, def[i:j])
			i = j
		}
	}
	return
}

// ColumnDefinitions returns the verbatim column definitions of a CREATE TABLE statement
// keyed by lower-cased column name. Table constraints are skipped.
func ColumnDefinitions(stmt string) (defs map[string]string, err error) {
	var parts []string
	if parts, err = splitBody(stmt); err != nil {
		return
	}
	defs = make(map[string]string, len(parts))
	for _, p := range parts {
		var ws []string
		if ws, err = words(p); err != nil {
			return
		}
		if len(ws) == 0 {
			continue
		}
		if tableConstraintWords[strings.ToLower(ws[0])] {
			continue
		}
		defs[strings.ToLower(unquote(ws[0]))] = p
	}
	return
}

func columnAttributes(def string) (collation string, autoIncrement bool) {
	ws, err := words(def)
	if err != nil {
		return
	}
	for i, w := range ws {
		switch strings.ToUpper(w) {
		case "COLLATE":
			if i+1 < len(ws) {
				collation = strings.ToUpper(unquote(ws[i+1]))
			}
		case "AUTOINCREMENT":
			autoIncrement = true
		}
	}
	return
}

// normalize canonicalizes a constraint clause for comparison. Unquoted text is
// lower-cased, comments are dropped and whitespace survives only between two words.
func normalize(clause string) string {
	var (
		b     strings.Builder
		space bool
		last  byte
	)
	word := func(c byte) bool {
		return c == '_' || c == '\'' || c == '"' || c == '`' || c == '[' || c == ']' ||
			'0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
	}
	for i := 0; i < len(clause); {
		if j := skipComment(clause, i); j != i {
			space, i = true, j
			continue
		}
		c := clause[i]
		switch c {
		case ' ', '\t', '\n', '\r':
			space = true
			i++
			continue
		}
		if space && word(last) && word(c) {
			b.WriteByte(' ')
		}
		space = false
		switch c {
		case '\'', '"', '`', '[':
			j, err := scanQuoted(clause, i)
			if err != nil {
				j = len(clause)
			}
			b.WriteString(clause[i:j])
			last = clause[j-1]
			i = j
		default:
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
			last = c
			i++
		}
	}
	return b.String()
}

// columnConstraints returns the normalized CHECK clauses of a column definition and
// whether the column is declared UNIQUE.
func columnConstraints(def string) (checks []string, unique bool) {
	ws, err := words(def)
	if err != nil {
		return
	}
	// ws[0] is the column name
	for i := 1; i < len(ws); i++ {
		switch strings.ToUpper(ws[i]) {
		case "CHECK":
			if i+1 < len(ws) && strings.HasPrefix(ws[i+1], "(") {
				checks = append(checks, "check"+normalize(ws[i+1]))
				i++
			}
		case "UNIQUE":
			unique = true
		}
	}
	return
}

// TableConstraints returns the normalized CHECK and UNIQUE table constraints of a CREATE
// TABLE statement in declaration order. Constraint names are dropped. Primary and
// foreign keys are left out since the pragmas describe them.
func TableConstraints(stmt string) (constraints []string, err error) {
	var parts []string
	if parts, err = splitBody(stmt); err != nil {
		return
	}
	for _, p := range parts {
		var ws []string
		if ws, err = words(p); err != nil {
			return
		}
		if len(ws) == 0 || !tableConstraintWords[strings.ToLower(ws[0])] {
			continue
		}
		body := p
		if strings.EqualFold(ws[0], "constraint") {
			if len(ws) < 3 {
				return nil, errors.Wrapf(ErrMalformedTable, "incomplete constraint %q", p)
			}
			// skip the constraint name
			start := strings.Index(p, ws[0]) + len(ws[0])
			body = p[start+strings.Index(p[start:], ws[1])+len(ws[1]):]
			ws = ws[2:]
		}
		switch strings.ToLower(ws[0]) {
		case "check", "unique":
			constraints = append(constraints, normalize(body))
		}
	}
	return
}
