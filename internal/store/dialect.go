package store

import (
	"strconv"
	"strings"
)

// dialect captures the few places SQLite and PostgreSQL disagree on syntax.
// Queries are written with ? placeholders and rebound per dialect.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "PostgresStore"
	}
	return "SQLiteStore"
}

// bind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func (d dialect) bind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// claimLock is appended to the row selection of a claim so concurrent
// PostgreSQL workers skip rows another transaction already holds. SQLite
// serializes writers, so it needs nothing.
func (d dialect) claimLock() string {
	if d == dialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
