// Package table identifies relations across the databases of a cluster.
package table

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is used when a table is referenced without a schema.
const DefaultSchema = "public"

// QualifiedTable is a (database, schema, table) triple. Database is empty when
// the table was referenced outside of a database context.
//
// The struct is comparable and is used as a map key; all fields are compared
// verbatim and case sensitively.
type QualifiedTable struct {
	Database string
	Schema   string
	Name     string
}

// FormatError reports text that cannot be parsed into a QualifiedTable.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid table reference %q: %s", e.Input, e.Reason)
}

// New builds a QualifiedTable from its three parts.
func New(database, schema, name string) QualifiedTable {
	return QualifiedTable{Database: database, Schema: schema, Name: name}
}

// Parse reads "table" or "schema.table". Only the first dot separates the
// schema, so "a.b.c" is table "b.c" in schema "a".
func Parse(text string) (QualifiedTable, error) {
	if text == "" {
		return QualifiedTable{}, &FormatError{Input: text, Reason: "empty reference"}
	}

	schema, name, found := strings.Cut(text, ".")
	if !found {
		return QualifiedTable{Schema: DefaultSchema, Name: text}, nil
	}
	if schema == "" {
		return QualifiedTable{}, &FormatError{Input: text, Reason: "empty schema name"}
	}
	if name == "" {
		return QualifiedTable{}, &FormatError{Input: text, Reason: "empty table name"}
	}
	return QualifiedTable{Schema: schema, Name: name}, nil
}

// WithDatabase returns a copy of t scoped to database.
func (t QualifiedTable) WithDatabase(database string) QualifiedTable {
	t.Database = database
	return t
}

// HasDatabase reports whether t is scoped to a database.
func (t QualifiedTable) HasDatabase() bool {
	return t.Database != ""
}

// Render returns the quoted "schema"."table" form. The database never appears
// in the rendered identifier.
func (t QualifiedTable) Render() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

func (t QualifiedTable) String() string {
	return t.Render()
}

// Sort orders tables by rendered name, then by database.
func Sort(tables []QualifiedTable) {
	sort.Slice(tables, func(i, j int) bool {
		ri, rj := tables[i].Render(), tables[j].Render()
		if ri != rj {
			return ri < rj
		}
		return tables[i].Database < tables[j].Database
	})
}
