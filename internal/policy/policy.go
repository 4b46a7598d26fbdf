// Package policy decides how each table is migrated: in full, schema only, or
// restricted to a subset of rows.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bfv/tablemigrate/internal/table"
)

// Kind is the migration treatment of a table.
type Kind int

const (
	Full Kind = iota
	SchemaOnly
	Predicate
	TimeWindow
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case SchemaOnly:
		return "schema-only"
	case Predicate:
		return "predicate"
	case TimeWindow:
		return "time-window"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind for YAML and JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Policy is a tagged variant. Predicate is set for Predicate; Column and
// Lookback are set for TimeWindow.
type Policy struct {
	Kind      Kind
	Predicate string
	Column    string
	Lookback  string
}

// TimeFilter is the payload of a TimeWindow policy.
type TimeFilter struct {
	Column   string
	Lookback string
}

// TimeFilter returns the time filter payload of p.
func (p Policy) TimeFilter() TimeFilter {
	return TimeFilter{Column: p.Column, Lookback: p.Lookback}
}

func (p Policy) String() string {
	switch p.Kind {
	case Predicate:
		return fmt.Sprintf("predicate(%s)", p.Predicate)
	case TimeWindow:
		return fmt.Sprintf("time-window(%s, %s)", p.Column, p.Lookback)
	default:
		return p.Kind.String()
	}
}

// ErrSealed is returned when a sealed registry is modified.
var ErrSealed = errors.New("policy registry is sealed")

// DuplicatePolicyError reports a table registered under two policies.
type DuplicatePolicyError struct {
	Table     table.QualifiedTable
	Existing  Policy
	Requested Policy
}

func (e *DuplicatePolicyError) Error() string {
	if e.Existing.Kind == e.Requested.Kind {
		return fmt.Sprintf("table %s in database %q already has a different %s policy: %s",
			e.Table.Render(), e.Table.Database, e.Existing.Kind, e.Existing)
	}
	return fmt.Sprintf("table %s in database %q is already %s, cannot also register it as %s",
		e.Table.Render(), e.Table.Database, e.Existing.Kind, e.Requested.Kind)
}

// ValidationError reports an incomplete rule.
type ValidationError struct {
	Table  table.QualifiedTable
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule for table %s: %s %s", e.Table.Render(), e.Field, e.Reason)
}

// Entry is one registered table with its policy.
type Entry struct {
	Table  table.QualifiedTable
	Policy Policy
}

// Registry maps qualified tables to their policy. Tables that are not
// registered are migrated in full.
//
// The zero value is an empty registry ready for use. Add methods are not
// safe for concurrent use. Once Seal is called the
// registry is read-only and may be shared between goroutines.
type Registry struct {
	mu       sync.RWMutex
	policies map[table.QualifiedTable]Policy
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: map[table.QualifiedTable]Policy{}}
}

// AddSchemaOnly registers t for DDL-only migration. Registering the same
// table as schema-only again is a no-op.
func (r *Registry) AddSchemaOnly(t table.QualifiedTable) error {
	return r.add(t, Policy{Kind: SchemaOnly})
}

// AddPredicateFilter restricts the rows of t to those matching predicate.
// The predicate is passed through verbatim.
func (r *Registry) AddPredicateFilter(t table.QualifiedTable, predicate string) error {
	if predicate == "" {
		return &ValidationError{Table: t, Field: "where", Reason: "must not be empty"}
	}
	return r.add(t, Policy{Kind: Predicate, Predicate: predicate})
}

// AddTimeFilter restricts the rows of t to those whose column lies within
// lookback of the extraction time.
func (r *Registry) AddTimeFilter(t table.QualifiedTable, column, lookback string) error {
	if column == "" {
		return &ValidationError{Table: t, Field: "column", Reason: "must not be empty"}
	}
	if lookback == "" {
		return &ValidationError{Table: t, Field: "last", Reason: "must not be empty"}
	}
	return r.add(t, Policy{Kind: TimeWindow, Column: column, Lookback: lookback})
}

func (r *Registry) add(t table.QualifiedTable, p Policy) error {
	if !t.HasDatabase() {
		return &ValidationError{Table: t, Field: "database", Reason: "must be set"}
	}
	if t.Schema == "" || t.Name == "" {
		return &ValidationError{Table: t, Field: "table", Reason: "must have schema and name"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if r.policies == nil {
		r.policies = map[table.QualifiedTable]Policy{}
	}
	if existing, ok := r.policies[t]; ok {
		if existing == p {
			return nil
		}
		return &DuplicatePolicyError{Table: t, Existing: existing, Requested: p}
	}
	r.policies[t] = p
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the policy for the exact (database, schema, name) key.
func (r *Registry) Resolve(database, schema, name string) Policy {
	p, ok := r.lookup(table.New(database, schema, name))
	if !ok {
		return Policy{Kind: Full}
	}
	return p
}

// ResolveTable is Resolve for a QualifiedTable.
func (r *Registry) ResolveTable(t table.QualifiedTable) Policy {
	return r.Resolve(t.Database, t.Schema, t.Name)
}

func (r *Registry) lookup(t table.QualifiedTable) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[t]
	return p, ok
}

// ListSchemaOnly returns the rendered names of the schema-only tables of
// database in lexicographic order.
func (r *Registry) ListSchemaOnly(database string) []string {
	var names []string
	for _, e := range r.Entries(database) {
		if e.Policy.Kind == SchemaOnly {
			names = append(names, e.Table.Render())
		}
	}
	sort.Strings(names)
	return names
}

// FindPredicateFilter returns the predicate registered for the table, if any.
func (r *Registry) FindPredicateFilter(database, schema, name string) (string, bool) {
	p, ok := r.lookup(table.New(database, schema, name))
	if !ok || p.Kind != Predicate {
		return "", false
	}
	return p.Predicate, true
}

// FindTimeFilter returns the time filter registered for the table, if any.
func (r *Registry) FindTimeFilter(database, schema, name string) (TimeFilter, bool) {
	p, ok := r.lookup(table.New(database, schema, name))
	if !ok || p.Kind != TimeWindow {
		return TimeFilter{}, false
	}
	return p.TimeFilter(), true
}

// Databases returns the databases that have at least one rule, sorted.
func (r *Registry) Databases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for t := range r.policies {
		if !seen[t.Database] {
			seen[t.Database] = true
			out = append(out, t.Database)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns the registered tables of database ordered by rendered name.
func (r *Registry) Entries(database string) []Entry {
	r.mu.RLock()
	var out []Entry
	for t, p := range r.policies {
		if t.Database == database {
			out = append(out, Entry{Table: t, Policy: p})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Table.Render() < out[j].Table.Render()
	})
	return out
}

// Len returns the number of registered tables across all databases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}
