package policy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfv/tablemigrate/internal/table"
)

func appTable(name string) table.QualifiedTable {
	return table.New("app", "public", name)
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.AddSchemaOnly(appTable("events")))
	require.NoError(t, r.AddPredicateFilter(appTable("output"), "amount > 0"))
	require.NoError(t, r.AddTimeFilter(appTable("metrics"), "created_at", "6 months"))
	r.Seal()
	return r
}

func TestResolve_Scenario(t *testing.T) {
	r := defaultRegistry(t)

	assert.Equal(t, Policy{Kind: SchemaOnly}, r.Resolve("app", "public", "events"))
	assert.Equal(t, Policy{Kind: Predicate, Predicate: "amount > 0"}, r.Resolve("app", "public", "output"))
	assert.Equal(t, Policy{Kind: TimeWindow, Column: "created_at", Lookback: "6 months"}, r.Resolve("app", "public", "metrics"))
	assert.Equal(t, Policy{Kind: Full}, r.Resolve("app", "public", "logins"))
}

func TestResolve_ExactMatchOnly(t *testing.T) {
	r := defaultRegistry(t)

	assert.Equal(t, Full, r.Resolve("other", "public", "events").Kind)
	assert.Equal(t, Full, r.Resolve("app", "analytics", "events").Kind)
	assert.Equal(t, Full, r.Resolve("App", "public", "events").Kind)
	assert.Equal(t, Full, r.Resolve("app", "public", "EVENTS").Kind)
	assert.Equal(t, Full, r.Resolve("app", "public", "event*").Kind)
	assert.Equal(t, SchemaOnly, r.ResolveTable(appTable("events")).Kind)
}

func TestAddSchemaOnly_Idempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddSchemaOnly(appTable("events")))
	require.NoError(t, r.AddSchemaOnly(appTable("events")))
	assert.Equal(t, []string{`"public"."events"`}, r.ListSchemaOnly("app"))
}

func TestCrossCategoryConflict(t *testing.T) {
	tests := []struct {
		name   string
		first  func(*Registry) error
		second func(*Registry) error
	}{
		{
			name:   "schema-only then predicate",
			first:  func(r *Registry) error { return r.AddSchemaOnly(appTable("t")) },
			second: func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 1") },
		},
		{
			name:   "predicate then schema-only",
			first:  func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 1") },
			second: func(r *Registry) error { return r.AddSchemaOnly(appTable("t")) },
		},
		{
			name:   "schema-only then time filter",
			first:  func(r *Registry) error { return r.AddSchemaOnly(appTable("t")) },
			second: func(r *Registry) error { return r.AddTimeFilter(appTable("t"), "ts", "1 day") },
		},
		{
			name:   "time filter then predicate",
			first:  func(r *Registry) error { return r.AddTimeFilter(appTable("t"), "ts", "1 day") },
			second: func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 1") },
		},
		{
			name:   "predicate then time filter",
			first:  func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 1") },
			second: func(r *Registry) error { return r.AddTimeFilter(appTable("t"), "ts", "1 day") },
		},
		{
			name:   "different predicates",
			first:  func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 1") },
			second: func(r *Registry) error { return r.AddPredicateFilter(appTable("t"), "id > 2") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, tt.first(r))

			before := r.ResolveTable(appTable("t"))
			err := tt.second(r)
			require.Error(t, err)

			var dup *DuplicatePolicyError
			require.True(t, errors.As(err, &dup))
			assert.Equal(t, appTable("t"), dup.Table)
			assert.Equal(t, before, dup.Existing)
			assert.Equal(t, before, r.ResolveTable(appTable("t")), "existing policy must not be overwritten")
		})
	}
}

func TestSameFilterTwiceIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddPredicateFilter(appTable("t"), "id > 1"))
	require.NoError(t, r.AddPredicateFilter(appTable("t"), "id > 1"))
	require.NoError(t, r.AddTimeFilter(appTable("m"), "ts", "1 day"))
	require.NoError(t, r.AddTimeFilter(appTable("m"), "ts", "1 day"))
	assert.Equal(t, 2, r.Len())
}

func TestConflictIsScopedToDatabase(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddSchemaOnly(table.New("a", "public", "t")))
	require.NoError(t, r.AddPredicateFilter(table.New("b", "public", "t"), "id > 1"))

	assert.Equal(t, SchemaOnly, r.Resolve("a", "public", "t").Kind)
	assert.Equal(t, Predicate, r.Resolve("b", "public", "t").Kind)
}

func TestValidation(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name  string
		err   error
		field string
	}{
		{"empty predicate", r.AddPredicateFilter(appTable("t"), ""), "where"},
		{"empty column", r.AddTimeFilter(appTable("t"), "", "1 day"), "column"},
		{"empty lookback", r.AddTimeFilter(appTable("t"), "ts", ""), "last"},
		{"no database", r.AddSchemaOnly(table.New("", "public", "t")), "database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *ValidationError
			require.True(t, errors.As(tt.err, &ve), "got %v", tt.err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Zero(t, r.Len())
}

func TestSeal(t *testing.T) {
	r := defaultRegistry(t)
	assert.True(t, r.Sealed())
	assert.ErrorIs(t, r.AddSchemaOnly(appTable("late")), ErrSealed)
	assert.Equal(t, Full, r.Resolve("app", "public", "late").Kind)
}

func TestListSchemaOnly_Sorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddSchemaOnly(table.New("kong", "public", "price")))
	require.NoError(t, r.AddSchemaOnly(table.New("kong", "analytics", "large_table")))
	require.NoError(t, r.AddSchemaOnly(table.New("kong", "public", "evmlog_strides")))
	require.NoError(t, r.AddPredicateFilter(table.New("kong", "public", "output"), "x"))
	require.NoError(t, r.AddSchemaOnly(table.New("other", "public", "aaa")))

	assert.Equal(t, []string{
		`"analytics"."large_table"`,
		`"public"."evmlog_strides"`,
		`"public"."price"`,
	}, r.ListSchemaOnly("kong"))
	assert.Empty(t, r.ListSchemaOnly("missing"))
}

func TestFindFilters(t *testing.T) {
	r := defaultRegistry(t)

	pred, ok := r.FindPredicateFilter("app", "public", "output")
	require.True(t, ok)
	assert.Equal(t, "amount > 0", pred)

	_, ok = r.FindPredicateFilter("app", "public", "metrics")
	assert.False(t, ok)

	tf, ok := r.FindTimeFilter("app", "public", "metrics")
	require.True(t, ok)
	assert.Equal(t, TimeFilter{Column: "created_at", Lookback: "6 months"}, tf)

	_, ok = r.FindTimeFilter("app", "public", "events")
	assert.False(t, ok)
	_, ok = r.FindTimeFilter("app", "public", "nothing")
	assert.False(t, ok)
}

func TestDatabasesAndEntries(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddSchemaOnly(table.New("zeta", "public", "t")))
	require.NoError(t, r.AddSchemaOnly(table.New("alpha", "public", "b")))
	require.NoError(t, r.AddPredicateFilter(table.New("alpha", "public", "a"), "x = 1"))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Databases())

	entries := r.Entries("alpha")
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Table.Name)
	assert.Equal(t, Predicate, entries[0].Policy.Kind)
	assert.Equal(t, "b", entries[1].Table.Name)
}

func TestConcurrentReaders(t *testing.T) {
	r := defaultRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, SchemaOnly, r.Resolve("app", "public", "events").Kind)
				assert.Len(t, r.ListSchemaOnly("app"), 1)
			}
		}()
	}
	wg.Wait()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "full", Full.String())
	assert.Equal(t, "schema-only", SchemaOnly.String())
	assert.Equal(t, "predicate", Predicate.String())
	assert.Equal(t, "time-window", TimeWindow.String())

	text, err := TimeWindow.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "time-window", string(text))
}

func TestRegistry_ZeroValue(t *testing.T) {
	var r Registry
	assert.Equal(t, Full, r.Resolve("app", "public", "events").Kind)
	assert.Empty(t, r.Databases())

	require.NoError(t, r.AddSchemaOnly(appTable("events")))
	require.NoError(t, r.AddTimeFilter(appTable("metrics"), "created_at", "6 months"))
	r.Seal()

	assert.Equal(t, SchemaOnly, r.Resolve("app", "public", "events").Kind)
	assert.Equal(t, TimeWindow, r.Resolve("app", "public", "metrics").Kind)
	assert.Equal(t, 2, r.Len())
	assert.ErrorIs(t, r.AddSchemaOnly(appTable("other")), ErrSealed)
}
