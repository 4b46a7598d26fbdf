package checksum

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s(v string) *string { return &v }

func digestOf(t *testing.T, columns []string, rows [][]*string) Digest {
	t.Helper()
	acc, err := NewAccumulator(columns)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, acc.Add(row))
	}
	return acc.Sum()
}

func sampleRows() [][]*string {
	return [][]*string{
		{s("1"), s("alice"), s("10.5")},
		{s("2"), s("bob"), nil},
		{s("3"), s(""), s("0")},
		{s("4"), s("dave"), s("-1")},
		{s("2"), s("bob"), nil},
	}
}

func TestDigest_RowOrderIndependent(t *testing.T) {
	columns := []string{"id", "name", "amount"}
	rows := sampleRows()
	want := digestOf(t, columns, rows)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([][]*string(nil), rows...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, digestOf(t, columns, shuffled))
	}
}

func TestDigest_ColumnOrderIndependent(t *testing.T) {
	rows := sampleRows()
	want := digestOf(t, []string{"id", "name", "amount"}, rows)

	reordered := make([][]*string, len(rows))
	for i, r := range rows {
		reordered[i] = []*string{r[2], r[0], r[1]}
	}
	got := digestOf(t, []string{"amount", "id", "name"}, reordered)

	assert.Equal(t, want, got)
	assert.Equal(t, []string{"amount", "id", "name"}, got.Columns)
}

func TestDigest_SensitiveToContent(t *testing.T) {
	columns := []string{"id", "name"}
	base := digestOf(t, columns, [][]*string{{s("1"), s("a")}, {s("2"), s("b")}})

	tests := map[string][][]*string{
		"changed value":  {{s("1"), s("a")}, {s("2"), s("c")}},
		"null vs empty":  {{s("1"), s("a")}, {s("2"), s("")}},
		"missing row":    {{s("1"), s("a")}},
		"duplicated row": {{s("1"), s("a")}, {s("2"), s("b")}, {s("2"), s("b")}},
		"swapped cells":  {{s("1"), s("b")}, {s("2"), s("a")}},
		"shifted bytes":  {{s("1a"), s("")}, {s("2"), s("b")}},
	}
	for name, rows := range tests {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, base.Value, digestOf(t, columns, rows).Value)
		})
	}

	nullRow := digestOf(t, columns, [][]*string{{s("1"), s("a")}, {s("2"), nil}})
	emptyRow := digestOf(t, columns, [][]*string{{s("1"), s("a")}, {s("2"), s("")}})
	assert.NotEqual(t, nullRow.Value, emptyRow.Value)
}

func TestDigest_DuplicatesDoNotCancel(t *testing.T) {
	columns := []string{"id"}
	empty := digestOf(t, columns, nil)
	twice := digestOf(t, columns, [][]*string{{s("1")}, {s("1")}})
	assert.NotEqual(t, empty.Value, twice.Value)
	assert.Equal(t, int64(2), twice.Rows)
}

func TestDigest_ColumnSetMatters(t *testing.T) {
	a := digestOf(t, []string{"id", "name"}, nil)
	b := digestOf(t, []string{"id", "title"}, nil)
	assert.NotEqual(t, a.Value, b.Value)
	assert.Zero(t, a.Rows)
}

func TestAccumulator_Errors(t *testing.T) {
	_, err := NewAccumulator([]string{"id", "id"})
	assert.Error(t, err)

	acc, err := NewAccumulator([]string{"id", "name"})
	require.NoError(t, err)
	assert.Error(t, acc.Add([]*string{s("1")}))
	assert.Zero(t, acc.Rows())
}

func TestDigest_Deterministic(t *testing.T) {
	columns := []string{"id", "name", "amount"}
	first := digestOf(t, columns, sampleRows())
	second := digestOf(t, columns, sampleRows())
	assert.Equal(t, first, second)
	assert.Len(t, first.Value, 64)
	assert.Equal(t, int64(5), first.Rows)
}
