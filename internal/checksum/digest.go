// Package checksum verifies that a table holds the same rows on two clusters.
//
// A table digest is independent of physical row order and of column order:
// each row is hashed over its (name, value) pairs sorted by column name and
// the row hashes are summed lane-wise modulo 2^64. Duplicate rows therefore
// contribute once per occurrence.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
)

const lanes = sha256.Size / 8

// Digest summarises the rows of one table on one side.
type Digest struct {
	Value   string   `json:"value" yaml:"value"`
	Rows    int64    `json:"rows" yaml:"rows"`
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// Accumulator folds rows into a Digest. Rows are given as text values in the
// column order passed to NewAccumulator; nil is SQL NULL.
type Accumulator struct {
	columns []string
	order   []int
	sum     [lanes]uint64
	rows    int64
}

// NewAccumulator prepares an accumulator for rows with the given columns.
func NewAccumulator(columns []string) (*Accumulator, error) {
	order := make([]int, len(columns))
	seen := make(map[string]bool, len(columns))
	for i, c := range columns {
		if seen[c] {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return columns[order[i]] < columns[order[j]] })

	sorted := make([]string, len(columns))
	for i, idx := range order {
		sorted[i] = columns[idx]
	}
	return &Accumulator{columns: sorted, order: order}, nil
}

// Add folds one row into the digest.
func (a *Accumulator) Add(row []*string) error {
	if len(row) != len(a.order) {
		return fmt.Errorf("row has %d values, expected %d", len(row), len(a.order))
	}

	h := sha256.New()
	var n [8]byte
	for i, idx := range a.order {
		writeField(h, n[:], a.columns[i], row[idx])
	}
	var sum [sha256.Size]byte
	h.Sum(sum[:0])

	for i := range a.sum {
		a.sum[i] += binary.LittleEndian.Uint64(sum[i*8:])
	}
	a.rows++
	return nil
}

func writeField(h hash.Hash, n []byte, name string, value *string) {
	binary.LittleEndian.PutUint64(n, uint64(len(name)))
	h.Write(n)
	h.Write([]byte(name))
	if value == nil {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1})
	binary.LittleEndian.PutUint64(n, uint64(len(*value)))
	h.Write(n)
	h.Write([]byte(*value))
}

// Rows returns the number of rows added so far.
func (a *Accumulator) Rows() int64 {
	return a.rows
}

// Sum returns the digest of the rows added so far.
func (a *Accumulator) Sum() Digest {
	h := sha256.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(a.columns)))
	h.Write(n[:])
	for _, c := range a.columns {
		binary.LittleEndian.PutUint64(n[:], uint64(len(c)))
		h.Write(n[:])
		h.Write([]byte(c))
	}
	for _, v := range a.sum {
		binary.LittleEndian.PutUint64(n[:], v)
		h.Write(n[:])
	}

	columns := make([]string, len(a.columns))
	copy(columns, a.columns)
	return Digest{
		Value:   hex.EncodeToString(h.Sum(nil)),
		Rows:    a.rows,
		Columns: columns,
	}
}
