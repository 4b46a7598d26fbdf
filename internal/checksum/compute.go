package checksum

import (
	"context"
	"errors"
	"fmt"

	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

// ErrTableNotFound is returned by a Handle when the table does not exist.
var ErrTableNotFound = errors.New("table not found")

// Handle is an open connection to one database.
type Handle interface {
	// TableColumns returns the column names of t. Missing tables yield
	// ErrTableNotFound.
	TableColumns(ctx context.Context, t table.QualifiedTable) ([]string, error)

	// ScanText reads the given columns of t, cast to text, restricted by
	// where ("" for every row). fn receives the values in column order and
	// must not retain the slice.
	ScanText(ctx context.Context, t table.QualifiedTable, columns []string, where string, fn func(row []*string) error) error

	// Release returns the connection to its owner.
	Release()
}

// Connector hands out a Handle per verification job.
type Connector interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Compute digests t through h. Schema-only tables are digested over their
// column set without reading rows.
func Compute(ctx context.Context, h Handle, t table.QualifiedTable, d policy.Directive) (Digest, error) {
	columns, err := h.TableColumns(ctx, t)
	if err != nil {
		return Digest{}, err
	}

	acc, err := NewAccumulator(columns)
	if err != nil {
		return Digest{}, fmt.Errorf("table %s: %w", t.Render(), err)
	}
	if d.Mode == policy.ExtractNone {
		return acc.Sum(), nil
	}

	if err := h.ScanText(ctx, t, columns, d.Where(), acc.Add); err != nil {
		return Digest{}, fmt.Errorf("scanning %s: %w", t.Render(), err)
	}
	return acc.Sum(), nil
}
