package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bfv/tablemigrate/internal/checksum"
	"github.com/bfv/tablemigrate/internal/table"
)

// Cluster hands out pooled connections to the checksum engine. The pool is
// owned by the caller.
type Cluster struct {
	pool *pgxpool.Pool
}

// NewCluster wraps pool.
func NewCluster(pool *pgxpool.Pool) *Cluster {
	return &Cluster{pool: pool}
}

// Acquire takes a dedicated connection from the pool.
func (c *Cluster) Acquire(ctx context.Context) (checksum.Handle, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &session{q: conn, release: conn.Release}, nil
}

// session adapts a Querier to checksum.Handle.
type session struct {
	q       Querier
	release func()
}

func (s *session) TableColumns(ctx context.Context, t table.QualifiedTable) ([]string, error) {
	return TableColumns(ctx, s.q, t)
}

func (s *session) ScanText(ctx context.Context, t table.QualifiedTable, columns []string, where string, fn func([]*string) error) error {
	return ScanText(ctx, s.q, t, columns, where, fn)
}

func (s *session) Release() {
	if s.release != nil {
		s.release()
	}
}
