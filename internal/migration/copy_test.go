package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

// memEndpoint serves COPY TO from out and records COPY FROM into in.
type memEndpoint struct {
	mu       sync.Mutex
	out      map[string]string
	in       map[string]string
	failOut  error
	failIn   error
	sql      []string
	acquired atomic.Int32
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newEndpoint() *memEndpoint {
	return &memEndpoint{out: map[string]string{}, in: map[string]string{}}
}

func (e *memEndpoint) AcquireCopy(ctx context.Context) (CopyConn, func(), error) {
	e.acquired.Add(1)
	n := e.active.Add(1)
	for {
		cur := e.peak.Load()
		if n <= cur || e.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	return &memConn{e: e}, func() { e.active.Add(-1) }, nil
}

type memConn struct{ e *memEndpoint }

func (c *memConn) CopyTo(ctx context.Context, w io.Writer, sql string) (pgconn.CommandTag, error) {
	c.e.mu.Lock()
	c.e.sql = append(c.e.sql, sql)
	var data string
	for name, rows := range c.e.out {
		if strings.Contains(sql, "FROM "+name+" ") || strings.HasSuffix(sql, "FROM "+name+") TO STDOUT") {
			data = rows
		}
	}
	c.e.mu.Unlock()

	if c.e.delay > 0 {
		time.Sleep(c.e.delay)
	}
	if c.e.failOut != nil {
		return pgconn.CommandTag{}, c.e.failOut
	}
	if _, err := io.WriteString(w, data); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", strings.Count(data, "\n"))), nil
}

func (c *memConn) CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	if c.e.failIn != nil {
		return pgconn.CommandTag{}, c.e.failIn
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return pgconn.CommandTag{}, err
	}
	c.e.mu.Lock()
	c.e.sql = append(c.e.sql, sql)
	c.e.in[sql] = buf.String()
	c.e.mu.Unlock()
	return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", strings.Count(buf.String(), "\n"))), nil
}

func TestCopySQL(t *testing.T) {
	tbl := table.New("app", "public", "orders")

	out, in := CopySQL(tbl, policy.Directive{Mode: policy.ExtractAll})
	assert.Equal(t, `COPY (SELECT * FROM "public"."orders") TO STDOUT`, out)
	assert.Equal(t, `COPY "public"."orders" FROM STDIN`, in)

	out, _ = CopySQL(tbl, policy.Directive{Mode: policy.ExtractFiltered, Filter: "status = 'open'"})
	assert.Equal(t, `COPY (SELECT * FROM "public"."orders" WHERE status = 'open') TO STDOUT`, out)
}

func TestCopier_AppliesPolicies(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, reg.AddSchemaOnly(table.New("app", "public", "audit")))
	require.NoError(t, reg.AddPredicateFilter(table.New("app", "public", "orders"), "status = 'open'"))
	reg.Seal()

	src, dst := newEndpoint(), newEndpoint()
	src.out[`"public"."orders"`] = "1\topen\n2\topen\n"
	src.out[`"public"."users"`] = "1\tann\n"
	src.out[`"public"."audit"`] = "x\n"

	var seen []string
	var mu sync.Mutex
	c := &Copier{Source: src, Target: dst, Registry: reg, Concurrency: 2, Logger: zerolog.Nop(),
		OnOutcome: func(o Outcome) {
			mu.Lock()
			seen = append(seen, o.Name)
			mu.Unlock()
		}}

	tables := []table.QualifiedTable{
		table.New("app", "public", "orders"),
		table.New("app", "public", "audit"),
		table.New("app", "public", "users"),
	}
	out, err := c.Run(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, `"public"."orders"`, out[0].Name)
	assert.Equal(t, policy.ExtractFiltered, out[0].Mode)
	assert.Equal(t, int64(2), out[0].Rows)
	assert.NoError(t, out[0].Err)

	assert.True(t, out[1].Skipped)
	assert.Equal(t, policy.ExtractNone, out[1].Mode)

	assert.Equal(t, int64(1), out[2].Rows)
	assert.Equal(t, policy.ExtractAll, out[2].Mode)

	assert.Equal(t, "1\topen\n2\topen\n", dst.in[`COPY "public"."orders" FROM STDIN`])
	assert.Equal(t, "1\tann\n", dst.in[`COPY "public"."users" FROM STDIN`])
	assert.NotContains(t, dst.in, `COPY "public"."audit" FROM STDIN`)
	assert.Contains(t, src.sql, `COPY (SELECT * FROM "public"."orders" WHERE status = 'open') TO STDOUT`)
	assert.ElementsMatch(t, []string{`"public"."orders"`, `"public"."audit"`, `"public"."users"`}, seen)

	assert.Equal(t, int32(0), src.active.Load())
	assert.Equal(t, int32(0), dst.active.Load())
}

func TestCopier_TimeWindowUsesAnchor(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, reg.AddTimeFilter(table.New("app", "public", "events"), "created_at", "7 days"))

	src := newEndpoint()
	c := &Copier{Source: src, Target: newEndpoint(), Registry: reg, Concurrency: 1,
		Anchor: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Logger: zerolog.Nop()}

	_, err := c.Run(context.Background(), []table.QualifiedTable{table.New("app", "public", "events")})
	require.NoError(t, err)
	require.Len(t, src.sql, 1)
	assert.Equal(t,
		`COPY (SELECT * FROM "public"."events" WHERE "created_at" >= TIMESTAMPTZ '2024-03-01T12:00:00Z' - INTERVAL '7 days') TO STDOUT`,
		src.sql[0])
}

func TestCopier_FailuresAreIsolated(t *testing.T) {
	src, dst := newEndpoint(), newEndpoint()
	dst.failIn = errors.New("duplicate key value violates unique constraint")

	c := &Copier{Source: src, Target: dst, Concurrency: 2, Logger: zerolog.Nop()}
	out, err := c.Run(context.Background(), []table.QualifiedTable{
		table.New("app", "public", "a"),
		table.New("app", "public", "b"),
	})
	require.NoError(t, err)
	for _, o := range out {
		assert.ErrorContains(t, o.Err, "target: duplicate key")
	}
}

func TestCopier_SourceFailure(t *testing.T) {
	src := newEndpoint()
	src.failOut = errors.New("relation does not exist")

	c := &Copier{Source: src, Target: newEndpoint(), Concurrency: 1, Logger: zerolog.Nop()}
	out, err := c.Run(context.Background(), []table.QualifiedTable{table.New("app", "public", "gone")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.ErrorContains(t, out[0].Err, "source: relation does not exist")
	assert.Equal(t, int64(0), out[0].Rows)
}

func TestCopier_BoundedConcurrency(t *testing.T) {
	src, dst := newEndpoint(), newEndpoint()
	src.delay = 20 * time.Millisecond

	var tables []table.QualifiedTable
	for i := range 8 {
		tables = append(tables, table.New("app", "public", fmt.Sprintf("t%d", i)))
	}

	c := &Copier{Source: src, Target: dst, Concurrency: 3, Logger: zerolog.Nop()}
	_, err := c.Run(context.Background(), tables)
	require.NoError(t, err)

	assert.LessOrEqual(t, src.peak.Load(), int32(3))
	assert.Equal(t, int32(8), src.acquired.Load())
}

func TestCopier_RequiresBound(t *testing.T) {
	c := &Copier{Source: newEndpoint(), Target: newEndpoint()}
	_, err := c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnbounded)
}
