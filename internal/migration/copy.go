package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

// ErrUnbounded is returned when a Copier has no concurrency limit.
var ErrUnbounded = errors.New("copy concurrency must be at least 1")

// CopyConn is the COPY subset of *pgconn.PgConn.
type CopyConn interface {
	CopyTo(ctx context.Context, w io.Writer, sql string) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)
}

// Endpoint hands out connections able to run COPY. The returned func
// releases the connection.
type Endpoint interface {
	AcquireCopy(ctx context.Context) (CopyConn, func(), error)
}

// PoolEndpoint adapts a pgx pool to Endpoint.
type PoolEndpoint struct {
	Pool *pgxpool.Pool
}

func (p PoolEndpoint) AcquireCopy(ctx context.Context) (CopyConn, func(), error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn.Conn().PgConn(), conn.Release, nil
}

// Outcome is the result of copying one table.
type Outcome struct {
	Table    table.QualifiedTable `json:"-" yaml:"-"`
	Name     string               `json:"table" yaml:"table"`
	Mode     policy.Mode          `json:"mode" yaml:"mode"`
	Rows     int64                `json:"rows" yaml:"rows"`
	Skipped  bool                 `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Duration time.Duration        `json:"duration" yaml:"duration"`
	Error    string               `json:"error,omitempty" yaml:"error,omitempty"`
	Err      error                `json:"-" yaml:"-"`
}

// Copier streams table rows from Source to Target, selecting rows with each
// table's policy.
type Copier struct {
	Source      Endpoint
	Target      Endpoint
	Registry    *policy.Registry
	Concurrency int

	// Timeout bounds a single table's copy; zero disables it.
	Timeout time.Duration

	Anchor    time.Time
	Logger    zerolog.Logger
	OnOutcome func(Outcome)
}

// Run copies tables, no more than Concurrency at a time. A failing table
// does not stop the others; outcomes are returned in input order.
func (c *Copier) Run(ctx context.Context, tables []table.QualifiedTable) ([]Outcome, error) {
	if c.Concurrency < 1 {
		return nil, ErrUnbounded
	}

	out := make([]Outcome, len(tables))
	var g errgroup.Group
	g.SetLimit(c.Concurrency)
	for i, t := range tables {
		g.Go(func() error {
			o := c.copyTable(ctx, t)
			out[i] = o
			if c.OnOutcome != nil {
				c.OnOutcome(o)
			}
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}

func (c *Copier) copyTable(ctx context.Context, t table.QualifiedTable) Outcome {
	d := policy.Policy{Kind: policy.Full}.Directive(c.Anchor)
	if c.Registry != nil {
		d = c.Registry.ResolveTable(t).Directive(c.Anchor)
	}
	o := Outcome{Table: t, Name: t.Render(), Mode: d.Mode}
	logger := c.Logger.With().Str("table", o.Name).Str("mode", d.Mode.String()).Logger()

	if d.Mode == policy.ExtractNone {
		o.Skipped = true
		logger.Debug().Msg("schema only, no rows copied")
		return o
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := c.stream(ctx, t, d)
	o.Rows, o.Err, o.Duration = rows, err, time.Since(start)
	if err != nil {
		o.Error = err.Error()
		logger.Error().Err(err).Msg("copy failed")
		return o
	}
	logger.Info().Int64("rows", rows).Dur("duration", o.Duration).Msg("table copied")
	return o
}

// stream pipes COPY TO STDOUT on the source into COPY FROM STDIN on the
// target.
func (c *Copier) stream(ctx context.Context, t table.QualifiedTable, d policy.Directive) (int64, error) {
	src, releaseSrc, err := c.Source.AcquireCopy(ctx)
	if err != nil {
		return 0, fmt.Errorf("source: %w", err)
	}
	defer releaseSrc()

	dst, releaseDst, err := c.Target.AcquireCopy(ctx)
	if err != nil {
		return 0, fmt.Errorf("target: %w", err)
	}
	defer releaseDst()

	copyOut, copyIn := CopySQL(t, d)

	pr, pw := io.Pipe()
	sourceErr := make(chan error, 1)
	go func() {
		_, err := src.CopyTo(ctx, pw, copyOut)
		pw.CloseWithError(err)
		sourceErr <- err
	}()

	in := &pipeReader{r: pr}
	tag, targetErr := dst.CopyFrom(ctx, in, copyIn)
	pr.CloseWithError(targetErr)
	srcErr := <-sourceErr

	switch {
	case in.err != nil && srcErr != nil:
		return 0, fmt.Errorf("source: %w", srcErr)
	case targetErr != nil:
		return 0, fmt.Errorf("target: %w", targetErr)
	case srcErr != nil:
		return 0, fmt.Errorf("source: %w", srcErr)
	}
	return tag.RowsAffected(), nil
}

// pipeReader remembers a failed read, which means the source side aborted.
type pipeReader struct {
	r   io.Reader
	err error
}

func (p *pipeReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		p.err = err
	}
	return n, err
}

// CopySQL returns the COPY statements reading t from the source and
// writing it to the target.
func CopySQL(t table.QualifiedTable, d policy.Directive) (copyOut, copyIn string) {
	copyOut = fmt.Sprintf("COPY (%s) TO STDOUT", d.SelectSQL(t, nil, false))
	copyIn = fmt.Sprintf("COPY %s FROM STDIN", t.Render())
	return copyOut, copyIn
}
