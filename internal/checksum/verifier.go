package checksum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

// ErrUnbounded is returned when a Verifier has no concurrency limit.
var ErrUnbounded = errors.New("verification concurrency must be at least 1")

// Verifier digests tables on two clusters and compares them.
type Verifier struct {
	Source   Connector
	Target   Connector
	Registry *policy.Registry

	// Concurrency bounds the number of tables verified at once. Each table
	// holds one connection per side while it is scanned.
	Concurrency int

	// Timeout bounds a single table's verification; zero disables it.
	Timeout time.Duration

	// Anchor is the instant time-window filters are evaluated against. Zero
	// defers to now() on each side.
	Anchor time.Time

	Logger zerolog.Logger

	// OnResult, if set, is called once per finished table. It may be called
	// from several goroutines at once.
	OnResult func(Result)
}

// Report collects the results of one checksum run, keyed by rendered table
// name.
type Report struct {
	RunID    string            `json:"run_id" yaml:"run_id"`
	Database string            `json:"database" yaml:"database"`
	Started  time.Time         `json:"started" yaml:"started"`
	Finished time.Time         `json:"finished" yaml:"finished"`
	Results  map[string]Result `json:"results" yaml:"results"`
}

// Sorted returns the results ordered by table name.
func (r *Report) Sorted() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of results per status.
func (r *Report) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// Failed reports whether any table did not match.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Failed() {
			return true
		}
	}
	return false
}

// Run verifies tables of database. It always returns one result per distinct
// table; individual failures are recorded with status Error. The returned
// error is only set when the run could not start.
func (v *Verifier) Run(ctx context.Context, database string, tables []table.QualifiedTable) (*Report, error) {
	if v.Concurrency < 1 {
		return nil, ErrUnbounded
	}
	if v.Source == nil || v.Target == nil {
		return nil, fmt.Errorf("verifier needs both a source and a target connector")
	}

	report := &Report{
		RunID:    uuid.NewString(),
		Database: database,
		Started:  time.Now().UTC(),
		Results:  make(map[string]Result, len(tables)),
	}
	logger := v.Logger.With().Str("run", report.RunID).Str("database", database).Logger()
	logger.Debug().Int("tables", len(tables)).Int("concurrency", v.Concurrency).Msg("checksum run started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.Concurrency)

	seen := map[string]bool{}
	for _, t := range tables {
		t = t.WithDatabase(database)
		if seen[t.Render()] {
			continue
		}
		seen[t.Render()] = true

		g.Go(func() error {
			res := v.verifyTable(gctx, t)
			logger.Debug().
				Str("table", res.Name).
				Str("status", res.Status.String()).
				Int64("sourceRows", res.SourceRows).
				Int64("targetRows", res.TargetRows).
				Str("reason", res.Reason).
				Msg("table verified")

			mu.Lock()
			report.Results[res.Name] = res
			mu.Unlock()

			if v.OnResult != nil {
				v.OnResult(res)
			}
			// A failed table never cancels the others.
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = time.Now().UTC()
	logger.Debug().Dur("elapsed", report.Finished.Sub(report.Started)).Msg("checksum run complete")
	return report, nil
}

func (v *Verifier) verifyTable(ctx context.Context, t table.QualifiedTable) Result {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	d := policy.Directive{Mode: policy.ExtractAll}
	if v.Registry != nil {
		d = v.Registry.ResolveTable(t).Directive(v.Anchor)
	}

	var source, target Side
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		source = digestSide(ctx, v.Source, t, d)
	}()
	go func() {
		defer wg.Done()
		target = digestSide(ctx, v.Target, t, d)
	}()
	wg.Wait()

	return Compare(t, source, target)
}

func digestSide(ctx context.Context, c Connector, t table.QualifiedTable, d policy.Directive) Side {
	h, err := c.Acquire(ctx)
	if err != nil {
		return Side{Err: fmt.Errorf("acquiring connection: %w", err)}
	}
	defer h.Release()

	digest, err := Compute(ctx, h, t, d)
	switch {
	case errors.Is(err, ErrTableNotFound):
		return Side{}
	case err != nil:
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return Side{Err: err}
	default:
		return Side{Digest: digest, Found: true}
	}
}
