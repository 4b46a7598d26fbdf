package commands

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/postgres"
	"github.com/bfv/tablemigrate/internal/table"
)

// planEntry is one table of a plan.
type planEntry struct {
	Database string      `json:"database" yaml:"database"`
	Table    string      `json:"table" yaml:"table"`
	Policy   policy.Kind `json:"policy" yaml:"policy"`
	Mode     policy.Mode `json:"mode" yaml:"mode"`
	Filter   string      `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// NewPlanCmd builds and returns the 'plan' cobra command.
func NewPlanCmd(v *viper.Viper) *cobra.Command {
	var outputFile, anchor string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how each table will be extracted",
		Long: "Resolve the policy file into per-table row selections. With --source, every\n" +
			"user table of the source database is listed, including those copied in full.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(v)
			if err != nil {
				return err
			}
			at, err := parseAnchor(anchor)
			if err != nil {
				return err
			}
			return runPlan(cmd.Context(), s, at, outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write output to file instead of stdout")
	cmd.Flags().StringVar(&anchor, "anchor", "", "Instant time windows are measured from (RFC 3339, default now() on the server)")
	return cmd
}

// runPlan is the entry point for the plan command.
func runPlan(ctx context.Context, s config.Settings, anchor time.Time, outputPath string) error {
	log.Debug().Str("policy", s.Policy).Str("output", outputPath).Msg("plan started")

	reg, err := loadPolicy(s.Policy)
	if err != nil {
		return err
	}

	var tables []table.QualifiedTable
	if s.Source != "" {
		database, err := postgres.DatabaseName(s.Source)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		pool, err := postgres.Connect(ctx, s.Source, 1)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		defer pool.Close()
		if tables, err = postgres.ListTables(ctx, pool, database); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}

	entries := buildPlan(reg, tables, anchor)
	log.Debug().Int("tables", len(entries)).Msg("plan complete")

	return withOutput(outputPath, func(w io.Writer) error {
		return render(w, s.Format, entries, func(w io.Writer) { printPlanTable(w, entries) })
	})
}

// buildPlan resolves every registered table plus the given tables. Entries
// are ordered by database, then table.
func buildPlan(reg *policy.Registry, tables []table.QualifiedTable, anchor time.Time) []planEntry {
	seen := map[table.QualifiedTable]bool{}
	var all []table.QualifiedTable
	for _, db := range reg.Databases() {
		for _, e := range reg.Entries(db) {
			seen[e.Table] = true
			all = append(all, e.Table)
		}
	}
	for _, t := range tables {
		if !seen[t] {
			seen[t] = true
			all = append(all, t)
		}
	}

	table.Sort(all)
	// Sort orders by rendered name first; group by database for output.
	byDB := map[string][]table.QualifiedTable{}
	var dbs []string
	for _, t := range all {
		if _, ok := byDB[t.Database]; !ok {
			dbs = append(dbs, t.Database)
		}
		byDB[t.Database] = append(byDB[t.Database], t)
	}
	slices.Sort(dbs)

	var out []planEntry
	for _, db := range dbs {
		for _, t := range byDB[db] {
			p := reg.ResolveTable(t)
			d := p.Directive(anchor)
			out = append(out, planEntry{
				Database: t.Database,
				Table:    t.Render(),
				Policy:   p.Kind,
				Mode:     d.Mode,
				Filter:   d.Filter,
			})
		}
	}
	return out
}

// printPlanTable renders the plan as a fixed-column table.
func printPlanTable(w io.Writer, entries []planEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No table policies configured; every table is copied in full.")
		return
	}

	const (
		hDatabase = "DATABASE"
		hTable    = "TABLE"
		hPolicy   = "POLICY"
		hFilter   = "FILTER"
	)

	wDatabase, wTable, wPolicy := len(hDatabase), len(hTable), len(hPolicy)
	for _, e := range entries {
		wDatabase = max(wDatabase, len(e.Database))
		wTable = max(wTable, len(e.Table))
		wPolicy = max(wPolicy, len(e.Policy.String()))
	}
	wDatabase += 2
	wTable += 2
	wPolicy += 2

	fmtRow := func(d, t, p, f string) {
		fmt.Fprintf(w, "%-*s%-*s%-*s%s\n", wDatabase, d, wTable, t, wPolicy, p, f)
	}

	fmtRow(hDatabase, hTable, hPolicy, hFilter)
	fmtRow(strings.Repeat("-", wDatabase-2), strings.Repeat("-", wTable-2), strings.Repeat("-", wPolicy-2), strings.Repeat("-", len(hFilter)))

	for _, e := range entries {
		filter := e.Filter
		switch e.Mode {
		case policy.ExtractAll:
			filter = "(all rows)"
		case policy.ExtractNone:
			filter = "(no rows)"
		}
		fmtRow(e.Database, e.Table, e.Policy.String(), filter)
	}
}
