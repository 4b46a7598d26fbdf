package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/checksum"
	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/migration"
	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/postgres"
	"github.com/bfv/tablemigrate/internal/table"
)

// migrateOptions are the flags of the migrate command.
type migrateOptions struct {
	outputFile  string
	skipGlobals bool
	skipSchema  bool
	skipChecks  bool
	verify      bool
	dataFile    string
	tables      []string
}

// migrateSummary is the machine-readable result of a migration.
type migrateSummary struct {
	Database string              `json:"database" yaml:"database"`
	Anchor   time.Time           `json:"anchor" yaml:"anchor"`
	Tables   []migration.Outcome `json:"tables" yaml:"tables"`
	Failed   []string            `json:"failed,omitempty" yaml:"failed,omitempty"`
	DataFile string              `json:"dataFile,omitempty" yaml:"dataFile,omitempty"`

	Verification *checksum.Report `json:"verification,omitempty" yaml:"verification,omitempty"`
}

// NewMigrateCmd builds and returns the 'migrate' cobra command.
func NewMigrateCmd(v *viper.Viper) *cobra.Command {
	var opts migrateOptions

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy globals, schema and policy-filtered data from source to target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(v)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), s, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.outputFile, "output", "o", "", "Write output to file instead of stdout")
	cmd.Flags().BoolVar(&opts.skipGlobals, "skip-globals", false, "Do not copy roles and tablespaces")
	cmd.Flags().BoolVar(&opts.skipSchema, "skip-schema", false, "Do not copy the schema; the target already has it")
	cmd.Flags().BoolVar(&opts.skipChecks, "skip-checks", false, "Do not check role privileges before starting")
	cmd.Flags().BoolVar(&opts.verify, "verify", false, "Verify checksums after copying")
	cmd.Flags().StringVar(&opts.dataFile, "data-file", "", "Replay this SQL data dump with psql instead of copying rows")
	cmd.Flags().StringSliceVarP(&opts.tables, "table", "t", nil, "Copy only these tables (schema.table, repeatable)")
	return cmd
}

// runMigrate is the entry point for the migrate command.
func runMigrate(ctx context.Context, s config.Settings, opts migrateOptions) error {
	log.Debug().Str("policy", s.Policy).Str("workDir", s.WorkDir).Msg("migrate started")

	reg, err := loadPolicy(s.Policy)
	if err != nil {
		return err
	}
	explicit, err := parseTables(opts.tables)
	if err != nil {
		return err
	}

	e, err := connect(ctx, s)
	if err != nil {
		return err
	}
	defer e.Close()

	if !opts.skipChecks {
		if err := checkEndpoints(ctx, e); err != nil {
			return err
		}
	}

	workDir, cleanup, err := prepareWorkDir(s.WorkDir)
	if err != nil {
		return err
	}
	defer cleanup()

	tables, err := e.migrationTables(ctx, explicit)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	for _, name := range reg.ListSchemaOnly(e.database) {
		log.Info().Str("table", name).Msg("schema only, data skipped")
	}

	if opts.dataFile != "" && reg.Len() > 0 {
		log.Warn().Str("file", opts.dataFile).Msg("data file is replayed as is; table policies do not apply")
	}

	// Time windows on both copy and verify are measured from here.
	anchor := time.Now().UTC()
	log.Info().Str("anchor", anchor.Format(time.RFC3339Nano)).Msg("pass this anchor to verify")

	outcomes, err := runPipeline(ctx, e, reg, s, anchor, workDir, opts, tables)
	if err != nil {
		return err
	}
	summary := newMigrateSummary(e.database, anchor, outcomes)
	summary.DataFile = opts.dataFile

	if opts.verify && len(summary.Failed) == 0 {
		verifyList, err := e.verificationTables(ctx, explicit)
		if err != nil {
			return fmt.Errorf("listing tables: %w", err)
		}
		if summary.Verification, err = verifyTables(ctx, e, reg, s, anchor, verifyList); err != nil {
			return err
		}
	}

	if err := withOutput(opts.outputFile, func(w io.Writer) error {
		return render(w, s.Format, summary, func(w io.Writer) { printMigrateSummary(w, summary) })
	}); err != nil {
		return err
	}

	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d of %d tables failed to copy", len(summary.Failed), len(outcomes))
	}
	if summary.Verification != nil && summary.Verification.Failed() {
		return ErrVerificationFailed
	}

	log.Info().Int("tables", len(outcomes)).Msg("migration complete")
	return nil
}

// newMigrateSummary collects outcomes and the names of failed tables.
func newMigrateSummary(database string, anchor time.Time, outcomes []migration.Outcome) migrateSummary {
	summary := migrateSummary{Database: database, Anchor: anchor, Tables: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			summary.Failed = append(summary.Failed, o.Name)
		}
	}
	return summary
}

// printMigrateSummary writes the copy outcomes followed by the
// verification report, if any.
func printMigrateSummary(w io.Writer, summary migrateSummary) {
	if summary.DataFile != "" {
		fmt.Fprintf(w, "Rows restored from %s.\n", summary.DataFile)
	} else {
		printOutcomes(w, summary.Tables)
	}
	fmt.Fprintf(w, "\nanchor: %s\n", summary.Anchor.Format(time.RFC3339Nano))
	if summary.Verification != nil {
		fmt.Fprintln(w)
		printReport(w, summary.Verification)
	}
}

// checkEndpoints fails early when either role lacks the attributes the
// migration needs.
func checkEndpoints(ctx context.Context, e *endpoints) error {
	src, err := postgres.CheckPrivileges(ctx, e.source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := postgres.CheckPrivileges(ctx, e.target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return errors.Join(src.SourceReady(), dst.TargetReady())
}

// prepareWorkDir returns dir, creating it if needed, or a temporary
// directory removed by the returned cleanup.
func prepareWorkDir(dir string) (string, func(), error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("creating work dir: %w", err)
		}
		return dir, func() {}, nil
	}
	tmp, err := os.MkdirTemp("", "tablemigrate-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating work dir: %w", err)
	}
	log.Debug().Str("path", tmp).Msg("using temporary work dir")
	return tmp, func() { _ = os.RemoveAll(tmp) }, nil
}

// runPipeline copies globals, schema and rows in dependency order, with a
// progress bar over the tables.
func runPipeline(ctx context.Context, e *endpoints, reg *policy.Registry, s config.Settings, anchor time.Time, workDir string, opts migrateOptions, tables []table.QualifiedTable) ([]migration.Outcome, error) {
	bar := newProgress(len(tables), "copying", s.Format == "table" && opts.dataFile == "")
	defer func() { _ = bar.Finish() }()

	p := &migration.Pipeline{
		Tools: migration.NewTools(log.Logger),
		Data:  &migration.Copier{
			Source:      migration.PoolEndpoint{Pool: e.source},
			Target:      migration.PoolEndpoint{Pool: e.target},
			Registry:    reg,
			Concurrency: s.Concurrency,
			Timeout:     s.Timeout,
			Anchor:      anchor,
			Logger:      log.Logger,
			OnOutcome:   func(migration.Outcome) { _ = bar.Add(1) },
		},
		SourceURL:   s.Source,
		TargetURL:   s.Target,
		WorkDir:     workDir,
		SkipGlobals: opts.skipGlobals,
		SkipSchema:  opts.skipSchema,
		DataFile:    opts.dataFile,
		Logger:      log.Logger,
	}
	return p.Run(ctx, tables)
}
