package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/checksum"
	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/postgres"
	"github.com/bfv/tablemigrate/internal/table"
)

// ErrVerificationFailed is returned when at least one table did not match.
var ErrVerificationFailed = errors.New("verification failed")

// NewVerifyCmd builds and returns the 'verify' cobra command.
func NewVerifyCmd(v *viper.Viper) *cobra.Command {
	var (
		outputFile    string
		anchor        string
		tables        []string
		allowMismatch bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare table checksums between source and target",
		Long: "Digest every table on both sides, honouring the policy file, and report\n" +
			"MATCH, MISMATCH, SOURCE ONLY, TARGET ONLY or ERROR per table. Pass the\n" +
			"anchor printed by 'migrate' so time windows select the same rows.",
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
			explicit, err := parseTables(tables)
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), s, at, explicit, allowMismatch, outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write output to file instead of stdout")
	cmd.Flags().StringVar(&anchor, "anchor", "", "Instant time windows are measured from (RFC 3339, default now() on each server)")
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "Verify only these tables (schema.table, repeatable)")
	cmd.Flags().BoolVar(&allowMismatch, "allow-mismatch", false, "Exit successfully even when tables differ")
	return cmd
}

// runVerify is the entry point for the verify command.
func runVerify(ctx context.Context, s config.Settings, anchor time.Time, explicit []table.QualifiedTable, allowMismatch bool, outputPath string) error {
	log.Debug().Str("policy", s.Policy).Time("anchor", anchor).Int("concurrency", s.Concurrency).Msg("verify started")

	reg, err := loadPolicy(s.Policy)
	if err != nil {
		return err
	}
	e, err := connect(ctx, s)
	if err != nil {
		return err
	}
	defer e.Close()

	tables, err := e.verificationTables(ctx, explicit)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	report, err := verifyTables(ctx, e, reg, s, anchor, tables)
	if err != nil {
		return err
	}

	if err := withOutput(outputPath, func(w io.Writer) error {
		return render(w, s.Format, report, func(w io.Writer) { printReport(w, report) })
	}); err != nil {
		return err
	}

	if report.Failed() {
		log.Warn().Str("run", report.RunID).Msg(summarize(report))
		if !allowMismatch {
			return ErrVerificationFailed
		}
	}
	return nil
}

// verifyTables runs the checksum engine with a progress bar.
func verifyTables(ctx context.Context, e *endpoints, reg *policy.Registry, s config.Settings, anchor time.Time, tables []table.QualifiedTable) (*checksum.Report, error) {
	bar := newProgress(len(tables), "verifying", s.Format == "table")
	defer func() { _ = bar.Finish() }()

	v := &checksum.Verifier{
		Source:      postgres.NewCluster(e.source),
		Target:      postgres.NewCluster(e.target),
		Registry:    reg,
		Concurrency: s.Concurrency,
		Timeout:     s.Timeout,
		Anchor:      anchor,
		Logger:      log.Logger,
		OnResult:    func(checksum.Result) { _ = bar.Add(1) },
	}
	report, err := v.Run(ctx, e.database, tables)
	if err != nil {
		return nil, fmt.Errorf("verifying: %w", err)
	}
	return report, nil
}
