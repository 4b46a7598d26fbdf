package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/postgres"
)

// privilegeReport is the output of the check command.
type privilegeReport struct {
	Source privilegeSide `json:"source" yaml:"source"`
	Target privilegeSide `json:"target" yaml:"target"`
}

type privilegeSide struct {
	postgres.PrivilegeCheck `yaml:",inline"`
	Problem                 string `json:"problem,omitempty" yaml:"problem,omitempty"`
}

// NewCheckCmd builds and returns the 'check' cobra command.
func NewCheckCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the source and target roles can run a migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(v)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), s)
		},
	}
	return cmd
}

// runCheck is the entry point for the check command.
func runCheck(ctx context.Context, s config.Settings) error {
	e, err := connect(ctx, s)
	if err != nil {
		return err
	}
	defer e.Close()

	src, err := postgres.CheckPrivileges(ctx, e.source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := postgres.CheckPrivileges(ctx, e.target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	report, err := buildPrivilegeReport(src, dst)
	if rerr := render(os.Stdout, s.Format, report, func(w io.Writer) { printPrivileges(w, report) }); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}
	log.Info().Msg("source and target are ready")
	return nil
}

func buildPrivilegeReport(src, dst postgres.PrivilegeCheck) (privilegeReport, error) {
	report := privilegeReport{
		Source: privilegeSide{PrivilegeCheck: src},
		Target: privilegeSide{PrivilegeCheck: dst},
	}
	srcErr, dstErr := src.SourceReady(), dst.TargetReady()
	if srcErr != nil {
		report.Source.Problem = srcErr.Error()
	}
	if dstErr != nil {
		report.Target.Problem = dstErr.Error()
	}
	return report, errors.Join(srcErr, dstErr)
}

func printPrivileges(w io.Writer, r privilegeReport) {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	fmt.Fprintf(w, "%-14s%-10s%s\n", "ATTRIBUTE", "SOURCE", "TARGET")
	fmt.Fprintf(w, "%-14s%-10s%s\n", "-----------", "------", "------")
	fmt.Fprintf(w, "%-14s%-10s%s\n", "replication", yesNo(r.Source.Replication), yesNo(r.Target.Replication))
	fmt.Fprintf(w, "%-14s%-10s%s\n", "createdb", yesNo(r.Source.CreateDB), yesNo(r.Target.CreateDB))
	fmt.Fprintf(w, "%-14s%-10s%s\n", "createrole", yesNo(r.Source.CreateRole), yesNo(r.Target.CreateRole))
	fmt.Fprintf(w, "%-14s%-10s%s\n", "superuser", yesNo(r.Source.Superuser), yesNo(r.Target.Superuser))
	for _, p := range []string{r.Source.Problem, r.Target.Problem} {
		if p != "" {
			fmt.Fprintf(w, "\n%s\n", p)
		}
	}
}
