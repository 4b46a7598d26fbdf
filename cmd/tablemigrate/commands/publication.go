package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/postgres"
	"github.com/bfv/tablemigrate/internal/replication"
)

// NewPublicationCmd builds and returns the 'publication' cobra command and
// its create, list and drop subcommands.
func NewPublicationCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publication",
		Short: "Manage logical replication publications on the source",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a publication for all tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublications(cmd.Context(), v, func(ctx context.Context, m *replication.Manager, _ string) error {
				return m.Create(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List publications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublications(cmd.Context(), v, func(ctx context.Context, m *replication.Manager, format string) error {
				names, err := m.List(ctx)
				if err != nil {
					return err
				}
				return render(os.Stdout, format, names, func(w io.Writer) {
					for _, n := range names {
						fmt.Fprintln(w, n)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a publication if it exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublications(cmd.Context(), v, func(ctx context.Context, m *replication.Manager, _ string) error {
				return m.Drop(ctx, args[0])
			})
		},
	})

	return cmd
}

// withPublications connects to the source and calls fn with a Manager.
func withPublications(ctx context.Context, v *viper.Viper, fn func(context.Context, *replication.Manager, string) error) error {
	s, err := config.LoadSettings(v)
	if err != nil {
		return err
	}
	if err := s.RequireSource(); err != nil {
		return err
	}
	pool, err := postgres.Connect(ctx, s.Source, 1)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer pool.Close()

	return fn(ctx, replication.NewManager(pool, log.Logger), s.Format)
}
