package main

import (
	"errors"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bfv/tablemigrate/cmd/tablemigrate/commands"
	"github.com/bfv/tablemigrate/internal/config"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// If not set (e.g., via go install), it will be determined from build info.
var version = "dev"

func init() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
}

func main() {
	var (
		verbose      bool
		logFormat    string
		envFile      string
		settingsFile string
	)
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "tablemigrate",
		Short:         "Migrate PostgreSQL databases with per-table data policies and verify them by checksum",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := commands.InitLogging(verbose, logFormat); err != nil {
				return err
			}
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			return config.ReadSettingsFile(v, settingsFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	flags.StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	flags.StringVar(&envFile, "env-file", ".env", "Load TABLEMIGRATE_* variables from this file if it exists")
	flags.StringVar(&settingsFile, "config", "", "Settings file (yaml, toml or json)")
	if err := commands.BindSettingsFlags(flags, v); err != nil {
		log.Fatal().Err(err).Msg("binding flags")
	}

	rootCmd.AddCommand(commands.NewPlanCmd(v))
	rootCmd.AddCommand(commands.NewVerifyCmd(v))
	rootCmd.AddCommand(commands.NewMigrateCmd(v))
	rootCmd.AddCommand(commands.NewCheckCmd(v))
	rootCmd.AddCommand(commands.NewPublicationCmd(v))

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, commands.ErrVerificationFailed) {
			os.Exit(2)
		}
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}
