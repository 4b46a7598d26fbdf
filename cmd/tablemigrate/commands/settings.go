package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bfv/tablemigrate/internal/config"
	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/postgres"
	"github.com/bfv/tablemigrate/internal/table"
)

// BindSettingsFlags registers the shared connection and tuning flags on fs
// and binds them into v, so flags override TABLEMIGRATE_* variables and the
// settings file.
func BindSettingsFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(config.KeySource, "", "Source connection string")
	fs.String(config.KeyTarget, "", "Target connection string")
	fs.String(config.KeyPolicy, "", "Table policy file (.toml or .yaml)")
	fs.Int(config.KeyConcurrency, config.DefaultConcurrency, "Tables processed at once")
	fs.Duration(config.KeyTimeout, config.DefaultTimeout, "Per-table timeout (0 disables)")
	fs.String(config.KeyWorkDir, "", "Directory for dump files (default: a temporary directory)")
	fs.String(config.KeyFormat, config.DefaultFormat, "Output format: table, json or yaml")

	for _, key := range []string{
		config.KeySource, config.KeyTarget, config.KeyPolicy, config.KeyConcurrency,
		config.KeyTimeout, config.KeyWorkDir, config.KeyFormat,
	} {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("binding flag %s: %w", key, err)
		}
	}
	return nil
}

// loadPolicy reads the policy file, or returns an empty sealed registry when
// none is configured.
func loadPolicy(path string) (*policy.Registry, error) {
	if path == "" {
		reg := policy.NewRegistry()
		reg.Seal()
		log.Debug().Msg("no policy file, every table is copied in full")
		return reg, nil
	}
	reg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	log.Debug().Str("path", path).Int("policies", reg.Len()).Msg("policy loaded")
	return reg, nil
}

// parseAnchor parses an RFC 3339 instant. Empty yields the zero time.
func parseAnchor(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing anchor %q (want RFC 3339, e.g. 2024-03-01T12:00:00Z): %w", s, err)
	}
	return t.UTC(), nil
}

// parseTables parses --table values.
func parseTables(values []string) ([]table.QualifiedTable, error) {
	out := make([]table.QualifiedTable, 0, len(values))
	for _, v := range values {
		t, err := table.Parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// endpoints holds the two pools of a source/target command.
type endpoints struct {
	database string
	source   *pgxpool.Pool
	target   *pgxpool.Pool
}

func (e *endpoints) Close() {
	if e.source != nil {
		e.source.Close()
	}
	if e.target != nil {
		e.target.Close()
	}
}

// connect opens both pools sized for s.Concurrency.
func connect(ctx context.Context, s config.Settings) (*endpoints, error) {
	if err := s.RequireSource(); err != nil {
		return nil, err
	}
	if err := s.RequireTarget(); err != nil {
		return nil, err
	}
	database, err := postgres.DatabaseName(s.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	e := &endpoints{database: database}
	if e.source, err = postgres.Connect(ctx, s.Source, s.Concurrency); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if e.target, err = postgres.Connect(ctx, s.Target, s.Concurrency); err != nil {
		e.Close()
		return nil, fmt.Errorf("target: %w", err)
	}
	log.Debug().Str("database", database).Int("maxConns", s.Concurrency).Msg("connected")
	return e, nil
}

// side is one endpoint that tables are listed from.
type side struct {
	name string
	q    postgres.Querier
}

// migrationTables returns the tables to copy. Only the source is listed.
func (e *endpoints) migrationTables(ctx context.Context, explicit []table.QualifiedTable) ([]table.QualifiedTable, error) {
	return selectTables(ctx, e.database, explicit, side{"source", e.source})
}

// verificationTables returns the tables to compare: the union of both
// sides, so tables present on one side only are reported.
func (e *endpoints) verificationTables(ctx context.Context, explicit []table.QualifiedTable) ([]table.QualifiedTable, error) {
	return selectTables(ctx, e.database, explicit, side{"source", e.source}, side{"target", e.target})
}

// selectTables returns the explicit tables scoped to database, or the
// sorted union of the user tables listed on sides.
func selectTables(ctx context.Context, database string, explicit []table.QualifiedTable, sides ...side) ([]table.QualifiedTable, error) {
	if len(explicit) > 0 {
		out := make([]table.QualifiedTable, len(explicit))
		for i, t := range explicit {
			out[i] = t.WithDatabase(database)
		}
		return out, nil
	}

	seen := map[table.QualifiedTable]bool{}
	var out []table.QualifiedTable
	for _, sd := range sides {
		listed, err := postgres.ListTables(ctx, sd.q, database)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sd.name, err)
		}
		for _, t := range listed {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	table.Sort(out)
	return out, nil
}
