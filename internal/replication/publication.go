// Package replication manages logical replication publications on the
// source database.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLSTATE codes that CreatePublication classifies.
const (
	codeDuplicateObject       = "42710"
	codeInsufficientPrivilege = "42501"
	codePrerequisiteState     = "55000"
)

// Execer runs statements and queries.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Manager creates and drops publications.
type Manager struct {
	db     Execer
	logger zerolog.Logger
}

// NewManager returns a Manager using db.
func NewManager(db Execer, logger zerolog.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// Create creates a publication for all tables. An existing publication with
// the same name is accepted.
func (m *Manager) Create(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("publication name must not be empty")
	}
	m.logger.Info().Str("publication", name).Msg("creating publication")

	query := fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pgx.Identifier{name}.Sanitize())
	if _, err := m.db.Exec(ctx, query); err != nil {
		if errors.Is(classify(name, err), errAlreadyExists) {
			m.logger.Info().Str("publication", name).Msg("publication already exists")
			return nil
		}
		return classify(name, err)
	}

	m.logger.Info().Str("publication", name).Msg("publication created")
	return nil
}

// List returns the publication names in the database, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	rows, err := m.db.Query(ctx, "SELECT pubname FROM pg_publication ORDER BY pubname")
	if err != nil {
		return nil, fmt.Errorf("listing publications: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing publications: %w", err)
	}
	return names, nil
}

// Drop removes a publication if it exists.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.logger.Info().Str("publication", name).Msg("dropping publication")

	query := fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	if _, err := m.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("dropping publication %q: %w", name, err)
	}

	m.logger.Info().Str("publication", name).Msg("publication dropped")
	return nil
}

var errAlreadyExists = errors.New("publication already exists")

// classify maps a CREATE PUBLICATION failure to an actionable error.
func classify(name string, err error) error {
	var pgErr *pgconn.PgError
	code, msg := "", err.Error()
	if errors.As(err, &pgErr) {
		code, msg = pgErr.Code, pgErr.Message
	}

	switch {
	case code == codeDuplicateObject || strings.Contains(msg, "already exists"):
		return errAlreadyExists
	case code == codeInsufficientPrivilege || strings.Contains(msg, "permission denied") || strings.Contains(msg, "must be owner"):
		return fmt.Errorf("permission denied creating publication %q: grant CREATE on the database or use a superuser: %w", name, err)
	case code == codePrerequisiteState || strings.Contains(msg, "wal_level") || strings.Contains(msg, "logical replication"):
		return fmt.Errorf("logical replication is not enabled for publication %q: set wal_level = logical on the source: %w", name, err)
	default:
		return fmt.Errorf("creating publication %q: %w", name, err)
	}
}
