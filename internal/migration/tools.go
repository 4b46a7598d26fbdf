// Package migration moves database objects and rows from the source to the
// target: globals and schema through the PostgreSQL client tools, table data
// through COPY.
package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ErrClientMissing reports that a PostgreSQL client binary is not on PATH.
var ErrClientMissing = errors.New("PostgreSQL client tools not found: install postgresql-client (apt), postgresql (brew) or postgresql (yum)")

// Runner executes an external program.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrClientMissing)
	}
	return strings.TrimSpace(stderr.String()), err
}

// Tools wraps pg_dump, pg_dumpall and psql.
type Tools struct {
	Runner Runner
	Logger zerolog.Logger
}

// NewTools returns Tools backed by os/exec.
func NewTools(logger zerolog.Logger) *Tools {
	return &Tools{Runner: ExecRunner{}, Logger: logger}
}

// DumpGlobals writes roles and tablespaces of the source cluster to path.
func (t *Tools) DumpGlobals(ctx context.Context, sourceURL, path string) error {
	t.Logger.Info().Str("file", path).Msg("dumping global objects")
	if err := t.run(ctx, "pg_dumpall", "--globals-only", "--no-role-passwords",
		"--dbname="+sourceURL, "--file="+path); err != nil {
		return fmt.Errorf("dumping globals: %w", err)
	}
	return nil
}

// Section selects part of a pg_dump schema.
type Section string

const (
	// PreData holds tables, types, sequences and functions.
	PreData Section = "pre-data"
	// PostData holds indexes, constraints, triggers and rules.
	PostData Section = "post-data"
)

// DumpSchema writes one section of the source database schema to path.
// Rows are never included.
func (t *Tools) DumpSchema(ctx context.Context, sourceURL, path string, section Section) error {
	t.Logger.Info().Str("file", path).Str("section", string(section)).Msg("dumping schema")
	if err := t.run(ctx, "pg_dump", "--section="+string(section), "--no-owner", "--no-privileges",
		"--dbname="+sourceURL, "--file="+path); err != nil {
		return fmt.Errorf("dumping schema %s: %w", section, err)
	}
	return nil
}

// RestoreGlobals replays a globals dump on the target. Failures such as
// existing roles are logged, not returned.
func (t *Tools) RestoreGlobals(ctx context.Context, targetURL, path string) error {
	t.Logger.Info().Str("file", path).Msg("restoring global objects")
	err := t.psql(ctx, targetURL, path, false)
	if errors.Is(err, ErrClientMissing) {
		return err
	}
	if err != nil {
		t.Logger.Warn().Err(err).Msg("some global objects were not restored")
		return nil
	}
	t.Logger.Info().Msg("global objects restored")
	return nil
}

// RestoreSchema replays a schema dump on the target.
func (t *Tools) RestoreSchema(ctx context.Context, targetURL, path string) error {
	t.Logger.Info().Str("file", path).Msg("restoring schema")
	if err := t.psql(ctx, targetURL, path, true); err != nil {
		return fmt.Errorf("restoring schema (does the target database exist and is it empty?): %w", err)
	}
	t.Logger.Info().Msg("schema restored")
	return nil
}

// RestoreData replays a data dump on the target.
func (t *Tools) RestoreData(ctx context.Context, targetURL, path string) error {
	t.Logger.Info().Str("file", path).Msg("restoring data")
	if err := t.psql(ctx, targetURL, path, true); err != nil {
		return fmt.Errorf("restoring data (check constraint violations and INSERT privileges): %w", err)
	}
	t.Logger.Info().Msg("data restored")
	return nil
}

func (t *Tools) psql(ctx context.Context, url, path string, stopOnError bool) error {
	args := []string{"--dbname=" + url, "--file=" + path, "--quiet"}
	if stopOnError {
		args = append(args, "--set=ON_ERROR_STOP=1")
	}
	return t.run(ctx, "psql", args...)
}

func (t *Tools) run(ctx context.Context, name string, args ...string) error {
	t.Logger.Debug().Str("program", name).Msg("running client tool")
	stderr, err := t.Runner.Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClientMissing) || stderr == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, stderr)
}
