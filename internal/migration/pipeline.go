package migration

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/bfv/tablemigrate/internal/table"
)

// DataCopier moves table rows. *Copier implements it.
type DataCopier interface {
	Run(ctx context.Context, tables []table.QualifiedTable) ([]Outcome, error)
}

// Pipeline runs a migration in dependency order: globals, the pre-data
// schema, rows, then the post-data schema. Foreign keys, indexes and
// triggers only exist on the target once every row is in place.
type Pipeline struct {
	Tools     *Tools
	Data      DataCopier
	SourceURL string
	TargetURL string
	WorkDir   string

	SkipGlobals bool
	SkipSchema  bool

	// DataFile, when set, is a SQL data dump replayed with psql instead
	// of running Data.
	DataFile string

	Logger zerolog.Logger
}

// Run migrates tables. A table that fails to copy leaves the post-data
// section unrestored; its outcome carries the error.
func (p *Pipeline) Run(ctx context.Context, tables []table.QualifiedTable) ([]Outcome, error) {
	if !p.SkipGlobals {
		path := filepath.Join(p.WorkDir, "globals.sql")
		if err := p.Tools.DumpGlobals(ctx, p.SourceURL, path); err != nil {
			return nil, err
		}
		if err := p.Tools.RestoreGlobals(ctx, p.TargetURL, path); err != nil {
			return nil, err
		}
	}

	pre := filepath.Join(p.WorkDir, "schema-pre.sql")
	post := filepath.Join(p.WorkDir, "schema-post.sql")
	if !p.SkipSchema {
		if err := p.Tools.DumpSchema(ctx, p.SourceURL, pre, PreData); err != nil {
			return nil, err
		}
		if err := p.Tools.DumpSchema(ctx, p.SourceURL, post, PostData); err != nil {
			return nil, err
		}
		if err := p.Tools.RestoreSchema(ctx, p.TargetURL, pre); err != nil {
			return nil, err
		}
	}

	outcomes, err := p.copyData(ctx, tables)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			p.Logger.Warn().Str("table", o.Name).Msg("table failed; constraints and indexes not restored")
			return outcomes, nil
		}
	}

	if !p.SkipSchema {
		if err := p.Tools.RestoreSchema(ctx, p.TargetURL, post); err != nil {
			return outcomes, fmt.Errorf("adding constraints and indexes (filtered rows may break foreign keys): %w", err)
		}
	}
	return outcomes, nil
}

func (p *Pipeline) copyData(ctx context.Context, tables []table.QualifiedTable) ([]Outcome, error) {
	if p.DataFile != "" {
		if err := p.Tools.RestoreData(ctx, p.TargetURL, p.DataFile); err != nil {
			return nil, err
		}
		return nil, nil
	}
	outcomes, err := p.Data.Run(ctx, tables)
	if err != nil {
		return nil, fmt.Errorf("copying data: %w", err)
	}
	return outcomes, nil
}
