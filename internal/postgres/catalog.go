package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bfv/tablemigrate/internal/checksum"
	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

const listTablesSQL = `
SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
  AND table_schema NOT LIKE 'pg\_toast%'
ORDER BY table_schema, table_name`

const tableExistsSQL = `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_type = 'BASE TABLE'
    AND table_schema = $1 AND table_name = $2
)`

const tableColumnsSQL = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY column_name`

// ListTables returns the user tables visible through q, scoped to database.
func ListTables(ctx context.Context, q Querier, database string) ([]table.QualifiedTable, error) {
	rows, err := q.Query(ctx, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (table.QualifiedTable, error) {
		var schema, name string
		err := row.Scan(&schema, &name)
		return table.New(database, schema, name), err
	})
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	return tables, nil
}

// TableColumns returns the column names of t sorted by name, or
// checksum.ErrTableNotFound.
func TableColumns(ctx context.Context, q Querier, t table.QualifiedTable) ([]string, error) {
	var exists bool
	if err := q.QueryRow(ctx, tableExistsSQL, t.Schema, t.Name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("looking up %s: %w", t.Render(), err)
	}
	if !exists {
		return nil, checksum.ErrTableNotFound
	}

	rows, err := q.Query(ctx, tableColumnsSQL, t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", t.Render(), err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", t.Render(), err)
	}
	return columns, nil
}

// ScanText streams columns of t as text, restricted by where.
func ScanText(ctx context.Context, q Querier, t table.QualifiedTable, columns []string, where string, fn func([]*string) error) error {
	d := policy.Directive{Mode: policy.ExtractAll}
	if where != "" {
		d = policy.Directive{Mode: policy.ExtractFiltered, Filter: where}
	}

	rows, err := q.Query(ctx, d.SelectSQL(t, columns, true))
	if err != nil {
		return err
	}
	defer rows.Close()

	values := make([]*string, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	return rows.Err()
}
