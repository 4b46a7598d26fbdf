package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bfv/tablemigrate/internal/table"
)

// Mode tells the extraction step which rows to read.
type Mode int

const (
	ExtractAll Mode = iota
	ExtractNone
	ExtractFiltered
)

func (m Mode) String() string {
	switch m {
	case ExtractAll:
		return "all rows"
	case ExtractNone:
		return "no rows"
	case ExtractFiltered:
		return "filtered"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode for YAML and JSON output.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Directive is the row selection handed to the data extraction step.
type Directive struct {
	Mode   Mode
	Filter string
}

// Directive resolves p into a row selection.
//
// Time windows are anchored at the given instant, which callers set to the
// start of the dump step. A zero anchor defers to now() on the server at the
// time the filter is evaluated, so two runs of the same configuration may
// select different rows.
func (p Policy) Directive(anchor time.Time) Directive {
	switch p.Kind {
	case SchemaOnly:
		return Directive{Mode: ExtractNone}
	case Predicate:
		return Directive{Mode: ExtractFiltered, Filter: p.Predicate}
	case TimeWindow:
		return Directive{Mode: ExtractFiltered, Filter: TimeWindowFilter(p.Column, p.Lookback, anchor)}
	default:
		return Directive{Mode: ExtractAll}
	}
}

// TimeWindowFilter renders `"column" >= anchor - INTERVAL 'lookback'`.
func TimeWindowFilter(column, lookback string, anchor time.Time) string {
	start := "now()"
	if !anchor.IsZero() {
		start = "TIMESTAMPTZ " + quoteLiteral(anchor.UTC().Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s >= %s - INTERVAL %s",
		pgx.Identifier{column}.Sanitize(), start, quoteLiteral(lookback))
}

// Where returns the boolean row filter, or "" when every row is selected.
// ExtractNone yields "false".
func (d Directive) Where() string {
	switch d.Mode {
	case ExtractNone:
		return "false"
	case ExtractFiltered:
		return d.Filter
	default:
		return ""
	}
}

// SelectSQL builds a query reading columns of t restricted by d. With
// asText every column is cast to text. No columns selects every column.
func (d Directive) SelectSQL(t table.QualifiedTable, columns []string, asText bool) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(columns) == 0 {
		sb.WriteString("*")
	}
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgx.Identifier{col}.Sanitize())
		if asText {
			sb.WriteString("::text")
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(t.Render())
	if where := d.Where(); where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	return sb.String()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
