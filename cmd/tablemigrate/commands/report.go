package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bfv/tablemigrate/internal/checksum"
	"github.com/bfv/tablemigrate/internal/migration"
)

const missing = "(not present)"

// printReport renders a checksum report as a fixed-column table followed by
// a per-status summary.
func printReport(w io.Writer, report *checksum.Report) {
	results := report.Sorted()
	if len(results) == 0 {
		fmt.Fprintln(w, "No tables to verify.")
		return
	}

	const (
		hTable  = "TABLE"
		hStatus = "STATUS"
		hSource = "SOURCE ROWS"
		hTarget = "TARGET ROWS"
		hDetail = "DETAIL"
	)

	rows := make([][4]string, len(results))
	wTable, wStatus, wSource, wTarget := len(hTable), len(hStatus), len(hSource), len(hTarget)
	for i, r := range results {
		src, dst := strconv.FormatInt(r.SourceRows, 10), strconv.FormatInt(r.TargetRows, 10)
		switch r.Status {
		case checksum.SourceOnly:
			dst = missing
		case checksum.TargetOnly:
			src = missing
		case checksum.Error:
			src, dst = "-", "-"
		}
		rows[i] = [4]string{r.Name, r.Status.String(), src, dst}
		wTable = max(wTable, len(r.Name))
		wStatus = max(wStatus, len(rows[i][1]))
		wSource = max(wSource, len(src))
		wTarget = max(wTarget, len(dst))
	}
	wTable += 2
	wStatus += 2
	wSource += 2
	wTarget += 2

	fmtRow := func(t, st, s, d, detail string) {
		fmt.Fprintf(w, "%-*s%-*s%-*s%-*s%s\n", wTable, t, wStatus, st, wSource, s, wTarget, d, detail)
	}

	fmtRow(hTable, hStatus, hSource, hTarget, hDetail)
	fmtRow(strings.Repeat("-", wTable-2), strings.Repeat("-", wStatus-2), strings.Repeat("-", wSource-2),
		strings.Repeat("-", wTarget-2), strings.Repeat("-", len(hDetail)))
	for i, r := range results {
		fmtRow(rows[i][0], rows[i][1], rows[i][2], rows[i][3], r.Reason)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, summarize(report))
}

// summarize returns e.g. "12 tables: 10 MATCH, 1 MISMATCH, 1 ERROR".
func summarize(report *checksum.Report) string {
	counts := report.Counts()
	parts := []string{}
	for _, st := range []checksum.Status{checksum.Match, checksum.Mismatch, checksum.SourceOnly, checksum.TargetOnly, checksum.Error} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	return fmt.Sprintf("%d tables: %s", len(report.Results), strings.Join(parts, ", "))
}

// printOutcomes renders copy outcomes as a fixed-column table.
func printOutcomes(w io.Writer, outcomes []migration.Outcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No tables copied.")
		return
	}

	const (
		hTable = "TABLE"
		hMode  = "MODE"
		hRows  = "ROWS"
		hError = "ERROR"
	)

	wTable, wMode, wRows := len(hTable), len(hMode), len(hRows)
	for _, o := range outcomes {
		wTable = max(wTable, len(o.Name))
		wMode = max(wMode, len(o.Mode.String()))
		wRows = max(wRows, len(strconv.FormatInt(o.Rows, 10)))
	}
	wTable += 2
	wMode += 2
	wRows += 2

	fmtRow := func(t, m, r, e string) {
		fmt.Fprintf(w, "%-*s%-*s%-*s%s\n", wTable, t, wMode, m, wRows, r, e)
	}

	fmtRow(hTable, hMode, hRows, hError)
	fmtRow(strings.Repeat("-", wTable-2), strings.Repeat("-", wMode-2), strings.Repeat("-", wRows-2), strings.Repeat("-", len(hError)))
	for _, o := range outcomes {
		rows := strconv.FormatInt(o.Rows, 10)
		if o.Skipped {
			rows = "-"
		}
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		fmtRow(o.Name, o.Mode.String(), rows, msg)
	}
}
