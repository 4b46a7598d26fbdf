package checksum

import (
	"context"
	"errors"
	"fmt"

	"github.com/bfv/tablemigrate/internal/table"
)

// Status classifies the outcome of comparing one table.
type Status int

const (
	Match Status = iota
	Mismatch
	SourceOnly
	TargetOnly
	Error
)

var statusNames = map[Status]string{
	Match:      "MATCH",
	Mismatch:   "MISMATCH",
	SourceOnly: "SOURCE ONLY",
	TargetOnly: "TARGET ONLY",
	Error:      "ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// MarshalText renders the status for report files.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Side is the outcome of digesting a table on one cluster.
type Side struct {
	Digest Digest
	Found  bool
	Err    error
}

// Result is the verification outcome for one table. A Result with status
// Error says nothing about whether the data diverged.
type Result struct {
	Table        table.QualifiedTable `json:"-" yaml:"-"`
	Name         string               `json:"table" yaml:"table"`
	Status       Status               `json:"status" yaml:"status"`
	SourceDigest string               `json:"source_digest,omitempty" yaml:"source_digest,omitempty"`
	TargetDigest string               `json:"target_digest,omitempty" yaml:"target_digest,omitempty"`
	SourceRows   int64                `json:"source_rows" yaml:"source_rows"`
	TargetRows   int64                `json:"target_rows" yaml:"target_rows"`
	Reason       string               `json:"reason,omitempty" yaml:"reason,omitempty"`

	// DigestCollision marks equal digests over differing row counts.
	DigestCollision bool `json:"digest_collision,omitempty" yaml:"digest_collision,omitempty"`
}

// Failed reports whether the result should fail a migration.
func (r Result) Failed() bool {
	return r.Status != Match
}

// Compare classifies the digests of t taken on source and target.
func Compare(t table.QualifiedTable, source, target Side) Result {
	r := Result{
		Table:        t,
		Name:         t.Render(),
		SourceDigest: source.Digest.Value,
		TargetDigest: target.Digest.Value,
		SourceRows:   source.Digest.Rows,
		TargetRows:   target.Digest.Rows,
	}

	switch {
	case source.Err != nil || target.Err != nil:
		r.Status = Error
		r.Reason = errorReason(source.Err, target.Err)
	case source.Found && !target.Found:
		r.Status = SourceOnly
	case !source.Found && target.Found:
		r.Status = TargetOnly
	case !source.Found && !target.Found:
		r.Status = Error
		r.Reason = "missing on both sides"
	case source.Digest.Value == target.Digest.Value && source.Digest.Rows == target.Digest.Rows:
		r.Status = Match
	case source.Digest.Value == target.Digest.Value:
		r.Status = Mismatch
		r.DigestCollision = true
		r.Reason = "equal digests with different row counts"
	case source.Digest.Rows == target.Digest.Rows:
		r.Status = Mismatch
		r.Reason = "content differs"
	default:
		r.Status = Mismatch
		r.Reason = "row counts differ"
	}
	return r
}

func errorReason(source, target error) string {
	switch {
	case source != nil && target != nil:
		if isTimeout(source) && isTimeout(target) {
			return "timeout"
		}
		return fmt.Sprintf("source: %s; target: %s", describe(source), describe(target))
	case source != nil:
		if isTimeout(source) {
			return "timeout"
		}
		return "source: " + describe(source)
	default:
		if isTimeout(target) {
			return "timeout"
		}
		return "target: " + describe(target)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func describe(err error) string {
	if isTimeout(err) {
		return "timeout"
	}
	return err.Error()
}
