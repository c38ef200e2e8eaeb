package audit

import "time"

// Outcome constants for MergeExecution.
const (
	OutcomeMerged   = "merged"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder records merge execution audit trails.
type Recorder interface {
	RecordMerge(entry MergeExecution) error
	Close() error
}

// MergeExecution represents one merge call made by a host.
type MergeExecution struct {
	ID         int64
	Timestamp  time.Time
	RequestID  string
	PolicyName string
	Outcome    string // merged|rejected|error
	Reason     string // operational errors only; violations go in Violations
	SourceKeys int    // top-level keys in the source tree
	DurationMs int64
	Violations []ViolationRow
}

// ViolationRow represents one violation recorded for a merge execution.
type ViolationRow struct {
	ID      int64
	MergeID int64
	Seq     int
	Path    string
	Kind    string
	Detail  string // truncated to maxDetailLen bytes
}

// AuditStats holds aggregate statistics from the audit database.
type AuditStats struct {
	TotalMerges    int64
	CountByOutcome map[string]int64
	AvgDurationMs  float64
	OldestEntry    time.Time
	NewestEntry    time.Time
}

// TruncateDetail truncates s to max bytes, appending "..." if truncated.
func TruncateDetail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
