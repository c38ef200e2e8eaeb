package audit

import (
	"database/sql"
	"fmt"
	"time"
)

const tsFormat = "2006-01-02T15:04:05.000"

// ListMerges returns merge executions with optional filtering by policy name
// and outcome. Results are ordered by timestamp descending (newest first).
func ListMerges(db *sql.DB, limit, offset int, filterPolicy, filterOutcome string) ([]MergeExecution, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: ListMerges called with nil db")
	}

	query := "SELECT id, timestamp, request_id, policy_name, outcome, reason, source_keys, duration_ms FROM merge_executions WHERE 1=1"
	var args []any

	if filterPolicy != "" {
		query += " AND policy_name = ?"
		args = append(args, filterPolicy)
	}
	if filterOutcome != "" {
		query += " AND outcome = ?"
		args = append(args, filterOutcome)
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list merges: %w", err)
	}
	defer rows.Close()

	var merges []MergeExecution
	for rows.Next() {
		var m MergeExecution
		var tsStr string
		if err := rows.Scan(&m.ID, &tsStr, &m.RequestID, &m.PolicyName, &m.Outcome, &m.Reason, &m.SourceKeys, &m.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan merge row: %w", err)
		}
		ts, err := time.Parse(tsFormat, tsStr)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp %q: %w", tsStr, err)
		}
		m.Timestamp = ts
		merges = append(merges, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate merge rows: %w", err)
	}

	return merges, nil
}

// GetMerge returns a single merge execution by ID, including its violations.
func GetMerge(db *sql.DB, id int64) (*MergeExecution, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: GetMerge called with nil db")
	}

	var m MergeExecution
	var tsStr string
	err := db.QueryRow(
		"SELECT id, timestamp, request_id, policy_name, outcome, reason, source_keys, duration_ms FROM merge_executions WHERE id = ?",
		id,
	).Scan(&m.ID, &tsStr, &m.RequestID, &m.PolicyName, &m.Outcome, &m.Reason, &m.SourceKeys, &m.DurationMs)
	if err != nil {
		return nil, fmt.Errorf("audit: get merge %d: %w", id, err)
	}

	ts, err := time.Parse(tsFormat, tsStr)
	if err != nil {
		return nil, fmt.Errorf("audit: parse timestamp %q: %w", tsStr, err)
	}
	m.Timestamp = ts

	rows, err := db.Query(
		"SELECT id, merge_id, seq, path, kind, detail FROM violations WHERE merge_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: get violations for merge %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v ViolationRow
		if err := rows.Scan(&v.ID, &v.MergeID, &v.Seq, &v.Path, &v.Kind, &v.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan violation: %w", err)
		}
		m.Violations = append(m.Violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate violations: %w", err)
	}

	return &m, nil
}

// Tail returns the last n merge executions ordered by timestamp descending (newest first).
func Tail(db *sql.DB, n int) ([]MergeExecution, error) {
	return ListMerges(db, n, 0, "", "")
}

// Prune deletes merge executions (and their violations) older than the given duration.
// Returns the number of merge executions deleted.
func Prune(db *sql.DB, olderThan time.Duration) (int64, error) {
	return PruneBefore(db, time.Now().UTC().Add(-olderThan))
}

// PruneBefore deletes merge executions older than the given cutoff.
func PruneBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("audit: PruneBefore called with nil db")
	}

	cutoffStr := cutoff.UTC().Format(tsFormat)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit: begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Delete violations for old merges first (foreign key reference).
	_, err = tx.Exec(
		"DELETE FROM violations WHERE merge_id IN (SELECT id FROM merge_executions WHERE timestamp < ?)",
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("audit: prune violations: %w", err)
	}

	result, err := tx.Exec("DELETE FROM merge_executions WHERE timestamp < ?", cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("audit: prune merge executions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: commit prune: %w", err)
	}

	return count, nil
}

// Stats returns aggregate statistics from the audit database.
func Stats(db *sql.DB) (*AuditStats, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: Stats called with nil db")
	}

	stats := &AuditStats{
		CountByOutcome: make(map[string]int64),
	}

	// Total count and average duration.
	err := db.QueryRow("SELECT COALESCE(COUNT(*), 0), COALESCE(AVG(duration_ms), 0) FROM merge_executions").
		Scan(&stats.TotalMerges, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("audit: stats totals: %w", err)
	}

	if stats.TotalMerges == 0 {
		return stats, nil
	}

	// Oldest and newest entries.
	var oldestStr, newestStr string
	err = db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM merge_executions").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: stats min/max timestamp: %w", err)
	}

	oldest, err := time.Parse(tsFormat, oldestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: parse oldest timestamp %q: %w", oldestStr, err)
	}
	stats.OldestEntry = oldest

	newest, err := time.Parse(tsFormat, newestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: parse newest timestamp %q: %w", newestStr, err)
	}
	stats.NewestEntry = newest

	// Counts by outcome.
	rows, err := db.Query("SELECT outcome, COUNT(*) FROM merge_executions GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("audit: stats by outcome: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("audit: scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate outcome rows: %w", err)
	}

	return stats, nil
}
