package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const maxDetailLen = 512

// SQLiteRecorder implements Recorder using a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS merge_executions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f','now')),
    policy_name     TEXT    NOT NULL,
    outcome         TEXT    NOT NULL,
    reason          TEXT    NOT NULL DEFAULT '',
    source_keys     INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS violations (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    merge_id  INTEGER NOT NULL REFERENCES merge_executions(id),
    seq       INTEGER NOT NULL,
    path      TEXT    NOT NULL,
    kind      TEXT    NOT NULL,
    detail    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_merge_ts ON merge_executions(timestamp);
CREATE INDEX IF NOT EXISTS idx_violation_merge ON violations(merge_id);
`

// DefaultDBPath returns the default audit database path.
// It checks $MERGE_GATE_AUDIT_DB, then $XDG_DATA_HOME/merge-gate/audit.db,
// then falls back to ~/.local/share/merge-gate/audit.db.
func DefaultDBPath() string {
	if p := os.Getenv("MERGE_GATE_AUDIT_DB"); p != "" {
		return p
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "merge-gate", "audit.db")
}

// Open opens (or creates) a SQLite audit database at the given path.
// It runs the schema migration and configures WAL mode with a 5-second busy timeout.
func Open(dbPath string) (*SQLiteRecorder, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database %q: %w", dbPath, err)
	}

	// Set WAL mode for better concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("audit: set WAL mode: %w (also failed to close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("audit: set busy_timeout: %w (also failed to close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("audit: set busy_timeout: %w", err)
	}

	// Run base schema (CREATE IF NOT EXISTS).
	if _, err := db.Exec(schema); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("audit: create schema: %w (also failed to close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	// Run migrations.
	if err := migrate(db); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("audit: migrate: %w (also failed to close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

// migrate applies incremental schema migrations using PRAGMA user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == 0 {
		exists, err := columnExists(db, "merge_executions", "request_id")
		if err != nil {
			return fmt.Errorf("check request_id column: %w", err)
		}
		if !exists {
			if _, err := db.Exec("ALTER TABLE merge_executions ADD COLUMN request_id TEXT NOT NULL DEFAULT ''"); err != nil {
				return fmt.Errorf("add request_id column: %w", err)
			}
		}
		if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
			return fmt.Errorf("set user_version to 1: %w", err)
		}
	}

	// version >= 1: schema is current, nothing to do.
	return nil
}

// columnExists checks whether a column exists in the given table.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// DB returns the underlying *sql.DB for use with query helpers.
// Returns nil if the receiver is nil.
func (r *SQLiteRecorder) DB() *sql.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// RecordMerge inserts a merge execution and its violations in a single
// transaction. Nil receiver is a no-op.
func (r *SQLiteRecorder) RecordMerge(entry MergeExecution) error {
	if r == nil {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if the transaction was already committed.
		_ = tx.Rollback()
	}()

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	result, err := tx.Exec(
		`INSERT INTO merge_executions (timestamp, request_id, policy_name, outcome, reason, source_keys, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.Format("2006-01-02T15:04:05.000"),
		entry.RequestID,
		entry.PolicyName,
		entry.Outcome,
		entry.Reason,
		entry.SourceKeys,
		entry.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("audit: insert merge_execution: %w", err)
	}

	mergeID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit: get last insert id: %w", err)
	}

	for _, v := range entry.Violations {
		detail := TruncateDetail(v.Detail, maxDetailLen)
		_, err := tx.Exec(
			`INSERT INTO violations (merge_id, seq, path, kind, detail)
			 VALUES (?, ?, ?, ?, ?)`,
			mergeID,
			v.Seq,
			v.Path,
			v.Kind,
			detail,
		)
		if err != nil {
			return fmt.Errorf("audit: insert violation at %q: %w", v.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit transaction: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
// Nil receiver is a no-op.
func (r *SQLiteRecorder) Close() error {
	if r == nil {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("audit: close database: %w", err)
	}
	return nil
}
