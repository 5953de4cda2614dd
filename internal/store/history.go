package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const historySchemaVersion = 2

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	discovered INTEGER NOT NULL DEFAULT 0,
	transcoded INTEGER NOT NULL DEFAULT 0,
	reverted INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	bytes_saved INTEGER NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS stats_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// RunRecord summarizes one completed run
type RunRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Discovered  int
	Transcoded  int
	Reverted    int
	Failed      int
	Skipped     int
	BytesSaved  int64
	Interrupted bool
	DryRun      bool
}

// History is the SQLite log of past runs
type History struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenHistory opens or creates the history database at dbPath
func OpenHistory(dbPath string) (*History, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", historySchemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
		if _, err := db.Exec(`INSERT OR IGNORE INTO stats_metadata (key, value) VALUES ('lifetime_saved', '0')`); err != nil {
			db.Close()
			return nil, fmt.Errorf("init stats metadata: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	case version < historySchemaVersion:
		if version < 2 {
			// v1 -> v2: dry runs are recorded but do not count toward savings
			if _, err := db.Exec(`ALTER TABLE runs ADD COLUMN dry_run INTEGER NOT NULL DEFAULT 0`); err != nil {
				db.Close()
				return nil, fmt.Errorf("migration v1->v2 failed: %w", err)
			}
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", historySchemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("update schema version: %w", err)
		}
	}

	return &History{db: db}, nil
}

// RecordRun stores run and adds its savings to the lifetime total
func (h *History) RecordRun(run RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO runs (
			id, started_at, finished_at, discovered, transcoded, reverted,
			failed, skipped, bytes_saved, interrupted, dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Discovered, run.Transcoded, run.Reverted,
		run.Failed, run.Skipped, run.BytesSaved, boolToInt(run.Interrupted), boolToInt(run.DryRun),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if run.BytesSaved > 0 && !run.DryRun {
		_, err = tx.Exec(`
			INSERT INTO stats_metadata (key, value) VALUES ('lifetime_saved', ?)
			ON CONFLICT(key) DO UPDATE
			SET value = CAST((CAST(value AS INTEGER) + ?) AS TEXT),
			    updated_at = datetime('now')
		`, strconv.FormatInt(run.BytesSaved, 10), run.BytesSaved)
		if err != nil {
			return fmt.Errorf("update lifetime saved: %w", err)
		}
	}

	return tx.Commit()
}

// LifetimeSaved returns the bytes saved across every recorded run
func (h *History) LifetimeSaved() (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var value string
	err := h.db.QueryRow(`SELECT value FROM stats_metadata WHERE key = 'lifetime_saved'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get lifetime saved: %w", err)
	}
	saved, _ := strconv.ParseInt(value, 10, 64)
	return saved, nil
}

// RecentRuns returns up to n runs, newest first
func (h *History) RecentRuns(n int) ([]RunRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rows, err := h.db.Query(`
		SELECT id, started_at, finished_at, discovered, transcoded, reverted,
			failed, skipped, bytes_saved, interrupted, dry_run
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r                   RunRecord
			started, finished   string
			interrupted, dryRun int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Discovered, &r.Transcoded, &r.Reverted,
			&r.Failed, &r.Skipped, &r.BytesSaved, &interrupted, &dryRun); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Interrupted = interrupted != 0
		r.DryRun = dryRun != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Fixed-width so timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
