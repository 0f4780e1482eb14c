// Package store provides SQLite-backed persistence for cached language
// model responses and the history of pipeline runs.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CachedResponse is a stored language model completion.
type CachedResponse struct {
	Key      string
	Model    string
	Text     string
	CachedAt time.Time
}

// RunRecord summarises one pipeline run.
type RunRecord struct {
	ID          string
	Target      string
	Status      string
	Started     time.Time
	Ended       time.Time
	ReportPath  string
	Findings    int
	Confirmed   int
	Suppressed  int
	NeedsReview int
}

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and ensures
// all required tables exist. Use ":memory:" for an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers from parallel passes.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS llm_cache (
			key       TEXT PRIMARY KEY,
			model     TEXT NOT NULL,
			response  TEXT NOT NULL,
			cached_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS run_history (
			id           TEXT PRIMARY KEY,
			target       TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   DATETIME NOT NULL,
			ended_at     DATETIME NOT NULL,
			report_path  TEXT NOT NULL DEFAULT '',
			findings     INTEGER NOT NULL DEFAULT 0,
			confirmed    INTEGER NOT NULL DEFAULT 0,
			suppressed   INTEGER NOT NULL DEFAULT 0,
			needs_review INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// GetResponse looks up a cached completion. The boolean is false on a miss.
func (s *Store) GetResponse(key string) (string, bool, error) {
	var text string
	err := s.db.QueryRow(`SELECT response FROM llm_cache WHERE key = ?`, key).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached response: %w", err)
	}
	return text, true, nil
}

// PutResponse stores a completion, replacing an existing entry.
func (s *Store) PutResponse(key, model, text string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO llm_cache (key, model, response, cached_at)
		 VALUES (?, ?, ?, datetime('now'))`,
		key, model, text,
	)
	if err != nil {
		return fmt.Errorf("cache response: %w", err)
	}
	return nil
}

// PurgeResponses deletes cached completions older than the given age and
// returns how many were removed. A zero age removes everything.
func (s *Store) PurgeResponses(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(`DELETE FROM llm_cache WHERE cached_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge responses: %w", err)
	}
	return res.RowsAffected()
}

// RecordRun persists a run summary. Recording the same id twice replaces
// the earlier record.
func (s *Store) RecordRun(r RunRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO run_history
		 (id, target, status, started_at, ended_at, report_path, findings, confirmed, suppressed, needs_review)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Target, r.Status, r.Started.UTC(), r.Ended.UTC(), r.ReportPath,
		r.Findings, r.Confirmed, r.Suppressed, r.NeedsReview,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// GetRun retrieves one run by id. Returns nil if it is not found.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, target, status, started_at, ended_at, report_path, findings, confirmed, suppressed, needs_review
		 FROM run_history WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit
// returns every run.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, target, status, started_at, ended_at, report_path, findings, confirmed, suppressed, needs_review
		 FROM run_history ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	err := row.Scan(&r.ID, &r.Target, &r.Status, &r.Started, &r.Ended, &r.ReportPath,
		&r.Findings, &r.Confirmed, &r.Suppressed, &r.NeedsReview)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
