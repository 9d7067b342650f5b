package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the job registry
type SQLiteStore struct {
	*sqlJobs
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string, perItem time.Duration) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start so UpdateJob is a true read-modify-write
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlJobs: &sqlJobs{db: db, perItem: perItem}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		total_items INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		options TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		estimated_completion DATETIME NOT NULL,
		error TEXT,
		artifact_ref TEXT,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Vacuum reclaims space left behind by retention deletes
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}
