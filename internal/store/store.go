// Package store persists the prospect pool in SQLite: profiles and their
// enrichment payloads, per-profile deals (outreach stage + backoff), the
// label set for the qualifier, and the durable search keyword queue.
//
// Every exported call is transactionally consistent: a read immediately
// after a write by the same process reflects that write. Deal stages are
// only ever mutated through SetState, which delegates legality to the
// pipeline package.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"prospectd/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	dbPath    string
	vectorExt bool // sqlite-vec available

	// Backoff base for deals entering the pending stage
	baseBackoffHours float64

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the SQLite database at the given path and ensures
// the schema. baseBackoffHours seeds the pending-recheck backoff.
func New(path string, baseBackoffHours float64, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{
		db:               db,
		dbPath:           path,
		baseBackoffHours: baseBackoffHours,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; similarity queries fall back to a linear scan")
	}

	logging.Store("Store ready (profiles, deals, labels, keywords)")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	profilesTable := `
	CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_id TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		payload TEXT,
		disqualified INTEGER NOT NULL DEFAULT 0,
		disqualify_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_public_id ON profiles(public_id);
	`

	dealsTable := `
	CREATE TABLE IF NOT EXISTS deals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket TEXT NOT NULL UNIQUE,
		profile_id INTEGER NOT NULL UNIQUE REFERENCES profiles(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		backoff TEXT,
		next_check_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);
	CREATE INDEX IF NOT EXISTS idx_deals_next_check ON deals(next_check_at);
	`

	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS profile_embeddings (
		profile_id INTEGER PRIMARY KEY REFERENCES profiles(id) ON DELETE CASCADE,
		public_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		label INTEGER,
		decided_by TEXT,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		labeled_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_label ON profile_embeddings(label);
	`

	keywordsTable := `
	CREATE TABLE IF NOT EXISTS search_keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		keyword TEXT NOT NULL UNIQUE,
		used INTEGER NOT NULL DEFAULT 0,
		used_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_keywords_used ON search_keywords(used);
	`

	for _, table := range []string{profilesTable, dealsTable, embeddingsTable, keywordsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table, for the status command.
func (s *Store) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"profiles", "deals", "profile_embeddings", "search_keywords"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
