package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the sqlite database file created inside the data directory.
const FileName = "larue_civic.db"

// DB represents the database connection with pooling
type DB struct {
	*sql.DB
	pool     *ConnectionPool
	prepared map[string]*sql.Stmt
	mutex    sync.RWMutex
}

// ConnectionPool manages database connection pooling
type ConnectionPool struct {
	db           *sql.DB
	maxOpenConns int
	maxIdleConns int
	maxLifetime  time.Duration
}

// NewConnectionPool creates a new database connection pool
func NewConnectionPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime time.Duration) *ConnectionPool {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	return &ConnectionPool{
		db:           db,
		maxOpenConns: maxOpen,
		maxIdleConns: maxIdle,
		maxLifetime:  maxLifetime,
	}
}

// GetStats returns connection pool statistics
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := cp.db.Stats()

	return map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"max_open_connections": cp.maxOpenConns,
		"max_idle_connections": cp.maxIdleConns,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// NewDB opens (creating if needed) the score store in dataDir
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// WAL lets the read API run alongside a scoring run
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pool := NewConnectionPool(db, 8, 2, 5*time.Minute)

	database := &DB{
		DB:       db,
		pool:     pool,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := database.initPreparedStatements(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize prepared statements: %w", err)
	}

	slog.Info("Database initialized",
		"path", dbPath,
		"max_open_conns", pool.maxOpenConns,
		"max_idle_conns", pool.maxIdleConns)

	return database, nil
}

// migrate creates the necessary tables
func (db *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]', -- JSON array
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			held_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS motions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			text TEXT NOT NULL,
			artifact_ids TEXT NOT NULL DEFAULT '[]', -- JSON array
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS votes (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			motion_id TEXT NOT NULL DEFAULT '',
			vote_type TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			ayes TEXT NOT NULL DEFAULT '[]',
			nays TEXT NOT NULL DEFAULT '[]',
			abstentions TEXT NOT NULL DEFAULT '[]',
			absent TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS decision_scores (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL DEFAULT '',
			motion_id TEXT NOT NULL DEFAULT '',
			vote_id TEXT NOT NULL DEFAULT '',
			official TEXT NOT NULL DEFAULT '',
			rubric_version TEXT NOT NULL DEFAULT '',
			overall_score REAL NOT NULL,
			axis_scores TEXT NOT NULL, -- JSON object
			reference_citations TEXT NOT NULL,
			evidence_trail TEXT NOT NULL,
			confidence REAL NOT NULL,
			flags TEXT NOT NULL,
			computed_at TEXT NOT NULL -- fixed-width UTC, sorts lexically
		)`,

		`CREATE TABLE IF NOT EXISTS official_drift_records (
			id TEXT PRIMARY KEY, -- official|axis|window_end
			official TEXT NOT NULL,
			axis TEXT NOT NULL,
			prior_average REAL NOT NULL,
			current_average REAL NOT NULL,
			deviation REAL NOT NULL,
			flags TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			computed_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS scoring_runs (
			id TEXT PRIMARY KEY,
			rubric_version TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			motions INTEGER NOT NULL DEFAULT 0,
			votes INTEGER NOT NULL DEFAULT 0,
			vote_scores INTEGER NOT NULL DEFAULT 0,
			orphans INTEGER NOT NULL DEFAULT 0,
			insufficient_evidence INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0,
			drift_events INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_meetings_held_at ON meetings(held_at)`,
		`CREATE INDEX IF NOT EXISTS idx_motions_meeting ON motions(meeting_id)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_meeting ON votes(meeting_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_scores_computed ON decision_scores(computed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_scores_official ON decision_scores(official, computed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_scores_vote ON decision_scores(vote_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_scores_motion ON decision_scores(motion_id)`,
		`CREATE INDEX IF NOT EXISTS idx_drift_official ON official_drift_records(official, window_end DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scoring_runs_finished ON scoring_runs(finished_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

const scoreColumns = `id, meeting_id, motion_id, vote_id, official, rubric_version,
	overall_score, axis_scores, reference_citations, evidence_trail, confidence, flags, computed_at`

// initPreparedStatements initializes the statements used on every run
func (db *DB) initPreparedStatements() error {
	statements := map[string]string{
		stmtUpsertScore: `INSERT INTO decision_scores (` + scoreColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			meeting_id = excluded.meeting_id,
			motion_id = excluded.motion_id,
			vote_id = excluded.vote_id,
			official = excluded.official,
			rubric_version = excluded.rubric_version,
			overall_score = excluded.overall_score,
			axis_scores = excluded.axis_scores,
			reference_citations = excluded.reference_citations,
			evidence_trail = excluded.evidence_trail,
			confidence = excluded.confidence,
			flags = excluded.flags,
			computed_at = excluded.computed_at`,

		stmtUpdateFlags: `UPDATE decision_scores SET flags = ? WHERE id = ?`,

		stmtUpsertDrift: `INSERT INTO official_drift_records (
			id, official, axis, prior_average, current_average, deviation,
			flags, window_start, window_end, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prior_average = excluded.prior_average,
			current_average = excluded.current_average,
			deviation = excluded.deviation,
			flags = excluded.flags,
			window_start = excluded.window_start,
			computed_at = excluded.computed_at`,

		stmtScoresBetween: `SELECT ` + scoreColumns + `
			FROM decision_scores
			WHERE vote_id != '' AND computed_at >= ? AND computed_at < ?
			ORDER BY computed_at ASC, id ASC`,

		stmtScoresBefore: `SELECT ` + scoreColumns + `
			FROM decision_scores
			WHERE vote_id != '' AND computed_at < ?
			ORDER BY computed_at DESC, id ASC`,
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		db.prepared[name] = stmt

		slog.Debug("Prepared statement initialized", "name", name)
	}

	return nil
}

// Prepared statement names
const (
	stmtUpsertScore   = "upsert_decision_score"
	stmtUpdateFlags   = "update_score_flags"
	stmtUpsertDrift   = "upsert_drift_record"
	stmtScoresBetween = "vote_scores_between"
	stmtScoresBefore  = "vote_scores_before"
)

// GetPreparedStatement retrieves a prepared statement
func (db *DB) GetPreparedStatement(name string) (*sql.Stmt, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	stmt, exists := db.prepared[name]
	if !exists {
		return nil, fmt.Errorf("prepared statement %s not found", name)
	}

	return stmt, nil
}

// GetPoolStats returns database connection pool statistics
func (db *DB) GetPoolStats() map[string]interface{} {
	return db.pool.GetStats()
}

// Close closes the database connection and prepared statements
func (db *DB) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, stmt := range db.prepared {
		if err := stmt.Close(); err != nil {
			slog.Warn("Failed to close prepared statement", "name", name, "error", err)
		}
	}
	db.prepared = make(map[string]*sql.Stmt)

	return db.DB.Close()
}
