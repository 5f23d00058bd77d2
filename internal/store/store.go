// Package store persists proposals and approvals in SQLite.
//
// Every approval status change is a single guarded UPDATE
// (WHERE id = ? AND status = ?) so concurrent callers cannot both win a
// transition. The proposal row mirrors the approval status inside the
// same transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"warpgate/internal/logging"
)

// Store is the SQLite-backed record store.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewStore opens or creates the database at path. ":memory:" opens a
// private in-memory database.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	dsn := "file::memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writes are serialized and an in-memory database
	// stays a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logging.Store("Store initialized (schema v%d)", GetSchemaVersion(db))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	-- Proposals: every non-exact-duplicate candidate ever submitted
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		file_path TEXT NOT NULL,
		code_before TEXT NOT NULL,
		code_after TEXT NOT NULL,
		improvement_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		code_hash TEXT NOT NULL,
		semantic_hash TEXT NOT NULL,
		nearest_neighbor_id TEXT,
		similarity_score REAL,
		duplicate_class TEXT NOT NULL,
		confidence REAL NOT NULL,
		user_feedback_reason TEXT,
		reason_code TEXT,
		decision TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		decided_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_file_hash ON proposals(file_path, code_hash);
	CREATE INDEX IF NOT EXISTS idx_proposals_file_created ON proposals(file_path, created_at);
	CREATE INDEX IF NOT EXISTS idx_proposals_agent_decided ON proposals(agent_type, decided_at);
	CREATE INDEX IF NOT EXISTS idx_proposals_file_semantic ON proposals(file_path, semantic_hash);
	CREATE INDEX IF NOT EXISTS idx_proposals_agent_created ON proposals(agent_type, created_at);

	-- Approvals: the reviewable wrapper, one per proposal
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL UNIQUE REFERENCES proposals(id),
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewer TEXT,
		decision_reason TEXT,
		reason_code TEXT,
		build_ref TEXT,
		external_change_ref TEXT,
		last_error TEXT,
		confidence REAL NOT NULL,
		duplicate_class TEXT NOT NULL,
		duplicate_of TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		decided_at INTEGER,
		build_started_at INTEGER,
		build_finished_at INTEGER,
		publish_started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_agent_created ON approvals(agent_type, created_at);

	-- Transition log: one row per successful guarded status change
	CREATE TABLE IF NOT EXISTS approval_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		approval_id TEXT NOT NULL REFERENCES approvals(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT,
		reason TEXT,
		error TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_approval ON approval_transitions(approval_id, id);

	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER NOT NULL,
		applied_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ==== HELPERS ====

type rowScanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
