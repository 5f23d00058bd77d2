package store

import (
	"database/sql"
	"fmt"
	"time"

	"warpgate/internal/logging"
)

// Schema versions:
// v1: proposals, approvals
// v2: approval_transitions log
// v3: proposals.description, approvals.last_error
// v4: semantic hash and per-agent creation indexes
const CurrentSchemaVersion = 4

// Migration adds a column that older databases lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations handles tables that exist but predate newer columns.
var pendingMigrations = []Migration{
	{"proposals", "description", "TEXT NOT NULL DEFAULT ''"},
	{"proposals", "reason_code", "TEXT"},
	{"approvals", "last_error", "TEXT"},
	{"approvals", "reason_code", "TEXT"},
	{"approvals", "duplicate_of", "TEXT"},
}

// RunMigrations applies column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied, skipped := 0, 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if v, ok := recordedSchemaVersion(db); !ok || v < CurrentSchemaVersion {
		if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
			return err
		}
	}
	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

func indexExists(db *sql.DB, index string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, or one inferred
// from table structure when none is recorded.
func GetSchemaVersion(db *sql.DB) int {
	if v, ok := recordedSchemaVersion(db); ok {
		return v
	}
	return inferSchemaVersion(db)
}

func recordedSchemaVersion(db *sql.DB) (int, bool) {
	if !tableExists(db, "schema_versions") {
		return 0, false
	}
	var version int
	err := db.QueryRow("SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 0, false
	}
	return version, true
}

func inferSchemaVersion(db *sql.DB) int {
	switch {
	case !tableExists(db, "proposals"):
		return 0
	case indexExists(db, "idx_proposals_file_semantic"):
		return 4
	case columnExists(db, "approvals", "last_error"):
		return 3
	case tableExists(db, "approval_transitions"):
		return 2
	default:
		return 1
	}
}

// SetSchemaVersion records version as applied now.
func SetSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)", version, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logging.Store("Schema version set to %d", version)
	return nil
}
