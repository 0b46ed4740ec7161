// Package sqlite persists the run ledger: one row per orchestration run,
// one row per finished agent loop. The ledger answers "what happened last
// run" after every process involved has exited.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/orchestrate/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	guid        TEXT NOT NULL UNIQUE,
	plan_path   TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS loop_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_guid    TEXT NOT NULL REFERENCES runs(guid),
	agent_id    TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	result_type TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	spawn_count INTEGER NOT NULL DEFAULT 0,
	pr_url      TEXT,
	merged      INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loop_results_run ON loop_results(run_guid);
`

// DB wraps the ledger database connection.
type DB struct {
	conn *sql.DB
}

// NewDB opens (or creates) the ledger at path and applies the schema.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	log.Debug(log.CatDB, "Opening run ledger", "path", path)
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	// WAL keeps a concurrent status reader from blocking the writer.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	log.Info(log.CatDB, "Run ledger ready", "path", path)
	return &DB{conn: conn}, nil
}

// Runs returns the repository backed by this database.
func (d *DB) Runs() *RunRepository {
	return newRunRepository(d.conn)
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
