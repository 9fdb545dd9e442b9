// Package db keeps a snapshot of the loaded configuration folder and the
// latest validation status of every repository and package.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// MemoryPath keeps the snapshot in memory for the lifetime of the process.
const MemoryPath = ":memory:"

// DB wraps the database connection.
type DB struct {
	*sql.DB
}

// New creates a new database connection.
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: opens its own database.
	if dbPath == MemoryPath {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)

		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Set busy timeout to avoid "database is locked" errors
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the database tables if they don't exist.
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		git_url TEXT NOT NULL,
		git_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS manifests (
		path TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		tool_name TEXT NOT NULL,
		tool_version TEXT NOT NULL,
		analyze INTEGER NOT NULL,
		errors TEXT NOT NULL DEFAULT '[]',
		any_issues INTEGER,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS packages (
		manifest_path TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		index_url TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL,
		valid INTEGER,
		updated_at DATETIME,
		PRIMARY KEY (manifest_path, name),
		FOREIGN KEY (manifest_path) REFERENCES manifests(path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
