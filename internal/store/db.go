// Package store persists devices, campaigns, sequences and leads in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection and implements device.Store and
// dispatch.Store
type DB struct {
	*sql.DB
}

// New opens the database at path. ":memory:" opens a private in-memory
// database.
func New(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// Migrate creates the schema
func (db *DB) Migrate() error {
	migrations := []string{
		migrationDevices,
		migrationCampaigns,
		migrationSequences,
		migrationSequenceSteps,
		migrationLeads,
		migrationSequenceContacts,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationDevices = `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    phone TEXT,
    session BLOB,
    pairing_method TEXT,
    last_seen TIMESTAMP,
    last_checked TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    niche TEXT,
    target_status TEXT NOT NULL DEFAULT 'prospect',
    message TEXT,
    media_url TEXT,
    scheduled_date TEXT,
    scheduled_time TEXT,
    device_limit INTEGER NOT NULL DEFAULT 0,
    min_delay_seconds INTEGER NOT NULL DEFAULT 0,
    max_delay_seconds INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    status_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationSequences = `
CREATE TABLE IF NOT EXISTS sequences (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    niche TEXT,
    target_status TEXT NOT NULL DEFAULT 'prospect',
    status TEXT NOT NULL DEFAULT 'active',
    device_limit INTEGER NOT NULL DEFAULT 0,
    min_delay_seconds INTEGER NOT NULL DEFAULT 0,
    max_delay_seconds INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationSequenceSteps = `
CREATE TABLE IF NOT EXISTS sequence_steps (
    id TEXT PRIMARY KEY,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    day INTEGER NOT NULL,
    trigger_label TEXT,
    delay_hours INTEGER NOT NULL DEFAULT 0,
    message_type TEXT NOT NULL DEFAULT 'text',
    content TEXT,
    media_url TEXT,
    caption TEXT,
    UNIQUE(sequence_id, day)
);
`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    name TEXT,
    phone TEXT UNIQUE NOT NULL,
    niche TEXT,
    target_status TEXT NOT NULL DEFAULT 'prospect',
    device_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_target_status ON leads(target_status);
`

const migrationSequenceContacts = `
CREATE TABLE IF NOT EXISTS sequence_contacts (
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
    phone TEXT NOT NULL,
    current_day INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    device_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    PRIMARY KEY (sequence_id, lead_id)
);
`
