package db

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path and applies the schema.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Timestamps are stored as fixed-width UTC text so lexical order matches time order.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS announcements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			issuer TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			link TEXT NOT NULL DEFAULT '',
			deadline_raw TEXT NOT NULL DEFAULT '',
			deadline TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			discovered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			email_sent INTEGER NOT NULL DEFAULT 0,
			message_sent INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS source_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			keywords TEXT NOT NULL DEFAULT '[]',
			enabled_sources TEXT NOT NULL DEFAULT '[]',
			scrape_delay_ms INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			request_timeout_ms INTEGER NOT NULL DEFAULT 30000,
			min_deadline_lead_days INTEGER NOT NULL DEFAULT 0,
			interval_sec INTEGER NOT NULL,
			last_run TEXT,
			next_run TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			notify_email TEXT NOT NULL DEFAULT '',
			telegram_chat_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id TEXT PRIMARY KEY,
			job TEXT NOT NULL,
			config_id INTEGER,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			found INTEGER NOT NULL DEFAULT 0,
			new INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			error TEXT NOT NULL DEFAULT '',
			sources TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (config_id) REFERENCES source_configs(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			telegram_chat_id TEXT NOT NULL DEFAULT '',
			sectors TEXT NOT NULL DEFAULT '[]',
			target_groups TEXT NOT NULL DEFAULT '[]',
			keywords TEXT NOT NULL DEFAULT '[]',
			regions TEXT NOT NULL DEFAULT '[]',
			budget_ceiling REAL NOT NULL DEFAULT 0,
			notify_new_matches INTEGER NOT NULL DEFAULT 1,
			notify_deadlines INTEGER NOT NULL DEFAULT 1,
			notify_digest INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS watchlist (
			subscriber_id INTEGER NOT NULL,
			announcement_id INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			match_score REAL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (subscriber_id, announcement_id),
			FOREIGN KEY (subscriber_id) REFERENCES subscribers(id) ON DELETE CASCADE,
			FOREIGN KEY (announcement_id) REFERENCES announcements(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			fingerprint TEXT PRIMARY KEY,
			vector BLOB NOT NULL,
			dims INTEGER NOT NULL,
			text_hash TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			generated_at TEXT NOT NULL,
			FOREIGN KEY (fingerprint) REFERENCES announcements(fingerprint) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			recipient TEXT NOT NULL,
			announcement_id INTEGER NOT NULL DEFAULT 0,
			tag TEXT NOT NULL DEFAULT '',
			sent_at TEXT NOT NULL,
			UNIQUE (kind, recipient, announcement_id, tag)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_announcements_status_deadline ON announcements(status, deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_announcements_discovered ON announcements(discovered_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_job_started ON run_logs(job, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_status ON run_logs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
