package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS posts (
    post_id TEXT PRIMARY KEY,
    username TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    is_reblog INTEGER NOT NULL DEFAULT 0,
    reblog_content TEXT,
    media_refs TEXT NOT NULL DEFAULT '[]',
    url TEXT NOT NULL DEFAULT '',
    reply_count INTEGER NOT NULL DEFAULT 0,
    reblog_count INTEGER NOT NULL DEFAULT 0,
    favourite_count INTEGER NOT NULL DEFAULT 0,
    posted_at TEXT NOT NULL,
    stored_at TEXT NOT NULL,
    translated_at TEXT,
    translated_content TEXT,
    analyzed_at TEXT,
    analysis_result TEXT,
    notified_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('success', 'partial', 'failed')),
    fetched_count INTEGER NOT NULL DEFAULT 0,
    new_count INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS report_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    report_type TEXT NOT NULL CHECK(report_type IN ('daily', 'weekly', 'manual')),
    mimics TEXT,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    top_post_ids TEXT NOT NULL DEFAULT '[]',
    total_posts INTEGER NOT NULL DEFAULT 0,
    original_posts INTEGER NOT NULL DEFAULT 0,
    reblog_posts INTEGER NOT NULL DEFAULT 0,
    text_posts INTEGER NOT NULL DEFAULT 0,
    media_posts INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('sent', 'failed', 'skipped')),
    error TEXT,
    dispatched_at TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY CHECK(id = 1),
    payload TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_posted_at ON posts(posted_at);
CREATE INDEX IF NOT EXISTS idx_posts_unnotified ON posts(notified_at) WHERE notified_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_scrape_runs_finished ON scrape_runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_report_runs_created ON report_runs(created_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
