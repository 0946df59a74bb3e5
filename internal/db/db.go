package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with donorlink-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// Every pooled connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
// Message timestamps are unix milliseconds so ordering survives sub-second sends.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS club_members (
    club_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    joined_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY(club_id, user_id)
);

CREATE TABLE IF NOT EXISTS notification_preferences (
    user_id TEXT PRIMARY KEY,
    push_enabled INTEGER NOT NULL DEFAULT 1,
    in_app_enabled INTEGER NOT NULL DEFAULT 1,
    sound_enabled INTEGER NOT NULL DEFAULT 1,
    vibration_enabled INTEGER NOT NULL DEFAULT 1,
    quiet_hours_enabled INTEGER NOT NULL DEFAULT 0,
    quiet_hours_start TEXT NOT NULL DEFAULT '22:00',
    quiet_hours_end TEXT NOT NULL DEFAULT '07:00',
    timezone TEXT NOT NULL DEFAULT 'UTC',
    emergency_alerts INTEGER NOT NULL DEFAULT 1,
    direct_messages INTEGER NOT NULL DEFAULT 1,
    club_messages INTEGER NOT NULL DEFAULT 1,
    club_announcements INTEGER NOT NULL DEFAULT 1,
    club_events INTEGER NOT NULL DEFAULT 1,
    join_requests INTEGER NOT NULL DEFAULT 1,
    social_interactions INTEGER NOT NULL DEFAULT 1,
    system_updates INTEGER NOT NULL DEFAULT 1,
    emergency_only_mode INTEGER NOT NULL DEFAULT 0,
    batch_notifications INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS delivery_logs (
    id TEXT PRIMARY KEY,
    notification_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    decision TEXT NOT NULL CHECK(decision IN ('push','in_app','both','skipped')),
    delivery_method TEXT NOT NULL CHECK(delivery_method IN ('push','in_app','skipped')),
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','sent','delivered','failed','skipped')),
    attempt_number INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    delivered_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_delivery_logs_user ON delivery_logs(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_notification ON delivery_logs(notification_id);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_status ON delivery_logs(status);

CREATE TABLE IF NOT EXISTS push_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    participant_lo TEXT NOT NULL,
    participant_hi TEXT NOT NULL,
    last_message TEXT NOT NULL DEFAULT '',
    last_message_at INTEGER,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    UNIQUE(participant_lo, participant_hi),
    CHECK(participant_lo < participant_hi)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    scope_kind TEXT NOT NULL CHECK(scope_kind IN ('club','direct')),
    scope_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'text' CHECK(message_type IN ('text','image','file','system','voice_note')),
    reply_to_id TEXT,
    file_url TEXT,
    file_name TEXT,
    file_size INTEGER,
    is_edited INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(scope_kind, scope_id, created_at);

CREATE TABLE IF NOT EXISTS message_reads (
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    read_at INTEGER NOT NULL,
    PRIMARY KEY(message_id, user_id)
);
`
