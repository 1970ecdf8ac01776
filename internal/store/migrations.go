package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "conversations: warmth and summary per conversation number",
		SQL: `
CREATE TABLE conversations (
    id                  INTEGER PRIMARY KEY,
    chat_id             TEXT NOT NULL,
    conversation_number INTEGER NOT NULL CHECK (conversation_number >= 1),
    bot_id              TEXT NOT NULL DEFAULT '',
    summary             TEXT NOT NULL DEFAULT '',
    current_warmth      INTEGER NOT NULL DEFAULT 1 CHECK (current_warmth BETWEEN 1 AND 6),
    max_warmth          INTEGER NOT NULL DEFAULT 1 CHECK (max_warmth BETWEEN 1 AND 6),
    follow_ups          TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,

    UNIQUE (chat_id, conversation_number),
    CHECK (max_warmth >= current_warmth)
);

CREATE INDEX idx_conversations_updated ON conversations(updated_at DESC);
`,
	},
	{
		Version:     2,
		Description: "context_states: rolling turn context per conversation",
		SQL: `
CREATE TABLE context_states (
    chat_id             TEXT NOT NULL,
    conversation_number INTEGER NOT NULL,
    turn_count          INTEGER NOT NULL DEFAULT 0,
    state               TEXT NOT NULL,
    updated_at          INTEGER NOT NULL,

    PRIMARY KEY (chat_id, conversation_number),
    FOREIGN KEY (chat_id, conversation_number) REFERENCES conversations(chat_id, conversation_number) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "candidates: stories a bot can surface",
		SQL: `
CREATE TABLE candidates (
    id          TEXT PRIMARY KEY,
    bot_id      TEXT NOT NULL,
    category    TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    extraction  TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX idx_candidates_bot ON candidates(bot_id, category);
`,
	},
	{
		Version:     4,
		Description: "messages: conversation log",
		SQL: `
CREATE TABLE messages (
    id                  INTEGER PRIMARY KEY,
    chat_id             TEXT NOT NULL,
    conversation_number INTEGER NOT NULL,
    role                TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content             TEXT NOT NULL,
    turn                INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL
);

CREATE INDEX idx_messages_conversation ON messages(chat_id, conversation_number, role);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
