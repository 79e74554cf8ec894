package store

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY,
		is_online     BOOLEAN NOT NULL DEFAULT FALSE,
		last_activity BIGINT  NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_online_activity ON users (is_online, last_activity)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id  INTEGER NOT NULL,
		author_id   INTEGER NOT NULL,
		content     TEXT    NOT NULL DEFAULT '',
		attachments TEXT    NOT NULL DEFAULT '[]',
		reply_to_id INTEGER,
		created_at  BIGINT  NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		emoji      TEXT    NOT NULL,
		created_at BIGINT  NOT NULL,
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGINT PRIMARY KEY,
		is_online     BOOLEAN NOT NULL DEFAULT FALSE,
		last_activity BIGINT  NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_online_activity ON users (is_online, last_activity)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id   BIGINT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id BIGINT NOT NULL,
		user_id    BIGINT NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          BIGSERIAL PRIMARY KEY,
		channel_id  BIGINT NOT NULL,
		author_id   BIGINT NOT NULL,
		content     TEXT   NOT NULL DEFAULT '',
		attachments TEXT   NOT NULL DEFAULT '[]',
		reply_to_id BIGINT,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id BIGINT NOT NULL,
		user_id    BIGINT NOT NULL,
		emoji      TEXT   NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
}

// Migrate creates the schema if it does not exist. It is safe to run on
// every start.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
