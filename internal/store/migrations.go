package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		key        TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		issued_at  INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS cached_sessions (
		key            TEXT PRIMARY KEY,
		label          TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL DEFAULT '',
		model          TEXT NOT NULL DEFAULT '',
		channel        TEXT NOT NULL DEFAULT '',
		message_count  INTEGER NOT NULL DEFAULT 0,
		updated_at     INTEGER NOT NULL DEFAULT 0,
		tokens_used    INTEGER NOT NULL DEFAULT 0,
		token_capacity INTEGER NOT NULL DEFAULT 0,
		fetched_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cached_sessions_updated ON cached_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS cached_messages (
		session_key TEXT NOT NULL,
		id          TEXT NOT NULL,
		role        TEXT NOT NULL DEFAULT '',
		text        TEXT NOT NULL DEFAULT '',
		timestamp   INTEGER NOT NULL DEFAULT 0,
		fetched_at  INTEGER NOT NULL,
		PRIMARY KEY (session_key, id)
	);

	CREATE INDEX IF NOT EXISTS idx_cached_messages_session ON cached_messages(session_key, timestamp);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pairing_log (
		device_id  TEXT PRIMARY KEY,
		code       TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pairing_log_status ON pairing_log(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
