package store

import (
	"fmt"
	"time"

	"github.com/p-blackswan/clawdeck/internal/protocol"
)

// ReplaceSessions swaps the cached session list for a fresh snapshot.
func (s *Store) ReplaceSessions(sessions []protocol.SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_sessions`); err != nil {
		return fmt.Errorf("failed to clear session cache: %w", err)
	}

	now := time.Now().UnixMilli()
	query := `
	INSERT OR REPLACE INTO cached_sessions (
		key, label, agent_id, model, channel, message_count,
		updated_at, tokens_used, token_capacity, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, se := range sessions {
		if _, err := tx.Exec(query,
			se.Key, se.Label, se.AgentID, se.Model, se.Channel, se.MessageCount,
			se.UpdatedAt, se.TokensUsed, se.TokenCapacity, now,
		); err != nil {
			return fmt.Errorf("failed to cache session %s: %w", se.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session snapshot: %w", err)
	}
	return nil
}

// ListSessions returns the cached session list, most recently updated first.
func (s *Store) ListSessions() ([]protocol.SessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT key, label, agent_id, model, channel, message_count,
	       updated_at, tokens_used, token_capacity
	FROM cached_sessions ORDER BY updated_at DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.SessionEntry
	for rows.Next() {
		var se protocol.SessionEntry
		if err := rows.Scan(
			&se.Key, &se.Label, &se.AgentID, &se.Model, &se.Channel,
			&se.MessageCount, &se.UpdatedAt, &se.TokensUsed, &se.TokenCapacity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cached session: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// SaveMessages upserts history messages for a session.
func (s *Store) SaveMessages(sessionKey string, msgs []protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin message cache: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	query := `
	INSERT OR REPLACE INTO cached_messages (session_key, id, role, text, timestamp, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	for i, m := range msgs {
		id := m.ID
		if id == "" {
			// History rows occasionally arrive without ids; synthesize a
			// stable one from position so upserts stay idempotent.
			id = fmt.Sprintf("ts-%d-%d", m.Timestamp, i)
		}
		if _, err := tx.Exec(query, sessionKey, id, m.Role, m.Text, m.Timestamp, now); err != nil {
			return fmt.Errorf("failed to cache message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message cache: %w", err)
	}
	return nil
}

// GetMessages returns the most recent cached messages for a session in
// chronological order, up to limit (0 means all).
func (s *Store) GetMessages(sessionKey string, limit int) ([]protocol.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, role, text, timestamp FROM cached_messages
	WHERE session_key = ? ORDER BY timestamp DESC
	`
	args := []any{sessionKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cached messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.ChatMessage
	for rows.Next() {
		m := protocol.ChatMessage{SessionKey: sessionKey}
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearMessages drops cached history for a session.
func (s *Store) ClearMessages(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM cached_messages WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("failed to clear cached messages: %w", err)
	}
	return nil
}
