package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Credential is a persisted gateway credential. ExpiresAt of zero means no
// expiry. Timestamps are epoch milliseconds.
type Credential struct {
	Key       string
	Token     string
	Source    string
	IssuedAt  int64
	ExpiresAt int64
}

// SaveCredential inserts or replaces a credential.
func (s *Store) SaveCredential(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.IssuedAt == 0 {
		c.IssuedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO credentials (key, token, source, issued_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		c.Key, c.Token, c.Source, c.IssuedAt,
		sql.NullInt64{Int64: c.ExpiresAt, Valid: c.ExpiresAt != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by key. Returns nil when missing or
// expired.
func (s *Store) GetCredential(key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Credential{}
	var expiresAt sql.NullInt64

	query := `
	SELECT key, token, source, issued_at, expires_at
	FROM credentials WHERE key = ?
	`

	err := s.db.QueryRow(query, key).Scan(
		&c.Key, &c.Token, &c.Source, &c.IssuedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if expiresAt.Valid {
		c.ExpiresAt = expiresAt.Int64
		if c.ExpiresAt <= time.Now().UnixMilli() {
			return nil, nil
		}
	}
	return c, nil
}

// DeleteCredential removes a credential by key.
func (s *Store) DeleteCredential(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// PruneExpiredCredentials removes credentials past their expiry and returns
// how many rows went.
func (s *Store) PruneExpiredCredentials() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune credentials: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
