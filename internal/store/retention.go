package store

import (
	"context"
	"fmt"
	"time"
)

const (
	cacheRetention   = 30 * 24 * time.Hour
	pairingRetention = 7 * 24 * time.Hour
)

// RunRetention prunes expired credentials, stale cache rows, and settled
// pairing records. Safe to call periodically.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to prune expired credentials: %w", err)
	}

	cacheCutoff := now - cacheRetention.Milliseconds()
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cached_messages WHERE fetched_at < ?`,
		cacheCutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to prune cached messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cached_sessions WHERE fetched_at < ?`,
		cacheCutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to prune cached sessions: %w", err)
	}

	pairingCutoff := now - pairingRetention.Milliseconds()
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM pairing_log WHERE status != 'pending' AND updated_at < ?`,
		pairingCutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to prune pairing log: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
