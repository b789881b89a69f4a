package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PairingRecord tracks a pairing attempt so the CLI and the daemon API can
// show what happened to a device request.
type PairingRecord struct {
	DeviceID  string
	Code      string
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

// SavePairing inserts or replaces a pairing record.
func (s *Store) SavePairing(p *PairingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
	INSERT OR REPLACE INTO pairing_log (device_id, code, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, p.DeviceID, p.Code, p.Status, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save pairing record: %w", err)
	}
	return nil
}

// UpdatePairingStatus moves a pairing record to a new status.
func (s *Store) UpdatePairingStatus(deviceID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE pairing_log SET status = ?, updated_at = ? WHERE device_id = ?`,
		status, time.Now().UnixMilli(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pairing status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pairing record not found: %s", deviceID)
	}
	return nil
}

// GetPairing retrieves a pairing record, nil when absent.
func (s *Store) GetPairing(deviceID string) (*PairingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &PairingRecord{}
	query := `
	SELECT device_id, code, status, created_at, updated_at
	FROM pairing_log WHERE device_id = ?
	`
	err := s.db.QueryRow(query, deviceID).Scan(
		&p.DeviceID, &p.Code, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing record: %w", err)
	}
	return p, nil
}
