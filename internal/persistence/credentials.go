package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TokenPair is the persisted access/refresh credential pair.
type TokenPair struct {
	Access  string
	Refresh string
}

// SetTokenPair installs the pair in a single transaction. Both fields land
// together or not at all; an empty field is rejected before touching disk.
func (s *Store) SetTokenPair(ctx context.Context, pair TokenPair) error {
	if pair.Access == "" || pair.Refresh == "" {
		return fmt.Errorf("set token pair: both access and refresh tokens are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set token pair: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = CURRENT_TIMESTAMP;
	`, pair.Access, pair.Refresh)
	if err != nil {
		return fmt.Errorf("set token pair: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set token pair: commit: %w", err)
	}
	return nil
}

// GetTokenPair returns the stored pair, or nil when absent.
func (s *Store) GetTokenPair(ctx context.Context) (*TokenPair, error) {
	var pair TokenPair
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token FROM credentials WHERE id = 1;
	`).Scan(&pair.Access, &pair.Refresh)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token pair: %w", err)
	}
	return &pair, nil
}

// ClearTokenPair removes the pair. Deleting the single row drops both
// fields together; idempotent.
func (s *Store) ClearTokenPair(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1;`); err != nil {
		return fmt.Errorf("clear token pair: %w", err)
	}
	return nil
}
