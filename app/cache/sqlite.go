package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smartystudio/smarty-google-feed-generator/app/database"
)

var _ Cache = (*SQLite)(nil)

// SQLite keeps entries in the transients table next to the catalog, so feed
// payloads survive restarts without an external cache server.
type SQLite struct {
	db  *database.DB
	now func() time.Time
}

func NewSQLite(db *database.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64

	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM transients WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get transient %s: %w", key, err)
	}

	if s.now().UnixNano() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM transients WHERE key = ? AND expires_at = ?`, key, expiresAt); err != nil {
			return nil, false, fmt.Errorf("failed to purge transient %s: %w", key, err)
		}
		return nil, false, nil
	}

	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transients (key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, key, value, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set transient %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Invalidate(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transients WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete transient %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every expired row and returns how many were deleted.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transients WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired transients: %w", err)
	}
	return res.RowsAffected()
}
