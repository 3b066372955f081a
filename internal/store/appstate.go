package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KVSet stores an opaque value under key. A zero ttl means no expiry.
func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expires any
	if ttl > 0 {
		t := s.now().Add(ttl)
		expires = t.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expires, s.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set app state %q: %w", key, err)
	}
	return nil
}

// KVGet returns the value for key, or ErrNotFound when absent or expired.
// Expired entries are lazily deleted.
func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM app_state WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app state %q: %w", key, err)
	}

	if t := decodeTime(expires); t != nil && !t.After(s.now()) {
		_ = s.KVDelete(ctx, key)
		return nil, ErrNotFound
	}
	return value, nil
}

// KVDelete removes a key; deleting a missing key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete app state %q: %w", key, err)
	}
	return nil
}
