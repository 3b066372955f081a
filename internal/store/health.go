package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const healthErrorLimit = 240

// SnapshotHealth upserts the monitor-owned health record for an account.
func (s *Store) SnapshotHealth(ctx context.Context, snap *HealthSnapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var healthy any
	if snap.Healthy != nil {
		healthy = boolToInt(*snap.Healthy)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_snapshots (
			account_id, token_preview, healthy, last_checked_at, last_success_at,
			consecutive_failures, latency_ms, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			token_preview = excluded.token_preview,
			healthy = excluded.healthy,
			last_checked_at = excluded.last_checked_at,
			last_success_at = excluded.last_success_at,
			consecutive_failures = excluded.consecutive_failures,
			latency_ms = excluded.latency_ms,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		snap.AccountID, snap.TokenPreview, healthy,
		encodeTime(snap.LastCheckedAt), encodeTime(snap.LastSuccessAt),
		snap.ConsecutiveFailures, snap.LatencyMillis,
		truncate(snap.LastError, healthErrorLimit), s.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to snapshot health for %d: %w", snap.AccountID, err)
	}
	return nil
}

func scanHealth(row rowScanner) (*HealthSnapshot, error) {
	var (
		snap                     HealthSnapshot
		healthy                  sql.NullInt64
		lastChecked, lastSuccess sql.NullString
		updatedAt                string
	)
	err := row.Scan(&snap.AccountID, &snap.TokenPreview, &healthy,
		&lastChecked, &lastSuccess, &snap.ConsecutiveFailures,
		&snap.LatencyMillis, &snap.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	if healthy.Valid {
		h := healthy.Int64 != 0
		snap.Healthy = &h
	}
	snap.LastCheckedAt = decodeTime(lastChecked)
	snap.LastSuccessAt = decodeTime(lastSuccess)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		snap.UpdatedAt = t
	}
	return &snap, nil
}

const healthColumns = `account_id, token_preview, healthy, last_checked_at,
	last_success_at, consecutive_failures, latency_ms, last_error, updated_at`

// ReadHealth returns the health snapshot for one account, or ErrNotFound.
func (s *Store) ReadHealth(ctx context.Context, accountID int64) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM health_snapshots WHERE account_id = ?`, accountID)
	snap, err := scanHealth(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read health for %d: %w", accountID, err)
	}
	return snap, nil
}

// ListHealth returns all health snapshots ordered by account id.
func (s *Store) ListHealth(ctx context.Context) ([]*HealthSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM health_snapshots ORDER BY account_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []*HealthSnapshot
	for rows.Next() {
		snap, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
