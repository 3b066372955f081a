package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xilu0/warp-gateway/internal/crypto"
)

const accountColumns = `id, label, email, fingerprint, refresh_token_encrypted,
	access_token, access_token_expires_at, status, use_count, error_count,
	last_error_code, last_error_message, last_success_at, last_check_at,
	cooldown_until, quota_limit, quota_used, quota_remaining,
	quota_is_unlimited, quota_next_refresh_time, quota_refresh_duration,
	quota_updated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acc                               Account
		label, email                      sql.NullString
		encrypted                         string
		accessExpires                     sql.NullString
		lastSuccess, lastCheck, cooldown  sql.NullString
		qLimit, qUsed, qRemaining         sql.NullInt64
		qUnlimited                        sql.NullInt64
		qNextRefresh, qDuration, qUpdated sql.NullString
		createdAt, updatedAt              string
	)

	err := row.Scan(&acc.ID, &label, &email, &acc.Fingerprint, &encrypted,
		&acc.AccessToken, &accessExpires, &acc.Status, &acc.UseCount, &acc.ErrorCount,
		&acc.LastErrorCode, &acc.LastErrorMessage, &lastSuccess, &lastCheck,
		&cooldown, &qLimit, &qUsed, &qRemaining,
		&qUnlimited, &qNextRefresh, &qDuration,
		&qUpdated, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	acc.Label = label.String
	acc.Email = email.String
	acc.AccessTokenExpiresAt = decodeTime(accessExpires)
	acc.LastSuccessAt = decodeTime(lastSuccess)
	acc.LastCheckAt = decodeTime(lastCheck)
	acc.CooldownUntil = decodeTime(cooldown)

	if qLimit.Valid || qUnlimited.Valid {
		acc.Quota = &Quota{
			Limit:           int(qLimit.Int64),
			Used:            int(qUsed.Int64),
			Remaining:       int(qRemaining.Int64),
			IsUnlimited:     qUnlimited.Int64 != 0,
			NextRefreshTime: decodeTime(qNextRefresh),
			RefreshDuration: qDuration.String,
			UpdatedAt:       decodeTime(qUpdated),
		}
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		acc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		acc.UpdatedAt = t
	}

	return &acc, nil
}

// List returns every account, newest first. Previews are filled from the
// decrypted token; undecryptable rows keep an empty preview.
func (s *Store) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return accounts, err
	}
	// Close the cursor before filling previews: the pool holds a single
	// connection, and a nested query while the cursor is open deadlocks.
	_ = rows.Close()
	for _, acc := range accounts {
		s.fillPreview(ctx, acc)
	}
	return accounts, nil
}

// Get returns a single account by id.
func (s *Store) Get(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	s.fillPreview(ctx, acc)
	return acc, nil
}

// FindByFingerprint returns the account holding the given refresh-token
// fingerprint, or ErrNotFound.
func (s *Store) FindByFingerprint(ctx context.Context, fp string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE fingerprint = ?`, fp)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by fingerprint: %w", err)
	}
	return acc, nil
}

func (s *Store) fillPreview(ctx context.Context, acc *Account) {
	var encrypted string
	if err := s.db.QueryRowContext(ctx,
		`SELECT refresh_token_encrypted FROM accounts WHERE id = ?`, acc.ID).Scan(&encrypted); err != nil {
		return
	}
	if plain, err := s.box.Decrypt(encrypted); err == nil {
		acc.TokenPreview = crypto.Preview(plain)
	}
}

// GetRefreshToken decrypts and returns the refresh token for an account.
// A decrypt failure marks the account disabled and returns ErrDecryptFailed;
// the rest of the pool is unaffected.
func (s *Store) GetRefreshToken(ctx context.Context, id int64) (string, error) {
	var encrypted string
	err := s.db.QueryRowContext(ctx,
		`SELECT refresh_token_encrypted FROM accounts WHERE id = ?`, id).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token for %d: %w", id, err)
	}

	plain, err := s.box.Decrypt(encrypted)
	if err != nil {
		s.logger.Error("refresh token decrypt failed, disabling account", "account_id", id, "error", err)
		status := StatusDisabled
		code := "decrypt_failed"
		msg := "stored refresh token could not be decrypted"
		if uerr := s.Update(ctx, id, Patch{
			Status:           &status,
			LastErrorCode:    &code,
			LastErrorMessage: &msg,
		}, &AuditEvent{
			AccountID: &id,
			Actor:     ActorRuntime,
			Action:    "decrypt_token",
			Outcome:   "decrypt_failed",
			Detail:    err.Error(),
		}); uerr != nil {
			s.logger.Error("failed to disable account after decrypt failure", "account_id", id, "error", uerr)
		}
		return "", ErrDecryptFailed
	}
	return plain, nil
}

// Insert adds one account. Duplicate fingerprints return ErrDuplicate.
func (s *Store) Insert(ctx context.Context, refreshToken, label, email string) (*Account, error) {
	token := strings.TrimSpace(strings.Trim(strings.TrimSpace(refreshToken), `'"`))
	if token == "" {
		return nil, crypto.ErrEmptyToken
	}

	encrypted, err := s.box.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	fp := crypto.Fingerprint(token)
	now := s.now().Format(time.RFC3339)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if label == "" {
		label = s.generateLabel(ctx)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (label, email, fingerprint, refresh_token_encrypted, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)`,
		label, nullable(email), fp, encrypted, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return nil, ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return s.Get(ctx, id)
}

// BatchImport inserts accounts, deduplicating by fingerprint within the
// batch and against existing rows. Per-row outcomes are summed.
func (s *Store) BatchImport(ctx context.Context, rows []ImportAccount) (*ImportResult, error) {
	result := &ImportResult{}
	seen := make(map[string]bool)

	for _, row := range rows {
		token := strings.TrimSpace(strings.Trim(strings.TrimSpace(row.RefreshToken), `'"`))
		if token == "" {
			result.Errors++
			continue
		}
		fp := crypto.Fingerprint(token)
		if seen[fp] {
			result.Duplicates++
			continue
		}
		seen[fp] = true

		acc, err := s.Insert(ctx, token, row.Label, row.Email)
		switch {
		case err == nil:
			result.Inserted++
			result.InsertedIDs = append(result.InsertedIDs, acc.ID)
		case err == ErrDuplicate:
			result.Duplicates++
		default:
			s.logger.Warn("batch import row failed", "error", err)
			result.Errors++
		}
	}
	return result, nil
}

// Update applies a partial patch as one atomic row update; when audit is
// non-nil it is appended within the same transaction.
func (s *Store) Update(ctx context.Context, id int64, patch Patch, audit *AuditEvent) error {
	sets, params, err := s.buildPatch(patch)
	if err != nil {
		return err
	}
	if len(sets) == 0 && audit == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		params = append(params, s.now().Format(time.RFC3339))
		params = append(params, id)

		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, params...)
		if err != nil {
			return fmt.Errorf("failed to update account %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}

	if audit != nil {
		if err := appendAuditTx(ctx, tx, audit, s.now()); err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) buildPatch(patch Patch) ([]string, []any, error) {
	var sets []string
	var params []any

	add := func(clause string, v any) {
		sets = append(sets, clause)
		params = append(params, v)
	}

	if patch.Label != nil {
		add("label = ?", *patch.Label)
	}
	if patch.Email != nil {
		add("email = ?", nullable(*patch.Email))
	}
	if patch.Status != nil {
		if !AllowedStatuses[*patch.Status] {
			return nil, nil, fmt.Errorf("invalid status %q", *patch.Status)
		}
		add("status = ?", *patch.Status)
	}
	if patch.RefreshToken != nil {
		encrypted, err := s.box.Encrypt(*patch.RefreshToken)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		add("fingerprint = ?", crypto.Fingerprint(*patch.RefreshToken))
		add("refresh_token_encrypted = ?", encrypted)
	}
	if patch.AccessToken != nil {
		add("access_token = ?", *patch.AccessToken)
	}
	if patch.AccessTokenExpiresAt != nil {
		add("access_token_expires_at = ?", encodeTime(patch.AccessTokenExpiresAt))
	}
	if patch.Quota != nil {
		q := patch.Quota
		add("quota_limit = ?", q.Limit)
		add("quota_used = ?", q.Used)
		add("quota_remaining = ?", q.Remaining)
		add("quota_is_unlimited = ?", boolToInt(q.IsUnlimited))
		add("quota_next_refresh_time = ?", encodeTime(q.NextRefreshTime))
		add("quota_refresh_duration = ?", q.RefreshDuration)
		add("quota_updated_at = ?", encodeTime(q.UpdatedAt))
	}
	if patch.ErrorCount != nil {
		add("error_count = ?", *patch.ErrorCount)
	}
	if patch.LastErrorCode != nil {
		add("last_error_code = ?", truncate(*patch.LastErrorCode, 64))
	}
	if patch.LastErrorMessage != nil {
		add("last_error_message = ?", truncate(*patch.LastErrorMessage, 240))
	}
	if patch.LastSuccessAt != nil {
		add("last_success_at = ?", encodeTime(patch.LastSuccessAt))
	}
	if patch.LastCheckAt != nil {
		add("last_check_at = ?", encodeTime(patch.LastCheckAt))
	}
	if patch.ClearCooldown {
		add("cooldown_until = ?", nil)
	} else if patch.CooldownUntil != nil {
		add("cooldown_until = ?", encodeTime(patch.CooldownUntil))
	}
	if patch.IncrementUse {
		sets = append(sets, "use_count = use_count + 1")
	}

	return sets, params, nil
}

// Delete removes one account.
func (s *Store) Delete(ctx context.Context, id int64, audit *AuditEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM health_snapshots WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete health snapshot for %d: %w", id, err)
	}
	if audit != nil {
		if err := appendAuditTx(ctx, tx, audit, s.now()); err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}
	return tx.Commit()
}

// BatchDelete removes a set of accounts, reporting missing ids.
func (s *Store) BatchDelete(ctx context.Context, ids []int64, audit *AuditEvent) (*DeleteResult, error) {
	result := &DeleteResult{Requested: len(ids)}
	for _, id := range ids {
		err := s.Delete(ctx, id, nil)
		switch {
		case err == nil:
			result.Deleted++
		case err == ErrNotFound:
			result.Missing++
		default:
			return nil, err
		}
	}
	if audit != nil {
		s.AppendAudit(ctx, audit)
	}
	return result, nil
}

// Statistics returns pool-wide counts grouped by status and health.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.db.QueryContext(ctx, `
		SELECT h.healthy, COUNT(*)
		FROM accounts a LEFT JOIN health_snapshots h ON h.account_id = a.id
		GROUP BY h.healthy`)
	if err != nil {
		return nil, fmt.Errorf("failed to read health statistics: %w", err)
	}
	defer func() { _ = hrows.Close() }()
	for hrows.Next() {
		var healthy sql.NullInt64
		var count int
		if err := hrows.Scan(&healthy, &count); err != nil {
			return nil, fmt.Errorf("failed to scan health statistics: %w", err)
		}
		switch {
		case !healthy.Valid:
			stats.Unchecked += count
		case healthy.Int64 != 0:
			stats.Healthy += count
		default:
			stats.Unhealthy += count
		}
	}
	return stats, hrows.Err()
}

// generateLabel produces a short unique label for imported accounts.
func (s *Store) generateLabel(ctx context.Context) string {
	for i := 0; i < 8; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			break
		}
		candidate := "tk-" + hex.EncodeToString(buf)
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE label = ? LIMIT 1`, candidate).Scan(&exists)
		if err == sql.ErrNoRows {
			return candidate
		}
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "tk-" + hex.EncodeToString(buf)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(v string, limit int) string {
	if len(v) <= limit {
		return v
	}
	return v[:limit]
}
