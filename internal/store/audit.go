package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const auditDetailLimit = 1000

func appendAuditTx(ctx context.Context, tx *sql.Tx, ev *AuditEvent, now time.Time) error {
	var accountID any
	if ev.AccountID != nil {
		accountID = *ev.AccountID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (account_id, actor, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, ev.Actor, ev.Action, ev.Outcome,
		truncate(ev.Detail, auditDetailLimit), now.Format(time.RFC3339))
	return err
}

// AppendAudit appends an audit event outside any state transition.
// Audit writes are best-effort: failures are logged, never propagated.
func (s *Store) AppendAudit(ctx context.Context, ev *AuditEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var accountID any
	if ev.AccountID != nil {
		accountID = *ev.AccountID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (account_id, actor, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, ev.Actor, ev.Action, ev.Outcome,
		truncate(ev.Detail, auditDetailLimit), s.now().Format(time.RFC3339))
	if err != nil {
		s.logger.Error("failed to append audit event", "action", ev.Action, "error", err)
	}
}

// ListAudit returns audit events, newest first, capped at 500.
func (s *Store) ListAudit(ctx context.Context, filter AuditFilter, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT id, account_id, actor, action, outcome, detail, created_at FROM audit_events`
	var where []string
	var params []any
	if filter.AccountID != 0 {
		where = append(where, "account_id = ?")
		params = append(params, filter.AccountID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		params = append(params, filter.Action)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		params = append(params, filter.Actor)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var accountID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&ev.ID, &accountID, &ev.Actor, &ev.Action, &ev.Outcome, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if accountID.Valid {
			id := accountID.Int64
			ev.AccountID = &id
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			ev.At = t
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
