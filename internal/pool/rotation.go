package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xilu0/warp-gateway/internal/crypto"
	"github.com/xilu0/warp-gateway/internal/store"
)

// StoreRotatedToken persists a provider-rotated refresh token. When the
// rotated token's fingerprint already belongs to another account, the
// existing row wins, this one is retired, and merged reports that. Used by
// every path that runs a refresh exchange: dispatcher, monitor, and the
// admin surface.
func StoreRotatedToken(ctx context.Context, st *store.Store, logger *slog.Logger, accountID int64, actor, rotated string) (merged bool) {
	fp := crypto.Fingerprint(rotated)
	existing, err := st.FindByFingerprint(ctx, fp)
	if err == nil && existing.ID != accountID {
		status := store.StatusDisabled
		code := "rotated_duplicate"
		msg := fmt.Sprintf("rotated token already held by account %d", existing.ID)
		if uerr := st.Update(ctx, accountID, store.Patch{
			Status:           &status,
			LastErrorCode:    &code,
			LastErrorMessage: &msg,
		}, &store.AuditEvent{
			AccountID: &accountID,
			Actor:     actor,
			Action:    "rotate_token",
			Outcome:   "merged",
			Detail:    msg,
		}); uerr != nil {
			logger.Error("failed to retire merged account", "account_id", accountID, "error", uerr)
		}
		return true
	}

	if uerr := st.Update(ctx, accountID, store.Patch{RefreshToken: &rotated}, &store.AuditEvent{
		AccountID: &accountID,
		Actor:     actor,
		Action:    "rotate_token",
		Outcome:   "rotated",
	}); uerr != nil {
		logger.Error("failed to persist rotated refresh token", "account_id", accountID, "error", uerr)
	}
	return false
}
