package pool

import (
	"context"
	"time"

	"github.com/xilu0/warp-gateway/internal/store"
)

// Readiness is the pool-wide "can I serve traffic" projection.
type Readiness struct {
	Total          int        `json:"total"`
	Available      int        `json:"available"`
	Cooldown       int        `json:"cooldown"`
	Blocked        int        `json:"blocked"`
	QuotaExhausted int        `json:"quota_exhausted"`
	Disabled       int        `json:"disabled"`
	Ready          bool       `json:"ready"`
	NextRecoveryAt *time.Time `json:"next_recovery_at,omitempty"`
}

// Report computes readiness from the current account list. An account is
// available when it is active with no open cooldown window. NextRecoveryAt
// is the soonest instant a non-available account may come back.
func Report(ctx context.Context, s *store.Store, now time.Time) (*Readiness, error) {
	accounts, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	r := &Readiness{Total: len(accounts)}
	var soonest *time.Time

	consider := func(t *time.Time) {
		if t == nil || !t.After(now) {
			return
		}
		if soonest == nil || t.Before(*soonest) {
			soonest = t
		}
	}

	for _, acc := range accounts {
		inCooldown := acc.InCooldown(now)
		switch acc.Status {
		case store.StatusActive:
			if inCooldown {
				r.Cooldown++
				consider(acc.CooldownUntil)
			} else {
				r.Available++
			}
		case store.StatusCooldown:
			r.Cooldown++
			consider(acc.CooldownUntil)
		case store.StatusBlocked:
			r.Blocked++
		case store.StatusQuotaExhausted:
			r.QuotaExhausted++
			consider(acc.CooldownUntil)
			if acc.Quota != nil {
				consider(acc.Quota.NextRefreshTime)
			}
		case store.StatusDisabled:
			r.Disabled++
		}
	}

	r.Ready = r.Available > 0
	if !r.Ready {
		r.NextRecoveryAt = soonest
	}
	return r, nil
}
