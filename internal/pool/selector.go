package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/xilu0/warp-gateway/internal/store"
)

// ErrNoAccountAvailable is returned when no eligible account exists.
var ErrNoAccountAvailable = errors.New("no eligible account available")

// schedulerCursorKey persists the last dispatched account id so
// equally-ranked accounts round-robin across process restarts.
const schedulerCursorKey = "scheduler.last_account_id"

// Selector picks an eligible account under the pool ordering and acquires
// its exclusivity lock.
type Selector struct {
	store         *store.Store
	locks         *LockMap
	failThreshold int
	lockWait      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// SelectorOptions configures the selector.
type SelectorOptions struct {
	Store *store.Store
	Locks *LockMap
	// FailThreshold excludes accounts whose health snapshot shows this
	// many consecutive failures.
	FailThreshold int
	// LockWait bounds how long Select waits for a busy account to free
	// when every eligible account is locked.
	LockWait time.Duration
	Logger   *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(opts SelectorOptions) *Selector {
	failThreshold := opts.FailThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		store:         opts.Store,
		locks:         opts.Locks,
		failThreshold: failThreshold,
		lockWait:      lockWait,
		logger:        logger,
		now:           time.Now,
	}
}

// Select returns the best eligible account with its lock held. The caller
// must Release the lock when the send or probe finishes. Accounts in
// exclude are skipped. When every eligible account is busy, Select waits
// up to LockWait for one to free; otherwise ErrNoAccountAvailable.
func (s *Selector) Select(ctx context.Context, exclude map[int64]bool) (*store.Account, error) {
	deadline := s.now().Add(s.lockWait)
	for {
		candidates, err := s.candidates(ctx, exclude)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, ErrNoAccountAvailable
		}

		for _, acc := range candidates {
			if s.locks.TryAcquire(acc.ID) {
				s.rememberCursor(ctx, acc.ID)
				return acc, nil
			}
		}

		// All eligible accounts are mid-flight; wait for any release.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoAccountAvailable
		}
		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		err = s.locks.WaitRelease(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrNoAccountAvailable
		}
	}
}

// candidates returns eligible accounts in dispatch order.
func (s *Selector) candidates(ctx context.Context, exclude map[int64]bool) ([]*store.Account, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}
	failures := make(map[int64]int, len(snaps))
	for _, snap := range snaps {
		failures[snap.AccountID] = snap.ConsecutiveFailures
	}

	now := s.now()
	var eligible []*store.Account
	for _, acc := range accounts {
		if exclude[acc.ID] {
			continue
		}
		if acc.Status == store.StatusCooldown && !acc.InCooldown(now) {
			// Cooldown window has passed; promote back to rotation.
			if err := s.promote(ctx, acc); err != nil {
				continue
			}
		}
		if acc.Status != store.StatusActive {
			continue
		}
		if acc.InCooldown(now) {
			continue
		}
		if failures[acc.ID] >= s.failThreshold {
			continue
		}
		eligible = append(eligible, acc)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		at, bt := successTime(a), successTime(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if a.UseCount != b.UseCount {
			return a.UseCount < b.UseCount
		}
		return a.ID < b.ID
	})

	return s.rotate(ctx, eligible), nil
}

// successTime orders accounts that never succeeded ahead of the rest.
func successTime(a *store.Account) time.Time {
	if a.LastSuccessAt == nil {
		return time.Time{}
	}
	return *a.LastSuccessAt
}

// rotate shifts the ranked list past the persisted cursor so ties
// round-robin instead of hammering the lowest id.
func (s *Selector) rotate(ctx context.Context, ranked []*store.Account) []*store.Account {
	if len(ranked) < 2 {
		return ranked
	}
	raw, err := s.store.KVGet(ctx, schedulerCursorKey)
	if err != nil {
		return ranked
	}
	last, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return ranked
	}

	// Rotation only applies within the top rank band; a strictly better
	// account always goes first.
	band := 1
	for band < len(ranked) && sameRank(ranked[0], ranked[band]) {
		band++
	}
	pivot := -1
	for i := 0; i < band; i++ {
		if ranked[i].ID == last {
			pivot = i
			break
		}
	}
	if pivot < 0 {
		return ranked
	}

	rotated := make([]*store.Account, 0, len(ranked))
	rotated = append(rotated, ranked[pivot+1:band]...)
	rotated = append(rotated, ranked[:pivot+1]...)
	rotated = append(rotated, ranked[band:]...)
	return rotated
}

func sameRank(a, b *store.Account) bool {
	return a.ErrorCount == b.ErrorCount &&
		successTime(a).Equal(successTime(b)) &&
		a.UseCount == b.UseCount
}

// promote returns an expired-cooldown account to active.
func (s *Selector) promote(ctx context.Context, acc *store.Account) error {
	status := store.StatusActive
	err := s.store.Update(ctx, acc.ID, store.Patch{
		Status:        &status,
		ClearCooldown: true,
	}, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorRuntime,
		Action:    "cooldown_expired",
		Outcome:   "promoted",
	})
	if err != nil {
		s.logger.Warn("failed to promote account out of cooldown", "account_id", acc.ID, "error", err)
		return err
	}
	acc.Status = store.StatusActive
	acc.CooldownUntil = nil
	return nil
}

func (s *Selector) rememberCursor(ctx context.Context, id int64) {
	if err := s.store.KVSet(ctx, schedulerCursorKey, []byte(strconv.FormatInt(id, 10)), 0); err != nil {
		s.logger.Warn("failed to persist scheduler cursor", "error", err)
	}
}
