package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xilu0/warp-gateway/internal/pool"
	"github.com/xilu0/warp-gateway/internal/store"
)

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.store.ListHealth(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	data := map[string]any{"snapshots": snapshots}
	if h.monitor != nil {
		data["monitor"] = h.monitor.Status()
	}
	writeData(w, http.StatusOK, data)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	report, err := pool.Report(r.Context(), h.store, time.Now().UTC())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	var filter store.AuditFilter
	q := r.URL.Query()
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		filter.AccountID = id
	}
	filter.Action = q.Get("action")
	filter.Actor = q.Get("actor")

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.store.ListAudit(r.Context(), filter, limit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid account id")
		return
	}
	acc, err := h.refreshOne(r.Context(), id, actorOf(r))
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}
	if errors.Is(err, errAccountBusy) {
		writeDetail(w, http.StatusConflict, "account is busy")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeData(w, http.StatusOK, acc)
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid account id")
		return
	}
	acc, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	_, probeErr := h.refreshOne(r.Context(), id, actorOf(r))
	latency := time.Since(start)

	if errors.Is(probeErr, errAccountBusy) {
		// Busy means mid-send, not unhealthy; no snapshot is written.
		writeDetail(w, http.StatusConflict, "account is busy")
		return
	}

	healthy := probeErr == nil
	now := time.Now().UTC()
	snap := &store.HealthSnapshot{
		AccountID:     id,
		TokenPreview:  acc.TokenPreview,
		Healthy:       &healthy,
		LastCheckedAt: &now,
		LatencyMillis: int(latency.Milliseconds()),
	}
	if healthy {
		snap.LastSuccessAt = &now
	} else {
		snap.LastError = probeErr.Error()
		if prev, rerr := h.store.ReadHealth(r.Context(), id); rerr == nil {
			snap.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		} else {
			snap.ConsecutiveFailures = 1
		}
	}
	if err := h.store.SnapshotHealth(r.Context(), snap); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"account": updated,
		"health":  snap,
	})
}

func (h *Handler) refreshAll(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	actor := actorOf(r)

	var refreshed, failed int64
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(h.hydrateParallelism)
	for _, acc := range accounts {
		if acc.Status == store.StatusDisabled || acc.Status == store.StatusBlocked {
			continue
		}
		g.Go(func() error {
			if _, err := h.refreshOne(ctx, acc.ID, actor); err != nil {
				atomic.AddInt64(&failed, 1)
			} else {
				atomic.AddInt64(&refreshed, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	writeData(w, http.StatusOK, map[string]any{
		"refreshed": refreshed,
		"failed":    failed,
	})
}

// errAccountBusy means the account's lock could not be taken within the
// bounded wait; an in-flight send or probe holds it.
var errAccountBusy = errors.New("account is busy")

// acquire takes the account's exclusivity lock, waiting up to lockWait.
func (h *Handler) acquire(ctx context.Context, id int64) error {
	if h.locks == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.lockWait)
	defer cancel()
	for {
		if h.locks.TryAcquire(id) {
			return nil
		}
		if err := h.locks.WaitRelease(waitCtx); err != nil {
			return errAccountBusy
		}
	}
}

func (h *Handler) release(id int64) {
	if h.locks != nil {
		h.locks.Release(id)
	}
}

// refreshOne forces a credential refresh for one account and persists the
// result, recording the admin actor on the audit trail. The account's lock
// is held for the exchange so it never overlaps a send or probe.
func (h *Handler) refreshOne(ctx context.Context, id int64, actor string) (*store.Account, error) {
	if err := h.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer h.release(id)

	refreshToken, err := h.store.GetRefreshToken(ctx, id)
	if err != nil {
		return nil, err
	}

	creds, err := h.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		outcome := pool.ClassifyRefresh(err)
		code := string(outcome)
		msg := err.Error()
		now := time.Now().UTC()
		if uerr := h.store.Update(ctx, id, store.Patch{
			LastCheckAt:      &now,
			LastErrorCode:    &code,
			LastErrorMessage: &msg,
		}, &store.AuditEvent{
			AccountID: &id,
			Actor:     actor,
			Action:    "refresh",
			Outcome:   string(outcome),
			Detail:    msg,
		}); uerr != nil {
			h.logger.Error("failed to persist refresh failure", "account_id", id, "error", uerr)
		}
		return nil, err
	}

	if creds.RefreshToken != "" && creds.RefreshToken != refreshToken {
		if merged := pool.StoreRotatedToken(ctx, h.store, h.logger, id, actor, creds.RefreshToken); merged {
			// Retired in favor of the account already holding the token;
			// the audit trail carries the merge.
			return h.store.Get(ctx, id)
		}
	}

	now := time.Now().UTC()
	patch := store.Patch{
		AccessToken:          &creds.AccessToken,
		AccessTokenExpiresAt: &creds.ExpiresAt,
		LastCheckAt:          &now,
	}
	if h.quota != nil {
		if info, qerr := h.quota.Fetch(ctx, creds.AccessToken); qerr == nil {
			q := store.Quota{
				Limit:           info.Limit,
				Used:            info.Used,
				Remaining:       info.Remaining,
				IsUnlimited:     info.IsUnlimited,
				NextRefreshTime: info.NextRefreshTime,
				RefreshDuration: info.RefreshDuration,
				UpdatedAt:       &now,
			}
			patch.Quota = &q
		}
	}

	if err := h.store.Update(ctx, id, patch, &store.AuditEvent{
		AccountID: &id,
		Actor:     actor,
		Action:    "refresh",
		Outcome:   "ok",
	}); err != nil {
		return nil, err
	}
	return h.store.Get(ctx, id)
}

// hydrate refreshes freshly imported accounts with bounded parallelism.
// Failures are logged, not surfaced; the import itself already succeeded.
func (h *Handler) hydrate(ctx context.Context, ids []int64, actor string) {
	if h.refresher == nil || len(ids) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.hydrateParallelism)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := h.refreshOne(gctx, id, actor); err != nil {
				h.logger.Warn("import hydration failed", "account_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
