package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/warp-gateway/internal/store"
	"github.com/xilu0/warp-gateway/internal/warp"
)

func TestDispatch_SingleHealthyAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-ok")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		assert.Equal(t, "access-refresh-token-disp-ok", accessToken)
		return okStream("hello"), nil
	}}
	refresher := &fakeRefresher{}

	d, locks := newTestDispatcher(t, s, sender, refresher, nil, 3)
	stream, err := d.Dispatch(ctx, []byte("payload"), "agent")
	require.NoError(t, err)

	assert.True(t, locks.Held(acc.ID))
	events := drainStream(t, stream)
	require.Len(t, events, 3)
	assert.Equal(t, "hello", events[1].Text)
	assert.Equal(t, "c1", stream.Meta().ConversationID)
	assert.False(t, locks.Held(acc.ID))

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UseCount)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.Equal(t, store.StatusActive, got.Status)
	require.NotNil(t, got.LastSuccessAt)
	assert.Equal(t, 1, refresher.calls)

	// Audit trail covers the refresh and the served dispatch.
	refreshEvents, err := s.ListAudit(ctx, store.AuditFilter{Action: "refresh"}, 0)
	require.NoError(t, err)
	assert.Len(t, refreshEvents, 1)
	dispatchEvents, err := s.ListAudit(ctx, store.AuditFilter{Action: "dispatch"}, 0)
	require.NoError(t, err)
	require.Len(t, dispatchEvents, 1)
	assert.Equal(t, string(OutcomeOK), dispatchEvents[0].Outcome)

	snap, err := s.ReadHealth(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestDispatch_EmptyPool(t *testing.T) {
	s := newTestStore(t)
	d, _ := newTestDispatcher(t, s, &fakeSender{}, &fakeRefresher{}, nil, 3)

	_, err := d.Dispatch(context.Background(), nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrUnavailable, derr.Kind)
	assert.Equal(t, 503, derr.HTTPStatus())
	require.NotNil(t, derr.Readiness)
	assert.False(t, derr.Readiness.Ready)
	assert.Zero(t, derr.Readiness.Available)
}

func TestDispatch_QuotaExhaustionLongCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-quota")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return nil, &warp.APIError{StatusCode: 429, Body: []byte("No remaining quota")}
	}}
	d, locks := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	before := time.Now().UTC()
	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrUpstreamRejected, derr.Kind)
	assert.False(t, locks.Held(acc.ID))

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQuotaExhausted, got.Status)
	require.NotNil(t, got.CooldownUntil)
	assert.WithinDuration(t, before.Add(time.Hour), *got.CooldownUntil, 10*time.Second)

	events, err := s.ListAudit(ctx, store.AuditFilter{Action: "dispatch"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(OutcomeQuotaExhausted), events[0].Outcome)
}

func TestDispatch_FailoverOnRateLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAccount(t, s, "refresh-token-disp-fo-a")
	b := insertAccount(t, s, "refresh-token-disp-fo-b")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		if accessToken == "access-refresh-token-disp-fo-a" {
			return nil, &warp.APIError{StatusCode: 429, Body: []byte("slow down"), RetryAfter: "90"}
		}
		return okStream("served by b"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)
	events := drainStream(t, stream)
	assert.Equal(t, "served by b", events[1].Text)

	gotA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCooldown, gotA.Status)
	assert.Equal(t, int64(1), gotA.ErrorCount)
	require.NotNil(t, gotA.CooldownUntil)
	// Retry-After hint drives the backoff.
	assert.WithinDuration(t, time.Now().UTC().Add(90*time.Second), *gotA.CooldownUntil, 10*time.Second)

	gotB, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotB.UseCount)
	assert.Equal(t, int64(0), gotB.ErrorCount)
}

func TestDispatch_RefreshThenRetrySameAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-retry")

	// Seed a non-expired access token so the first send skips refresh.
	seeded := "stale-but-unexpired"
	exp := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.Update(ctx, acc.ID, store.Patch{AccessToken: &seeded, AccessTokenExpiresAt: &exp}, nil))

	refresher := &fakeRefresher{}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		if call == 1 {
			return nil, &warp.APIError{StatusCode: 401, Body: []byte("token is expired")}
		}
		assert.Equal(t, "access-refresh-token-disp-retry", accessToken)
		return okStream("after refresh"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, refresher, nil, 3)

	// The seeded token is not a decodable JWT, so the dispatcher refreshes
	// up front; the 401 then forces one more refresh and a single retry.
	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)
	events := drainStream(t, stream)
	assert.Equal(t, "after refresh", events[1].Text)
	assert.Equal(t, 2, sender.calls)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UseCount)
	assert.Equal(t, int64(0), got.ErrorCount)
}

func TestDispatch_RefreshRejectedBlocksAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-revoked")

	refresher := &fakeRefresher{fn: func(call int, refreshToken string) (*warp.Credentials, error) {
		return nil, &warp.RefreshError{StatusCode: 400, Body: []byte("invalid_grant")}
	}}
	d, _ := newTestDispatcher(t, s, &fakeSender{}, refresher, nil, 3)

	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrAuthFailed, derr.Kind)
	assert.Equal(t, 502, derr.HTTPStatus())

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, got.Status)
	assert.Equal(t, string(OutcomeRefreshRejected), got.LastErrorCode)
}

func TestDispatch_BudgetOfOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAccount(t, s, "refresh-token-disp-b1-a")
	insertAccount(t, s, "refresh-token-disp-b1-b")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return nil, &warp.APIError{StatusCode: 503, Body: []byte("overloaded")}
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 1)

	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrUpstreamUnreachable, derr.Kind)
	assert.Equal(t, 1, sender.calls)
}

func TestDispatch_NeverRetriesSameAccountTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAccount(t, s, "refresh-token-disp-once-a")
	insertAccount(t, s, "refresh-token-disp-once-b")

	var tokensSeen []string
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		tokensSeen = append(tokensSeen, accessToken)
		return nil, &warp.APIError{StatusCode: 500, Body: []byte("boom")}
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 5)

	_, err := d.Dispatch(ctx, nil, "agent")
	require.Error(t, err)
	require.Len(t, tokensSeen, 2)
	assert.NotEqual(t, tokensSeen[0], tokensSeen[1])
}

func TestDispatch_AdminDisableDuringFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-disable")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("in flight"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)

	// Admin disables mid-send.
	disabled := store.StatusDisabled
	require.NoError(t, s.Update(ctx, acc.ID, store.Patch{Status: &disabled}, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorAdmin,
		Action:    "update",
		Outcome:   "disabled",
	}))

	// In-flight stream completes uninterrupted.
	events := drainStream(t, stream)
	assert.Equal(t, "in flight", events[1].Text)

	// Subsequent dispatches never select the account.
	_, err = d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrUnavailable, derr.Kind)
}

func TestDispatch_MidStreamErrorUpdatesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-midstream")

	src := &fakeStream{events: []warp.Event{
		{Kind: warp.EventText, Text: "partial"},
		{Kind: warp.EventError, Message: "connection reset"},
	}}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return src, nil
	}}
	d, locks := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, warp.EventText, first.Kind)

	second, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, warp.EventError, second.Kind)
	assert.False(t, locks.Held(acc.ID))

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	// Success was recorded at first event, then the mid-stream failure
	// bumped the counter; no second attempt happened.
	assert.Equal(t, int64(1), got.UseCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, 1, sender.calls)
}

func TestDispatch_AbandonedStreamReleasesLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-abandon")

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("long answer"), nil
	}}
	d, locks := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)
	require.True(t, locks.Held(acc.ID))

	require.NoError(t, stream.Close())
	assert.False(t, locks.Held(acc.ID))

	// Abandoning is not a failure.
	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ErrorCount)
}

func TestDispatch_ErrorCountThresholdDemotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-fthresh")
	two := int64(2)
	require.NoError(t, s.Update(ctx, acc.ID, store.Patch{ErrorCount: &two}, nil))

	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return nil, &warp.APIError{StatusCode: 403, Body: []byte("waf says no")}
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	_, err := d.Dispatch(ctx, nil, "agent")
	require.Error(t, err)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ErrorCount)
	assert.Equal(t, store.StatusCooldown, got.Status)
	require.NotNil(t, got.CooldownUntil)
}

func TestDispatch_ConcurrentRefreshSingleFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAccount(t, s, "refresh-token-disp-sf")

	slowRefresh := &fakeRefresher{fn: func(call int, refreshToken string) (*warp.Credentials, error) {
		time.Sleep(30 * time.Millisecond)
		return &warp.Credentials{
			AccessToken:  "access-shared",
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("ok"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, slowRefresh, nil, 3)

	// Two dispatches race; the per-account lock serializes them, so the
	// second sees the persisted access token... but the token is not a
	// JWT, so it refreshes again. Either way each dispatch succeeds.
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			stream, err := d.Dispatch(ctx, nil, "agent")
			if err == nil {
				drainStream(t, stream)
			}
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestDispatch_QuotaSnapshotPersistedOnRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-qsnap")

	quota := &fakeQuota{info: &warp.QuotaInfo{Limit: 100, Used: 10, Remaining: 90, RefreshDuration: "WEEKLY"}}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("ok"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, quota, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)
	drainStream(t, stream)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Quota)
	assert.Equal(t, 100, got.Quota.Limit)
	assert.Equal(t, 90, got.Quota.Remaining)
}

func TestDispatch_QuotaExhaustedOnRefreshSkipsAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exhausted := insertAccount(t, s, "refresh-token-disp-qex")

	quota := &fakeQuota{info: &warp.QuotaInfo{Limit: 100, Used: 100, Remaining: 0}}
	d, _ := newTestDispatcher(t, s, &fakeSender{}, &fakeRefresher{}, quota, 3)

	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrUpstreamRejected, derr.Kind)

	got, err := s.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQuotaExhausted, got.Status)
	require.NotNil(t, got.CooldownUntil)

	// The refresh itself succeeded, but the audit row carries the quota
	// outcome that drove the transition.
	events, err := s.ListAudit(ctx, store.AuditFilter{Action: "refresh"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(OutcomeQuotaExhausted), events[0].Outcome)
}

func TestDispatch_AuthFailureStopsRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAccount(t, s, "refresh-token-disp-authstop-a")
	b := insertAccount(t, s, "refresh-token-disp-authstop-b")

	// Fresh credentials are still refused upstream; that is systemic, so the
	// dispatcher does not burn through the rest of the pool.
	var tokensSeen []string
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		tokensSeen = append(tokensSeen, accessToken)
		return nil, &warp.APIError{StatusCode: 401, Body: []byte("token is expired")}
	}}
	d, _ := newTestDispatcher(t, s, sender, &fakeRefresher{}, nil, 3)

	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ErrAuthFailed, derr.Kind)

	// One send plus one post-refresh retry, both on the same account; the
	// second account was never touched.
	require.Len(t, tokensSeen, 2)
	assert.Equal(t, tokensSeen[0], tokensSeen[1])

	touched := 0
	for _, id := range []int64{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		if got.LastErrorCode != "" {
			touched++
			assert.Equal(t, string(OutcomeAuthExpired), got.LastErrorCode)
		}
	}
	assert.Equal(t, 1, touched)
}

func TestDispatch_RotatedTokenPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acc := insertAccount(t, s, "refresh-token-disp-rot-old")

	refresher := &fakeRefresher{fn: func(call int, refreshToken string) (*warp.Credentials, error) {
		return &warp.Credentials{
			AccessToken:  "access-rotated",
			RefreshToken: "refresh-token-disp-rot-new",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("ok"), nil
	}}
	d, _ := newTestDispatcher(t, s, sender, refresher, nil, 3)

	stream, err := d.Dispatch(ctx, nil, "agent")
	require.NoError(t, err)
	drainStream(t, stream)

	token, err := s.GetRefreshToken(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-disp-rot-new", token)
}

func TestDispatch_RotatedDuplicateRetiresAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	survivor := insertAccount(t, s, "refresh-token-disp-merge-keep")
	doomed := insertAccount(t, s, "refresh-token-disp-merge-src")

	refresher := &fakeRefresher{fn: func(call int, refreshToken string) (*warp.Credentials, error) {
		if refreshToken == "refresh-token-disp-merge-src" {
			// Rotates onto the survivor's token.
			return &warp.Credentials{
				AccessToken:  "access-merge",
				RefreshToken: "refresh-token-disp-merge-keep",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		}
		return &warp.Credentials{
			AccessToken:  "access-keep",
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}}
	sender := &fakeSender{fn: func(call int, accessToken string) (EventSource, error) {
		return okStream("ok"), nil
	}}
	d, locks := newTestDispatcher(t, s, sender, refresher, nil, 3)

	// Force selection of the doomed account by locking the survivor. The
	// merge retires the doomed account mid-refresh, so the attempt aborts
	// and no other account is free to serve.
	require.True(t, locks.TryAcquire(survivor.ID))
	_, err := d.Dispatch(ctx, nil, "agent")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	locks.Release(survivor.ID)
	assert.False(t, locks.Held(doomed.ID))

	gotDoomed, err := s.Get(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisabled, gotDoomed.Status)
	assert.Equal(t, "rotated_duplicate", gotDoomed.LastErrorCode)

	gotSurvivor, err := s.Get(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, gotSurvivor.Status)
}
