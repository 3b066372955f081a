package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xilu0/warp-gateway/internal/metrics"
	"github.com/xilu0/warp-gateway/internal/store"
	"github.com/xilu0/warp-gateway/internal/warp"
)

// EventSource is the minimal stream surface the dispatcher consumes.
// *warp.EventStream satisfies it.
type EventSource interface {
	Next() (*warp.Event, error)
	Close() error
}

// Sender issues one upstream send. *warp.Client is adapted via ClientSender.
type Sender interface {
	SendStream(ctx context.Context, accessToken string, body []byte) (EventSource, error)
}

// ClientSender adapts *warp.Client to Sender.
type ClientSender struct {
	Client *warp.Client
}

// SendStream implements Sender.
func (c ClientSender) SendStream(ctx context.Context, accessToken string, body []byte) (EventSource, error) {
	stream, err := c.Client.SendStream(ctx, accessToken, body)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// TokenRefresher exchanges a refresh token for credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*warp.Credentials, error)
}

// QuotaReader fetches the upstream quota snapshot for an access token.
type QuotaReader interface {
	Fetch(ctx context.Context, accessToken string) (*warp.QuotaInfo, error)
}

// ErrorKind is the caller-facing dispatch failure taxonomy.
type ErrorKind string

const (
	ErrUnavailable         ErrorKind = "unavailable"
	ErrAuthFailed          ErrorKind = "auth_failed"
	ErrUpstreamRejected    ErrorKind = "upstream_rejected"
	ErrUpstreamUnreachable ErrorKind = "upstream_unreachable"
	ErrInternal            ErrorKind = "internal"
)

// DispatchError is the aggregate failure of one dispatch.
type DispatchError struct {
	Kind      ErrorKind
	Message   string
	Readiness *Readiness
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed (%s): %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind to a stable status code.
func (e *DispatchError) HTTPStatus() int {
	switch e.Kind {
	case ErrUnavailable, ErrUpstreamUnreachable:
		return http.StatusServiceUnavailable
	case ErrAuthFailed, ErrUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Dispatcher is the single upstream channel. Every upstream call in the
// process originates here.
type Dispatcher struct {
	store     *store.Store
	selector  *Selector
	locks     *LockMap
	sender    Sender
	refresher TokenRefresher
	quota     QuotaReader
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// refreshGroup collapses concurrent refreshes of one account.
	refreshGroup singleflight.Group

	coolShort   time.Duration
	coolLong    time.Duration
	fThreshold  int64
	maxAccounts int
	now         func() time.Time
}

// DispatcherOptions configures the dispatcher.
type DispatcherOptions struct {
	Store     *store.Store
	Selector  *Selector
	Locks     *LockMap
	Sender    Sender
	Refresher TokenRefresher
	// Quota is optional; when set, successful refreshes also persist a
	// fresh quota snapshot.
	Quota   QuotaReader
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// CoolShort is the backoff after rate limiting and error-count
	// demotion; CoolLong after quota exhaustion.
	CoolShort time.Duration
	CoolLong  time.Duration
	// FThreshold is the error count at which repeated soft failures
	// demote an account to cooldown.
	FThreshold int
	// MaxAccounts caps distinct accounts tried per dispatch.
	MaxAccounts int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	coolShort := opts.CoolShort
	if coolShort <= 0 {
		coolShort = 5 * time.Minute
	}
	coolLong := opts.CoolLong
	if coolLong <= 0 {
		coolLong = time.Hour
	}
	fThreshold := opts.FThreshold
	if fThreshold <= 0 {
		fThreshold = 3
	}
	maxAccounts := opts.MaxAccounts
	if maxAccounts <= 0 {
		maxAccounts = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       opts.Store,
		selector:    opts.Selector,
		locks:       opts.Locks,
		sender:      opts.Sender,
		refresher:   opts.Refresher,
		quota:       opts.Quota,
		metrics:     opts.Metrics,
		logger:      logger,
		coolShort:   coolShort,
		coolLong:    coolLong,
		fThreshold:  int64(fThreshold),
		maxAccounts: maxAccounts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch fulfills one client request, rotating across up to MaxAccounts
// distinct accounts. On success the returned stream holds the account's
// lock until it is closed or exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, model string) (*Stream, error) {
	tried := make(map[int64]bool)
	var outcomes []Outcome

	for len(tried) < d.maxAccounts {
		acc, err := d.selector.Select(ctx, tried)
		if errors.Is(err, ErrNoAccountAvailable) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.metrics.ObserveRequest(string(ErrInternal))
			return nil, &DispatchError{Kind: ErrInternal, Message: err.Error()}
		}
		tried[acc.ID] = true

		stream, outcome := d.attempt(ctx, acc, body, model)
		outcomes = append(outcomes, outcome)
		if outcome == OutcomeOK {
			d.metrics.ObserveRequest("ok")
			stream.attempts = len(tried)
			return stream, nil
		}
		d.locks.Release(acc.ID)
		d.logger.Warn("account attempt failed",
			"account_id", acc.ID,
			"label", acc.Label,
			"outcome", string(outcome),
		)
		if !outcome.Retryable() {
			break
		}
	}

	kind := aggregateKind(outcomes)
	d.metrics.ObserveRequest(string(kind))
	derr := &DispatchError{
		Kind:    kind,
		Message: fmt.Sprintf("tried %d account(s)", len(outcomes)),
	}
	if ready, err := Report(ctx, d.store, d.now()); err == nil {
		derr.Readiness = ready
	}
	return nil, derr
}

// attempt runs one account through refresh-if-needed, send, and two-phase
// classification. The account's lock is held on entry; on OutcomeOK
// ownership moves to the returned stream, otherwise the caller releases.
func (d *Dispatcher) attempt(ctx context.Context, acc *store.Account, body []byte, model string) (*Stream, Outcome) {
	token := acc.AccessToken
	if token == "" || warp.Expiring(token, warp.ExpiryBuffer) {
		creds, outcome := d.refreshAccount(ctx, acc)
		if outcome != OutcomeOK {
			return nil, outcome
		}
		token = creds.AccessToken
	}

	refreshedOnce := false
	for {
		start := d.now()
		src, err := d.sender.SendStream(ctx, token, body)
		elapsed := d.now().Sub(start)

		if err != nil {
			outcome := Classify(0, nil, "", err)
			d.metrics.ObserveAttempt(string(outcome), elapsed.Seconds())

			if outcome == OutcomeAuthExpired && !refreshedOnce {
				refreshedOnce = true
				creds, rout := d.refreshAccount(ctx, acc)
				if rout == OutcomeOK {
					token = creds.AccessToken
					continue
				}
				outcome = rout
			}
			d.applyOutcome(ctx, acc, outcome, err.Error(), retryAfterOf(err))
			return nil, outcome
		}

		// Two-phase classification: the first event decides whether this
		// attempt counts as served.
		first, nerr := src.Next()
		if nerr != nil {
			_ = src.Close()
			outcome := OutcomeUnknown
			if nerr != io.EOF {
				outcome = OutcomeNetwork
			}
			d.metrics.ObserveAttempt(string(outcome), elapsed.Seconds())
			d.applyOutcome(ctx, acc, outcome, "stream ended before first event", 0)
			return nil, outcome
		}
		if first.Kind == warp.EventError {
			_ = src.Close()
			d.metrics.ObserveAttempt(string(OutcomeNetwork), elapsed.Seconds())
			d.applyOutcome(ctx, acc, OutcomeNetwork, first.Message, 0)
			return nil, OutcomeNetwork
		}

		d.metrics.ObserveAttempt(string(OutcomeOK), elapsed.Seconds())
		d.applyOK(ctx, acc, model)
		return d.wrapStream(acc.ID, src, first), OutcomeOK
	}
}

// refreshAccount refreshes an account's credentials, deduplicating
// concurrent refreshes of the same account. Transitions for refresh
// failures are applied here, once per collapsed call.
func (d *Dispatcher) refreshAccount(ctx context.Context, acc *store.Account) (*warp.Credentials, Outcome) {
	key := strconv.FormatInt(acc.ID, 10)
	v, err, _ := d.refreshGroup.Do(key, func() (any, error) {
		refreshToken, err := d.store.GetRefreshToken(ctx, acc.ID)
		if err != nil {
			return nil, err
		}

		creds, err := d.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			d.applyRefreshFailure(ctx, acc, err)
			return nil, err
		}

		if creds.RefreshToken != "" && creds.RefreshToken != refreshToken {
			if merged := StoreRotatedToken(ctx, d.store, d.logger, acc.ID, store.ActorRuntime, creds.RefreshToken); merged {
				return nil, errTokenMerged
			}
		}

		now := d.now()
		patch := store.Patch{
			AccessToken:          &creds.AccessToken,
			AccessTokenExpiresAt: &creds.ExpiresAt,
			LastCheckAt:          &now,
		}
		var quotaExhausted bool
		if d.quota != nil {
			if info, qerr := d.quota.Fetch(ctx, creds.AccessToken); qerr == nil {
				patch.Quota = toStoreQuota(info, now)
				quotaExhausted = patch.Quota.Exhausted()
			} else {
				d.logger.Debug("quota fetch failed", "account_id", acc.ID, "error", qerr)
			}
		}

		if quotaExhausted {
			status := store.StatusQuotaExhausted
			until := now.Add(d.coolLong)
			patch.Status = &status
			patch.CooldownUntil = &until
		}

		auditOutcome := OutcomeOK
		if quotaExhausted {
			auditOutcome = OutcomeQuotaExhausted
		}
		if uerr := d.store.Update(ctx, acc.ID, patch, &store.AuditEvent{
			AccountID: &acc.ID,
			Actor:     store.ActorRuntime,
			Action:    "refresh",
			Outcome:   string(auditOutcome),
		}); uerr != nil {
			return nil, uerr
		}

		if quotaExhausted {
			return nil, &warp.RefreshError{
				StatusCode: http.StatusTooManyRequests,
				Body:       []byte("no remaining quota"),
			}
		}
		return creds, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDecryptFailed) || errors.Is(err, store.ErrNotFound) || errors.Is(err, errTokenMerged) {
			return nil, OutcomeUnknown
		}
		return nil, ClassifyRefresh(err)
	}
	return v.(*warp.Credentials), OutcomeOK
}

// applyRefreshFailure persists the state transition for a failed refresh.
func (d *Dispatcher) applyRefreshFailure(ctx context.Context, acc *store.Account, err error) {
	outcome := ClassifyRefresh(err)
	now := d.now()
	patch := store.Patch{LastCheckAt: &now}
	code := string(outcome)
	msg := err.Error()
	patch.LastErrorCode = &code
	patch.LastErrorMessage = &msg

	switch outcome {
	case OutcomeRefreshRejected:
		status := store.StatusBlocked
		patch.Status = &status
	case OutcomeQuotaExhausted:
		status := store.StatusQuotaExhausted
		until := now.Add(d.coolLong)
		patch.Status = &status
		patch.CooldownUntil = &until
	default:
		bumped := acc.ErrorCount + 1
		patch.ErrorCount = &bumped
	}

	if uerr := d.store.Update(ctx, acc.ID, patch, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorRuntime,
		Action:    "refresh",
		Outcome:   string(outcome),
		Detail:    truncateDetail(err.Error()),
	}); uerr != nil {
		d.logger.Error("failed to persist refresh failure", "account_id", acc.ID, "error", uerr)
	}
}

// errTokenMerged aborts an attempt whose account was retired because its
// rotated refresh token already belongs to another account.
var errTokenMerged = errors.New("refresh token merged into existing account")

// applyOK records a served attempt: counters reset, usage bumped, account
// kept (or restored to) active.
func (d *Dispatcher) applyOK(ctx context.Context, acc *store.Account, model string) {
	now := d.now()
	status := store.StatusActive
	var zero int64
	if err := d.store.Update(ctx, acc.ID, store.Patch{
		Status:        &status,
		ErrorCount:    &zero,
		LastSuccessAt: &now,
		ClearCooldown: true,
		IncrementUse:  true,
	}, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorRuntime,
		Action:    "dispatch",
		Outcome:   string(OutcomeOK),
		Detail:    model,
	}); err != nil {
		d.logger.Error("failed to persist dispatch success", "account_id", acc.ID, "error", err)
	}

	healthy := true
	if err := d.store.SnapshotHealth(ctx, &store.HealthSnapshot{
		AccountID:           acc.ID,
		TokenPreview:        acc.TokenPreview,
		Healthy:             &healthy,
		LastCheckedAt:       &now,
		LastSuccessAt:       &now,
		ConsecutiveFailures: 0,
	}); err != nil {
		d.logger.Warn("failed to reset health snapshot", "account_id", acc.ID, "error", err)
	}
}

// applyOutcome persists the state transition for a failed attempt.
// retryAfter carries an upstream Retry-After hint in seconds, 0 if absent.
func (d *Dispatcher) applyOutcome(ctx context.Context, acc *store.Account, outcome Outcome, detail string, retryAfter time.Duration) {
	now := d.now()
	code := string(outcome)
	msg := detail
	patch := store.Patch{
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
		LastCheckAt:      &now,
	}
	bumped := acc.ErrorCount + 1

	switch outcome {
	case OutcomeRateLimited:
		backoff := d.coolShort
		if retryAfter > 0 {
			backoff = retryAfter
		}
		status := store.StatusCooldown
		until := now.Add(backoff)
		patch.Status = &status
		patch.CooldownUntil = &until
		patch.ErrorCount = &bumped
	case OutcomeQuotaExhausted:
		status := store.StatusQuotaExhausted
		until := now.Add(d.coolLong)
		patch.Status = &status
		patch.CooldownUntil = &until
	case OutcomeForbiddenWAF, OutcomeUnknown:
		patch.ErrorCount = &bumped
		if bumped >= d.fThreshold {
			status := store.StatusCooldown
			until := now.Add(d.coolShort)
			patch.Status = &status
			patch.CooldownUntil = &until
		}
	case OutcomeNetwork, OutcomeServerError:
		patch.ErrorCount = &bumped
	default:
		patch.ErrorCount = &bumped
	}

	if err := d.store.Update(ctx, acc.ID, patch, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorRuntime,
		Action:    "dispatch",
		Outcome:   string(outcome),
		Detail:    truncateDetail(detail),
	}); err != nil {
		d.logger.Error("failed to persist dispatch outcome",
			"account_id", acc.ID,
			"outcome", string(outcome),
			"error", err,
		)
	}
}

// wrapStream hands stream ownership (and the account lock) to the caller.
func (d *Dispatcher) wrapStream(accountID int64, src EventSource, first *warp.Event) *Stream {
	return newStream(src, first, func(errored bool, message string) {
		if errored {
			// The client already received bytes; no retry, but the
			// failure still counts against the account.
			acc, err := d.store.Get(context.Background(), accountID)
			if err == nil {
				d.applyOutcome(context.Background(), acc, OutcomeNetwork, message, 0)
			}
		}
		d.locks.Release(accountID)
	})
}

func retryAfterOf(err error) time.Duration {
	var apiErr *warp.APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter == "" {
		return 0
	}
	secs, perr := strconv.Atoi(apiErr.RetryAfter)
	if perr != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func toStoreQuota(info *warp.QuotaInfo, now time.Time) *store.Quota {
	return &store.Quota{
		Limit:           info.Limit,
		Used:            info.Used,
		Remaining:       info.Remaining,
		IsUnlimited:     info.IsUnlimited,
		NextRefreshTime: info.NextRefreshTime,
		RefreshDuration: info.RefreshDuration,
		UpdatedAt:       &now,
	}
}

func truncateDetail(s string) string {
	const limit = 500
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func aggregateKind(outcomes []Outcome) ErrorKind {
	if len(outcomes) == 0 {
		return ErrUnavailable
	}
	allAuth, allRejected, allUnreachable := true, true, true
	for _, o := range outcomes {
		switch o {
		case OutcomeAuthExpired, OutcomeRefreshRejected:
		default:
			allAuth = false
		}
		switch o {
		case OutcomeForbiddenWAF, OutcomeRateLimited, OutcomeQuotaExhausted:
		default:
			allRejected = false
		}
		switch o {
		case OutcomeNetwork, OutcomeServerError, OutcomeRefreshTransient:
		default:
			allUnreachable = false
		}
	}
	switch {
	case allAuth:
		return ErrAuthFailed
	case allRejected:
		return ErrUpstreamRejected
	case allUnreachable:
		return ErrUpstreamUnreachable
	default:
		return ErrUnavailable
	}
}
