package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xilu0/warp-gateway/internal/store"
	"github.com/xilu0/warp-gateway/internal/warp"
)

// Monitor runs the periodic health pass: probe each tracked account with a
// refresh exchange, snapshot the result, demote repeat offenders.
type Monitor struct {
	store     *store.Store
	refresher TokenRefresher
	quota     QuotaReader
	locks     *LockMap
	logger    *slog.Logger

	interval      time.Duration
	probeTimeout  time.Duration
	failThreshold int
	coolShort     time.Duration
	coolLong      time.Duration
	parallelism   int

	// passMu admits one pass at a time.
	passMu sync.Mutex

	mu         sync.Mutex
	running    bool
	lastPassAt *time.Time
	lastProbed int
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

// MonitorOptions configures the health monitor.
type MonitorOptions struct {
	Store     *store.Store
	Refresher TokenRefresher
	// Quota is optional; successful probes also refresh the quota snapshot.
	Quota QuotaReader
	Locks *LockMap
	// Interval between passes. Defaults to one hour.
	Interval time.Duration
	// ProbeTimeout bounds each per-account refresh probe.
	ProbeTimeout time.Duration
	// FailThreshold is the consecutive-failure count that demotes an
	// active account to cooldown.
	FailThreshold int
	CoolShort     time.Duration
	CoolLong      time.Duration
	// Parallelism bounds concurrent probes within one pass.
	Parallelism int
	Logger      *slog.Logger
}

// NewMonitor creates a health monitor. Start it after the store opens and
// Stop it before the store closes.
func NewMonitor(opts MonitorOptions) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 20 * time.Second
	}
	failThreshold := opts.FailThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	coolShort := opts.CoolShort
	if coolShort <= 0 {
		coolShort = 5 * time.Minute
	}
	coolLong := opts.CoolLong
	if coolLong <= 0 {
		coolLong = time.Hour
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:         opts.Store,
		refresher:     opts.Refresher,
		quota:         opts.Quota,
		locks:         opts.Locks,
		logger:        logger,
		interval:      interval,
		probeTimeout:  probeTimeout,
		failThreshold: failThreshold,
		coolShort:     coolShort,
		coolLong:      coolLong,
		parallelism:   parallelism,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Status is the monitor state surfaced on the admin health route.
type Status struct {
	Running         bool       `json:"running"`
	IntervalSeconds int        `json:"interval_seconds"`
	LastPassAt      *time.Time `json:"last_pass_at,omitempty"`
	LastPassProbed  int        `json:"last_pass_probed"`
}

// Status reports the monitor's current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:         m.running,
		IntervalSeconds: int(m.interval / time.Second),
		LastPassAt:      m.lastPassAt,
		LastPassProbed:  m.lastProbed,
	}
}

// Start launches the background loop. The first pass runs one interval in.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(loopCtx)
	m.logger.Info("health monitor started", "interval", m.interval)
}

// Stop cancels the loop and waits for an in-flight pass to wind down,
// bounded by the per-account probe timeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(m.probeTimeout):
		m.logger.Warn("health monitor stop timed out")
	}
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunPass(ctx)
		}
	}
}

// RunPass executes one health pass. At most one pass runs at a time;
// concurrent calls queue behind the pass mutex.
func (m *Monitor) RunPass(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	accounts, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("health pass failed to list accounts", "error", err)
		return
	}

	g, passCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	probed := 0
	for _, acc := range accounts {
		if acc.Status != store.StatusActive && acc.Status != store.StatusCooldown {
			continue
		}
		probed++
		g.Go(func() error {
			m.probe(passCtx, acc)
			return nil
		})
	}
	_ = g.Wait()

	now := m.now()
	m.mu.Lock()
	m.lastPassAt = &now
	m.lastProbed = probed
	m.mu.Unlock()
	m.logger.Info("health pass complete", "probed", probed)
}

// probe checks one account. Busy accounts are skipped; they are mid-send
// and therefore demonstrably alive.
func (m *Monitor) probe(ctx context.Context, acc *store.Account) {
	if !m.locks.TryAcquire(acc.ID) {
		m.logger.Debug("skipping busy account", "account_id", acc.ID)
		return
	}
	defer m.locks.Release(acc.ID)

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	snap, err := m.store.ReadHealth(probeCtx, acc.ID)
	if err != nil {
		snap = &store.HealthSnapshot{AccountID: acc.ID}
	}
	snap.TokenPreview = acc.TokenPreview

	refreshToken, err := m.store.GetRefreshToken(probeCtx, acc.ID)
	if err != nil {
		// Decrypt failures already disabled the account.
		return
	}

	start := m.now()
	creds, err := m.refresher.Refresh(probeCtx, refreshToken)
	latency := m.now().Sub(start)
	now := m.now()

	snap.LastCheckedAt = &now
	snap.LatencyMillis = int(latency.Milliseconds())

	if err != nil {
		m.recordFailure(probeCtx, acc, snap, err)
		return
	}
	m.recordSuccess(probeCtx, acc, snap, creds, refreshToken)
}

func (m *Monitor) recordSuccess(ctx context.Context, acc *store.Account, snap *store.HealthSnapshot, creds *warp.Credentials, refreshToken string) {
	now := m.now()
	healthy := true
	snap.Healthy = &healthy
	snap.ConsecutiveFailures = 0
	snap.LastSuccessAt = &now
	snap.LastError = ""
	if err := m.store.SnapshotHealth(ctx, snap); err != nil {
		m.logger.Warn("failed to write health snapshot", "account_id", acc.ID, "error", err)
	}

	// Probes run the refresh exchange, so a rotated token surfaces here too.
	if creds.RefreshToken != "" && creds.RefreshToken != refreshToken {
		if merged := StoreRotatedToken(ctx, m.store, m.logger, acc.ID, store.ActorMonitor, creds.RefreshToken); merged {
			return
		}
	}

	status := store.StatusActive
	var zero int64
	patch := store.Patch{
		AccessToken:          &creds.AccessToken,
		AccessTokenExpiresAt: &creds.ExpiresAt,
		ErrorCount:           &zero,
		LastSuccessAt:        &now,
		LastCheckAt:          &now,
	}
	outcome := "healthy"
	var quotaExhausted bool

	if m.quota != nil {
		if info, qerr := m.quota.Fetch(ctx, creds.AccessToken); qerr == nil {
			patch.Quota = toStoreQuota(info, now)
			quotaExhausted = patch.Quota.Exhausted()
		}
	}

	if quotaExhausted {
		status = store.StatusQuotaExhausted
		until := now.Add(m.coolLong)
		patch.Status = &status
		patch.CooldownUntil = &until
		outcome = string(OutcomeQuotaExhausted)
	} else {
		patch.Status = &status
		patch.ClearCooldown = true
	}

	if err := m.store.Update(ctx, acc.ID, patch, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorMonitor,
		Action:    "health_check",
		Outcome:   outcome,
	}); err != nil {
		m.logger.Error("failed to persist health probe", "account_id", acc.ID, "error", err)
	}
}

func (m *Monitor) recordFailure(ctx context.Context, acc *store.Account, snap *store.HealthSnapshot, probeErr error) {
	healthy := false
	snap.Healthy = &healthy
	snap.ConsecutiveFailures++
	snap.LastError = probeErr.Error()
	if err := m.store.SnapshotHealth(ctx, snap); err != nil {
		m.logger.Warn("failed to write health snapshot", "account_id", acc.ID, "error", err)
	}

	outcome := ClassifyRefresh(probeErr)
	now := m.now()
	code := string(outcome)
	msg := probeErr.Error()
	bumped := acc.ErrorCount + 1
	patch := store.Patch{
		LastCheckAt:      &now,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
		ErrorCount:       &bumped,
	}

	switch outcome {
	case OutcomeRefreshRejected:
		status := store.StatusBlocked
		patch.Status = &status
	case OutcomeQuotaExhausted:
		status := store.StatusQuotaExhausted
		until := now.Add(m.coolLong)
		patch.Status = &status
		patch.CooldownUntil = &until
	default:
		if snap.ConsecutiveFailures >= m.failThreshold && acc.Status == store.StatusActive {
			status := store.StatusCooldown
			until := now.Add(m.coolShort)
			patch.Status = &status
			patch.CooldownUntil = &until
		}
	}

	if err := m.store.Update(ctx, acc.ID, patch, &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     store.ActorMonitor,
		Action:    "health_check",
		Outcome:   string(outcome),
		Detail:    truncateDetail(probeErr.Error()),
	}); err != nil {
		m.logger.Error("failed to persist health failure", "account_id", acc.ID, "error", err)
	}
}
