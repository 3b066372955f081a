// Package store provides the SQLite-backed repository for token-pool
// accounts, audit events, health snapshots, and app state.
package store

import "time"

// Account statuses. Only disabled requires explicit admin action to
// enter or leave.
const (
	StatusActive         = "active"
	StatusCooldown       = "cooldown"
	StatusBlocked        = "blocked"
	StatusQuotaExhausted = "quota_exhausted"
	StatusDisabled       = "disabled"
)

// AllowedStatuses lists every status an admin may PATCH an account into.
var AllowedStatuses = map[string]bool{
	StatusActive:         true,
	StatusCooldown:       true,
	StatusBlocked:        true,
	StatusQuotaExhausted: true,
	StatusDisabled:       true,
}

// Actors recorded on audit events.
const (
	ActorAdmin   = "admin"
	ActorRuntime = "runtime"
	ActorMonitor = "monitor"
)

// Quota is the last-known upstream request-limit snapshot for an account.
type Quota struct {
	Limit           int        `json:"limit"`
	Used            int        `json:"used"`
	Remaining       int        `json:"remaining"`
	IsUnlimited     bool       `json:"is_unlimited"`
	NextRefreshTime *time.Time `json:"next_refresh_time,omitempty"`
	RefreshDuration string     `json:"refresh_duration,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Exhausted reports whether the snapshot indicates no remaining quota.
// An unlimited flag overrides the numeric fields.
func (q *Quota) Exhausted() bool {
	if q == nil || q.IsUnlimited {
		return false
	}
	return q.Limit >= 0 && q.Used >= q.Limit
}

// Account is one upstream credential, the unit of rotation.
// The refresh token itself is stored encrypted and never leaves the store
// except through GetRefreshToken.
type Account struct {
	ID          int64  `json:"id"`
	Label       string `json:"label,omitempty"`
	Email       string `json:"email,omitempty"`
	Fingerprint string `json:"-"`

	// TokenPreview is the masked refresh token for display surfaces.
	TokenPreview string `json:"token_preview"`

	// Last-known short-lived credential.
	AccessToken          string     `json:"-"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`

	Quota *Quota `json:"quota,omitempty"`

	Status           string     `json:"status"`
	UseCount         int64      `json:"use_count"`
	ErrorCount       int64      `json:"error_count"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastCheckAt      *time.Time `json:"last_check_at,omitempty"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InCooldown reports whether the account has a cooldown window still open.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// Patch describes a partial account update. Nil fields are untouched.
// Clear* flags reset nullable columns that a nil pointer would leave alone.
type Patch struct {
	Label        *string
	Email        *string
	Status       *string
	RefreshToken *string

	AccessToken          *string
	AccessTokenExpiresAt *time.Time

	Quota *Quota

	ErrorCount       *int64
	LastErrorCode    *string
	LastErrorMessage *string
	LastSuccessAt    *time.Time
	LastCheckAt      *time.Time
	CooldownUntil    *time.Time
	ClearCooldown    bool

	// IncrementUse bumps use_count by one atomically with the rest of
	// the patch.
	IncrementUse bool
}

// AuditEvent is one append-only audit record. Events are never updated
// or deleted.
type AuditEvent struct {
	ID        int64     `json:"id"`
	AccountID *int64    `json:"account_id,omitempty"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// AuditFilter narrows ListAudit results. Zero values match everything.
type AuditFilter struct {
	AccountID int64
	Action    string
	Actor     string
}

// HealthSnapshot is the monitor-owned per-account health record.
type HealthSnapshot struct {
	AccountID           int64      `json:"account_id"`
	TokenPreview        string     `json:"token_preview"`
	Healthy             *bool      `json:"healthy"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LatencyMillis       int        `json:"latency_ms"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ImportAccount is one row of a batch import.
type ImportAccount struct {
	RefreshToken string `json:"refresh_token"`
	Label        string `json:"label,omitempty"`
	Email        string `json:"email,omitempty"`
}

// ImportResult summarizes a batch import.
type ImportResult struct {
	Inserted    int     `json:"inserted"`
	Duplicates  int     `json:"duplicates"`
	Errors      int     `json:"errors"`
	InsertedIDs []int64 `json:"inserted_ids,omitempty"`
}

// DeleteResult summarizes a batch delete.
type DeleteResult struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
	Missing   int `json:"missing"`
}

// Statistics aggregates pool-wide counts.
type Statistics struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
	Unchecked int            `json:"unchecked"`
}
