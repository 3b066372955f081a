package pool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/xilu0/warp-gateway/internal/warp"
)

// Outcome is the classified result of one upstream attempt.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAuthExpired    Outcome = "auth_expired"
	OutcomeForbiddenWAF   Outcome = "forbidden_waf"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeNetwork        Outcome = "network"
	OutcomeServerError    Outcome = "server_error"
	OutcomeUnknown        Outcome = "unknown"

	// Refresh-specific outcomes recorded on audit events.
	OutcomeRefreshRejected  Outcome = "refresh_rejected"
	OutcomeRefreshTransient Outcome = "refresh_transient"
)

// expirySignals mark a 403 as an expired-credential response rather than a
// WAF rejection.
var expirySignals = []string{
	"token is expired",
	"token expired",
	"id token expired",
	"invalid jwt",
	"jwt expired",
	"auth token",
}

// Classify maps one attempt result onto an outcome. It is deterministic and
// side-effect free; state transitions happen in the dispatcher.
func Classify(status int, header http.Header, body string, err error) Outcome {
	if err != nil {
		var apiErr *warp.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
			body = string(apiErr.Body)
			if header == nil && apiErr.RetryAfter != "" {
				header = http.Header{"Retry-After": []string{apiErr.RetryAfter}}
			}
		} else {
			if isNetworkError(err) {
				return OutcomeNetwork
			}
			return OutcomeUnknown
		}
	}

	// Quota markers win regardless of status; upstream reports exhaustion
	// with 429s, 403s, and even 200 bodies.
	if warp.BodyIndicatesQuota(body) {
		return OutcomeQuotaExhausted
	}

	switch {
	case status == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case status == http.StatusForbidden:
		if hasExpirySignal(body) {
			return OutcomeAuthExpired
		}
		return OutcomeForbiddenWAF
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status >= 500:
		return OutcomeServerError
	case status >= 200 && status < 300:
		return OutcomeOK
	default:
		return OutcomeUnknown
	}
}

// ClassifyRefresh maps a refresh exchange error onto an outcome.
func ClassifyRefresh(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var refreshErr *warp.RefreshError
	if errors.As(err, &refreshErr) {
		if warp.BodyIndicatesQuota(string(refreshErr.Body)) {
			return OutcomeQuotaExhausted
		}
		if refreshErr.Rejected() {
			return OutcomeRefreshRejected
		}
		return OutcomeRefreshTransient
	}
	if isNetworkError(err) {
		return OutcomeNetwork
	}
	return OutcomeRefreshTransient
}

func hasExpirySignal(body string) bool {
	lower := strings.ToLower(body)
	for _, signal := range expirySignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// url.Error and transport failures wrap the syscall layer with plain
	// strings in enough places that a substring check is still needed.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "no such host",
		"timeout", "timed out", "broken pipe", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retryable reports whether the dispatcher should move on to the next
// account after this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeForbiddenWAF, OutcomeRateLimited, OutcomeQuotaExhausted,
		OutcomeNetwork, OutcomeServerError, OutcomeUnknown,
		OutcomeRefreshRejected, OutcomeRefreshTransient:
		return true
	default:
		return false
	}
}
