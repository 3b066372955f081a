package warp

import (
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a non-2xx response from the Warp API.
type APIError struct {
	StatusCode int
	Body       []byte
	RetryAfter string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("warp API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsAuthExpired returns true if this is an expired-credential error (401).
func (e *APIError) IsAuthExpired() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsServerError returns true for 5xx responses.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// QuotaExhausted reports whether the response body carries one of the
// upstream's out-of-quota markers, regardless of status code.
func (e *APIError) QuotaExhausted() bool {
	return BodyIndicatesQuota(string(e.Body))
}

// quotaMarkers are the upstream body substrings that signal the account has
// no requests left. Matching is case-insensitive.
var quotaMarkers = []string{
	"no remaining quota",
	"no ai requests remaining",
}

// BodyIndicatesQuota reports whether body contains an out-of-quota marker.
func BodyIndicatesQuota(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RefreshError represents a failed refresh-token exchange.
type RefreshError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: status %d, body: %s", e.StatusCode, string(e.Body))
}

// rejectionMarkers are identity-provider error codes that mean the refresh
// token itself is dead, not that the exchange transiently failed.
var rejectionMarkers = []string{
	"invalid_grant",
	"invalid_refresh_token",
	"token_expired",
	"user_disabled",
	"user_not_found",
}

// Rejected reports whether the provider rejected the refresh token itself.
// A 400 or 401 without a recognized marker still counts as a rejection.
func (e *RefreshError) Rejected() bool {
	lower := strings.ToLower(string(e.Body))
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}
