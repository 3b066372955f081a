package warp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotaServer(t *testing.T, user map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"user": user},
		})
	}))
}

func TestQuotaFetcher_Limited(t *testing.T) {
	srv := quotaServer(t, map[string]any{
		"__typename": "UserOutput",
		"user": map[string]any{
			"requestLimitInfo": map[string]any{
				"isUnlimited":                  false,
				"requestLimit":                 150,
				"requestsUsedSinceLastRefresh": 42,
				"nextRefreshTime":              "2026-09-01T00:00:00Z",
				"requestLimitRefreshDuration":  "WEEKLY",
			},
		},
	})
	defer srv.Close()

	q := NewQuotaFetcher(QuotaFetcherOptions{URL: srv.URL})
	info, err := q.Fetch(context.Background(), "access-token")
	require.NoError(t, err)
	assert.Equal(t, 150, info.Limit)
	assert.Equal(t, 42, info.Used)
	assert.Equal(t, 108, info.Remaining)
	assert.False(t, info.IsUnlimited)
	require.NotNil(t, info.NextRefreshTime)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), info.NextRefreshTime.UTC())
	assert.Equal(t, "WEEKLY", info.RefreshDuration)
}

func TestQuotaFetcher_UnlimitedOverridesCounters(t *testing.T) {
	srv := quotaServer(t, map[string]any{
		"__typename": "UserOutput",
		"user": map[string]any{
			"requestLimitInfo": map[string]any{
				"isUnlimited":                  true,
				"requestLimit":                 150,
				"requestsUsedSinceLastRefresh": 150,
			},
		},
	})
	defer srv.Close()

	q := NewQuotaFetcher(QuotaFetcherOptions{URL: srv.URL})
	info, err := q.Fetch(context.Background(), "access-token")
	require.NoError(t, err)
	assert.Equal(t, -1, info.Limit)
	assert.Equal(t, 0, info.Used)
	assert.Equal(t, -1, info.Remaining)
	assert.True(t, info.IsUnlimited)
	assert.Equal(t, "WEEKLY", info.RefreshDuration)
}

func TestQuotaFetcher_UserFacingError(t *testing.T) {
	srv := quotaServer(t, map[string]any{
		"__typename": "UserFacingError",
		"error":      map[string]any{"message": "account suspended"},
	})
	defer srv.Close()

	q := NewQuotaFetcher(QuotaFetcherOptions{URL: srv.URL})
	_, err := q.Fetch(context.Background(), "access-token")
	assert.ErrorContains(t, err, "account suspended")
}

func TestQuotaFetcher_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	q := NewQuotaFetcher(QuotaFetcherOptions{URL: srv.URL})
	_, err := q.Fetch(context.Background(), "access-token")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.True(t, apiErr.IsAuthExpired())
}

func TestAPIError_Helpers(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 429}).IsRateLimited())
	assert.True(t, (&APIError{StatusCode: 403}).IsForbidden())
	assert.True(t, (&APIError{StatusCode: 401}).IsAuthExpired())
	assert.True(t, (&APIError{StatusCode: 503}).IsServerError())
	assert.False(t, (&APIError{StatusCode: 404}).IsServerError())

	quotaErr := &APIError{StatusCode: 429, Body: []byte("No AI requests remaining for this billing cycle")}
	assert.True(t, quotaErr.QuotaExhausted())
	assert.False(t, (&APIError{StatusCode: 429, Body: []byte("slow down")}).QuotaExhausted())
}

func TestBodyIndicatesQuota(t *testing.T) {
	assert.True(t, BodyIndicatesQuota("Error: No remaining quota."))
	assert.True(t, BodyIndicatesQuota("NO AI REQUESTS REMAINING"))
	assert.False(t, BodyIndicatesQuota("rate limited"))
	assert.False(t, BodyIndicatesQuota(""))
}
