package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xilu0/warp-gateway/internal/warp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		err    error
		want   Outcome
	}{
		{name: "2xx", status: 200, want: OutcomeOK},
		{name: "401", status: 401, want: OutcomeAuthExpired},
		{name: "403 plain", status: 403, body: "blocked by waf", want: OutcomeForbiddenWAF},
		{name: "403 expired jwt", status: 403, body: "auth error: token is expired", want: OutcomeAuthExpired},
		{name: "429", status: 429, want: OutcomeRateLimited},
		{name: "429 quota marker wins", status: 429, body: "No AI requests remaining", want: OutcomeQuotaExhausted},
		{name: "200 quota marker wins", status: 200, body: "No remaining quota", want: OutcomeQuotaExhausted},
		{name: "500", status: 500, want: OutcomeServerError},
		{name: "503", status: 503, want: OutcomeServerError},
		{name: "418", status: 418, want: OutcomeUnknown},
		{name: "api error unwrapped", err: &warp.APIError{StatusCode: 429}, want: OutcomeRateLimited},
		{name: "api error quota body", err: &warp.APIError{StatusCode: 403, Body: []byte("no remaining quota")}, want: OutcomeQuotaExhausted},
		{name: "dns failure", err: &net.DNSError{Err: "no such host", Name: "app.warp.dev"}, want: OutcomeNetwork},
		{name: "timeout", err: context.DeadlineExceeded, want: OutcomeNetwork},
		{name: "connection refused", err: fmt.Errorf("dial tcp: connection refused"), want: OutcomeNetwork},
		{name: "opaque error", err: errors.New("cosmic rays"), want: OutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.status, nil, tt.body, tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyRefresh(t *testing.T) {
	assert.Equal(t, OutcomeOK, ClassifyRefresh(nil))
	assert.Equal(t, OutcomeRefreshRejected,
		ClassifyRefresh(&warp.RefreshError{StatusCode: 400, Body: []byte("invalid_grant")}))
	assert.Equal(t, OutcomeRefreshTransient,
		ClassifyRefresh(&warp.RefreshError{StatusCode: 502, Body: []byte("upstream overload")}))
	assert.Equal(t, OutcomeQuotaExhausted,
		ClassifyRefresh(&warp.RefreshError{StatusCode: 429, Body: []byte("No remaining quota")}))
	assert.Equal(t, OutcomeNetwork, ClassifyRefresh(context.DeadlineExceeded))
	assert.Equal(t, OutcomeRefreshTransient, ClassifyRefresh(errors.New("weird")))
}

func TestOutcomeRetryable(t *testing.T) {
	assert.False(t, OutcomeOK.Retryable())
	assert.False(t, OutcomeAuthExpired.Retryable())
	for _, o := range []Outcome{
		OutcomeForbiddenWAF, OutcomeRateLimited, OutcomeQuotaExhausted,
		OutcomeNetwork, OutcomeServerError, OutcomeUnknown,
		OutcomeRefreshRejected, OutcomeRefreshTransient,
	} {
		assert.True(t, o.Retryable(), string(o))
	}
}

func TestAggregateKind(t *testing.T) {
	assert.Equal(t, ErrUnavailable, aggregateKind(nil))
	assert.Equal(t, ErrAuthFailed, aggregateKind([]Outcome{OutcomeRefreshRejected, OutcomeRefreshRejected}))
	assert.Equal(t, ErrUpstreamRejected, aggregateKind([]Outcome{OutcomeRateLimited, OutcomeQuotaExhausted}))
	assert.Equal(t, ErrUpstreamUnreachable, aggregateKind([]Outcome{OutcomeNetwork, OutcomeServerError}))
	assert.Equal(t, ErrUnavailable, aggregateKind([]Outcome{OutcomeRateLimited, OutcomeNetwork}))
}
