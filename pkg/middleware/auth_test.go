package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authedHandler(t *testing.T, mode, adminToken string) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return AdminAuth(mode, adminToken, slog.New(slog.DiscardHandler))(ok)
}

func TestAdminAuth_TokenMode(t *testing.T) {
	h := authedHandler(t, AuthModeToken, "s3cret")

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "valid bearer", header: "Authorization", value: "Bearer s3cret", want: http.StatusNoContent},
		{name: "valid x-admin-token", header: "x-admin-token", value: "s3cret", want: http.StatusNoContent},
		{name: "wrong token", header: "Authorization", value: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing token", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminAuth_TokenModeWithoutConfiguredToken(t *testing.T) {
	h := authedHandler(t, AuthModeToken, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"success":false,"detail":"Admin token not configured"}`, rec.Body.String())
}

func TestAdminAuth_LocalModeBypassesLoopback(t *testing.T) {
	h := authedHandler(t, AuthModeLocal, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Non-loopback peers still need the token.
	req = httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminAuth_OffMode(t *testing.T) {
	h := authedHandler(t, AuthModeOff, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
