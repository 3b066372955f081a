// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Admin auth modes.
const (
	AuthModeToken = "token"
	AuthModeLocal = "local"
	AuthModeOff   = "off"
)

// AdminAuth guards the admin surface. Mode "token" requires a bearer token
// matching the configured admin token; mode "local" additionally lets
// loopback peers through without one; mode "off" disables the check.
// Token comparison is constant time.
func AdminAuth(mode, adminToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == AuthModeOff {
				next.ServeHTTP(w, r)
				return
			}

			if mode == AuthModeLocal && isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}

			if adminToken == "" {
				logger.Error("admin auth enabled but no admin token configured",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusServiceUnavailable, "Admin token not configured")
				return
			}

			presented := bearerToken(r)
			if presented == "" {
				logger.Warn("missing admin token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusUnauthorized, "Missing admin token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				logger.Warn("invalid admin token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusUnauthorized, "Invalid admin token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the admin token from the Authorization header or the
// x-admin-token fallback.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return r.Header.Get("x-admin-token")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"detail":"` + detail + `"}`))
}
