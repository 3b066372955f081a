package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xilu0/warp-gateway/internal/pool"
	"github.com/xilu0/warp-gateway/internal/store"
)

// HealthHandler handles GET /healthz requests.
type HealthHandler struct {
	store *store.Store
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status string          `json:"status"`
	Pool   *pool.Readiness `json:"pool"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(s *store.Store) *HealthHandler {
	return &HealthHandler{store: s}
}

// ServeHTTP handles the liveness check. The process is healthy as long as
// the store answers; a pool with accounts but none available is degraded.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, err := pool.Report(r.Context(), h.store, time.Now().UTC())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}

	response := HealthResponse{Status: "healthy", Pool: report}
	status := http.StatusOK
	if report.Total > 0 && !report.Ready {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
