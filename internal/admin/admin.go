// Package admin provides the HTTP management surface for the token pool.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xilu0/warp-gateway/internal/pool"
	"github.com/xilu0/warp-gateway/internal/store"
)

// Handler serves the /admin/api/tokens routes.
type Handler struct {
	store     *store.Store
	monitor   *pool.Monitor
	refresher pool.TokenRefresher
	quota     pool.QuotaReader
	locks     *pool.LockMap
	lockWait  time.Duration
	logger    *slog.Logger

	hydrateParallelism int
}

// HandlerOptions contains options for creating a Handler.
type HandlerOptions struct {
	Store *store.Store
	// Monitor is optional; when set, its status is included in the health
	// payload.
	Monitor   *pool.Monitor
	Refresher pool.TokenRefresher
	// Quota is optional; refresh operations also persist a quota snapshot.
	Quota pool.QuotaReader
	// Locks is the pool's per-account exclusivity map. Forced refreshes
	// take the account's lock so they never overlap an in-flight send or
	// monitor probe.
	Locks *pool.LockMap
	// LockWait bounds how long a forced refresh waits for a busy account
	// before answering 409. Defaults to 5 seconds.
	LockWait time.Duration
	// HydrateParallelism bounds concurrent refreshes during batch import
	// and refresh-all. Defaults to 4.
	HydrateParallelism int
	Logger             *slog.Logger
}

// NewHandler creates an admin handler.
func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := opts.HydrateParallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Handler{
		store:              opts.Store,
		monitor:            opts.Monitor,
		refresher:          opts.Refresher,
		quota:              opts.Quota,
		locks:              opts.Locks,
		lockWait:           lockWait,
		logger:             logger,
		hydrateParallelism: parallelism,
	}
}

// Routes returns the router for the admin token surface, intended to be
// mounted at /admin/api/tokens.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.list)
	r.Post("/", h.add)
	r.Post("/batch-import", h.batchImport)
	r.Post("/batch-delete", h.batchDelete)
	r.Post("/refresh-all", h.refreshAll)
	r.Get("/statistics", h.statistics)
	r.Get("/health", h.health)
	r.Get("/readiness", h.readiness)
	r.Get("/events", h.events)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/", h.patch)
		r.Delete("/", h.remove)
		r.Post("/refresh", h.refresh)
		r.Post("/health-check", h.healthCheck)
	})

	return r
}

// envelope is the uniform admin response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Detail: detail})
}

// actorOf names the admin behind a mutation, from the x-admin-actor header.
func actorOf(r *http.Request) string {
	if actor := r.Header.Get("x-admin-actor"); actor != "" {
		return actor
	}
	return store.ActorAdmin
}
