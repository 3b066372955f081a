package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xilu0/warp-gateway/internal/crypto"
	"github.com/xilu0/warp-gateway/internal/store"
)

func accountID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid account id")
		return
	}
	acc, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, acc)
}

type addRequest struct {
	RefreshToken string `json:"refresh_token"`
	Label        string `json:"label,omitempty"`
	Email        string `json:"email,omitempty"`
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeDetail(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	acc, err := h.store.Insert(r.Context(), req.RefreshToken, req.Label, req.Email)
	if errors.Is(err, store.ErrDuplicate) {
		writeDetail(w, http.StatusConflict, "refresh token already imported")
		return
	}
	if errors.Is(err, crypto.ErrEmptyToken) {
		writeDetail(w, http.StatusBadRequest, "refresh_token is empty")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.store.AppendAudit(r.Context(), &store.AuditEvent{
		AccountID: &acc.ID,
		Actor:     actorOf(r),
		Action:    "add",
		Outcome:   "inserted",
		Detail:    acc.Label,
	})
	writeData(w, http.StatusCreated, acc)
}

// batchImportRequest accepts both the bare token-list shape and the
// structured account-list shape.
type batchImportRequest struct {
	Tokens   []string              `json:"tokens,omitempty"`
	Accounts []store.ImportAccount `json:"accounts,omitempty"`
}

func (h *Handler) batchImport(w http.ResponseWriter, r *http.Request) {
	var req batchImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	rows := req.Accounts
	for _, token := range req.Tokens {
		rows = append(rows, store.ImportAccount{RefreshToken: token})
	}
	if len(rows) == 0 {
		writeDetail(w, http.StatusBadRequest, "no tokens to import")
		return
	}

	result, err := h.store.BatchImport(r.Context(), rows)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.store.AppendAudit(r.Context(), &store.AuditEvent{
		Actor:   actorOf(r),
		Action:  "batch_import",
		Outcome: "done",
		Detail: fmt.Sprintf("inserted=%d duplicates=%d errors=%d",
			result.Inserted, result.Duplicates, result.Errors),
	})

	// Newly imported accounts get credentials eagerly so the first dispatch
	// does not pay the refresh latency.
	h.hydrate(r.Context(), result.InsertedIDs, actorOf(r))

	writeData(w, http.StatusOK, result)
}

type patchRequest struct {
	Status *string `json:"status,omitempty"`
	Label  *string `json:"label,omitempty"`
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Status == nil && req.Label == nil {
		writeDetail(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Status != nil && !store.AllowedStatuses[*req.Status] {
		writeDetail(w, http.StatusBadRequest, "invalid status: "+*req.Status)
		return
	}

	acc, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	patch := store.Patch{Label: req.Label}
	outcome := "updated"
	if req.Status != nil && *req.Status != acc.Status {
		patch.Status = req.Status
		outcome = *req.Status
		// Admin reactivation wipes the backoff window.
		if *req.Status == store.StatusActive {
			patch.ClearCooldown = true
		}
	}

	if err := h.store.Update(r.Context(), id, patch, &store.AuditEvent{
		AccountID: &id,
		Actor:     actorOf(r),
		Action:    "update",
		Outcome:   outcome,
	}); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid account id")
		return
	}
	err = h.store.Delete(r.Context(), id, &store.AuditEvent{
		AccountID: &id,
		Actor:     actorOf(r),
		Action:    "delete",
		Outcome:   "deleted",
	})
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": id})
}

type batchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeDetail(w, http.StatusBadRequest, "no ids to delete")
		return
	}

	result, err := h.store.BatchDelete(r.Context(), req.IDs, &store.AuditEvent{
		Actor:   actorOf(r),
		Action:  "batch_delete",
		Outcome: "done",
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, result)
}
