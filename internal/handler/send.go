package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/xilu0/warp-gateway/internal/debug"
	"github.com/xilu0/warp-gateway/internal/pool"
	"github.com/xilu0/warp-gateway/internal/warp"
)

// MaxRequestBodyDefault caps client payload size.
const MaxRequestBodyDefault = 10 << 20

// Dispatcher is the single upstream channel the handlers dispatch through.
// *pool.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte, model string) (*pool.Stream, error)
}

// SendHandler handles POST /api/warp/send requests: dispatch, buffer the
// whole event stream, answer with one JSON document.
type SendHandler struct {
	dispatcher Dispatcher
	dumper     *debug.Dumper
	logger     *slog.Logger
	maxBody    int64
}

// SendHandlerOptions contains options for creating a SendHandler.
type SendHandlerOptions struct {
	Dispatcher Dispatcher
	// Dumper captures failed dispatches for inspection. Optional.
	Dumper *debug.Dumper
	Logger *slog.Logger
	// MaxBody caps the request body size. Defaults to MaxRequestBodyDefault.
	MaxBody int64
}

// NewSendHandler creates a new SendHandler.
func NewSendHandler(opts SendHandlerOptions) *SendHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = MaxRequestBodyDefault
	}
	return &SendHandler{dispatcher: opts.Dispatcher, dumper: opts.Dumper, logger: logger, maxBody: maxBody}
}

// sendResponse is the buffered dispatch result.
type sendResponse struct {
	Response       string           `json:"response"`
	ConversationID string           `json:"conversation_id,omitempty"`
	TaskID         string           `json:"task_id,omitempty"`
	EventsCount    int              `json:"events_count"`
	Attempts       int              `json:"attempts"`
	ToolCalls      []*warp.ToolCall `json:"tool_calls,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ServeHTTP handles the buffered send request.
func (h *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(body) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "empty request body")
		return
	}

	model := modelOf(body)
	session := h.dumper.NewSession(uuid.NewString())
	defer session.Close()
	session.DumpRequest(body)
	session.SetModel(model)

	stream, err := h.dispatcher.Dispatch(r.Context(), body, model)
	if err != nil {
		recordDispatchFailure(session, err)
		writeDispatchError(w, h.logger, err)
		return
	}
	defer func() { _ = stream.Close() }()

	var text strings.Builder
	resp := sendResponse{}
	for {
		ev, nerr := stream.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			resp.Error = nerr.Error()
			break
		}
		resp.EventsCount++
		switch ev.Kind {
		case warp.EventText:
			text.WriteString(ev.Text)
		case warp.EventToolCall:
			resp.ToolCalls = append(resp.ToolCalls, ev.ToolCall)
		case warp.EventError:
			resp.Error = ev.Message
		}
	}

	meta := stream.Meta()
	resp.Response = text.String()
	resp.ConversationID = meta.ConversationID
	resp.TaskID = meta.TaskID
	resp.Attempts = stream.Attempts()

	session.SetAttempts(resp.Attempts)
	if resp.Error != "" {
		session.Fail(errors.New(resp.Error))
	} else {
		session.Success()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// modelOf peeks the model field out of a raw request payload for logging
// and audit detail. Absent or undecodable means empty.
func modelOf(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// recordDispatchFailure annotates and closes the dump session for a
// dispatch that never produced a stream.
func recordDispatchFailure(session *debug.Session, err error) {
	var derr *pool.DispatchError
	if errors.As(err, &derr) {
		session.SetErrorKind(string(derr.Kind))
		session.SetStatusCode(derr.HTTPStatus())
	}
	session.Fail(err)
}

// writeDispatchError maps a dispatch failure onto the client surface.
func writeDispatchError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var derr *pool.DispatchError
	if !errors.As(err, &derr) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("dispatch failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if derr.Kind == pool.ErrUnavailable {
		payload := map[string]any{"error": "no_ready_account"}
		if derr.Readiness != nil && derr.Readiness.NextRecoveryAt != nil {
			payload["next_recovery_at"] = derr.Readiness.NextRecoveryAt
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(derr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(payload)
		return
	}

	writeJSONError(w, derr.HTTPStatus(), string(derr.Kind), derr.Message)
}

func writeJSONError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"detail": detail,
	})
}
