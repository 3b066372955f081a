package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/xilu0/warp-gateway/internal/debug"
	"github.com/xilu0/warp-gateway/internal/warp"
)

// SendStreamHandler handles POST /api/warp/send_stream requests: dispatch
// and relay the event stream as SSE frames.
type SendStreamHandler struct {
	dispatcher Dispatcher
	dumper     *debug.Dumper
	logger     *slog.Logger
	maxBody    int64
}

// SendStreamHandlerOptions contains options for creating a SendStreamHandler.
type SendStreamHandlerOptions struct {
	Dispatcher Dispatcher
	Dumper     *debug.Dumper
	Logger     *slog.Logger
	MaxBody    int64
}

// NewSendStreamHandler creates a new SendStreamHandler.
func NewSendStreamHandler(opts SendStreamHandlerOptions) *SendStreamHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = MaxRequestBodyDefault
	}
	return &SendStreamHandler{dispatcher: opts.Dispatcher, dumper: opts.Dumper, logger: logger, maxBody: maxBody}
}

// ServeHTTP handles the streaming send request. Dispatch failures surface
// as plain JSON errors before any SSE bytes; once the stream starts, errors
// arrive as SSE error events.
func (h *SendStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	session.SetAttempts(stream.Attempts())

	sse := NewSSEWriter(w)
	sse.WriteHeaders()
	w.WriteHeader(http.StatusOK)

	count := 0
	for {
		ev, nerr := stream.Next()
		if nerr == io.EOF {
			session.Success()
			return
		}
		if nerr != nil {
			session.Fail(nerr)
			_ = sse.WriteStreamError(nerr.Error())
			return
		}
		session.AppendEvent(ev)

		count++
		var werr error
		switch ev.Kind {
		case warp.EventMeta:
			if ev.Meta != nil {
				werr = sse.WriteMeta(ev.Meta)
			}
		case warp.EventText:
			werr = sse.WriteText(ev.Text)
		case warp.EventToolCall:
			werr = sse.WriteToolCall(ev.ToolCall)
		case warp.EventEnd:
			werr = sse.WriteDone(count)
		case warp.EventError:
			werr = sse.WriteStreamError(ev.Message)
		}
		if werr != nil {
			// Client went away; Close releases the account lock.
			h.logger.Debug("client disconnected mid-stream", "error", werr)
			return
		}
	}
}
