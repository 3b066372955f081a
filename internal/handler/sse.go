// Package handler provides the client-facing HTTP surface of the gateway.
package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/xilu0/warp-gateway/internal/warp"
)

// bufferPool provides reusable buffers for JSON encoding to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SSEWriter writes Server-Sent Events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteHeaders sets the appropriate headers for SSE streaming.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// WriteEvent writes an SSE event with the given type and data.
func (s *SSEWriter) WriteEvent(eventType string, data interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		return err
	}

	// json.Encoder.Encode adds a newline, so we just need one more for SSE format
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}

	s.flush()
	return nil
}

// WriteMeta writes the conversation identifiers event.
func (s *SSEWriter) WriteMeta(meta *warp.Meta) error {
	return s.WriteEvent("meta", map[string]string{
		"conversation_id": meta.ConversationID,
		"task_id":         meta.TaskID,
	})
}

// WriteText writes a text delta event.
func (s *SSEWriter) WriteText(text string) error {
	return s.WriteEvent("text", map[string]string{"text": text})
}

// WriteToolCall writes a tool call event.
func (s *SSEWriter) WriteToolCall(tc *warp.ToolCall) error {
	return s.WriteEvent("tool_call", tc)
}

// WriteDone writes the terminal event.
func (s *SSEWriter) WriteDone(eventsCount int) error {
	return s.WriteEvent("done", map[string]int{"events_count": eventsCount})
}

// WriteStreamError writes a mid-stream error event.
func (s *SSEWriter) WriteStreamError(message string) error {
	return s.WriteEvent("error", map[string]string{"message": message})
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
