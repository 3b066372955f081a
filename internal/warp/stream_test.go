package warp

import (
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseFrame(t *testing.T, frame string) string {
	t.Helper()
	return "data: " + base64.RawURLEncoding.EncodeToString([]byte(frame)) + "\n\n"
}

func newTestStream(body string) *EventStream {
	return newEventStream(io.NopCloser(strings.NewReader(body)), JSONCodec{})
}

func drain(t *testing.T, s *EventStream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, *ev)
	}
}

func TestEventStream_TextThenFinished(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(sseFrame(t, `{"init": {"conversation_id": "c1", "task_id": "t1"}}`))
	sb.WriteString(sseFrame(t, `{"client_actions": {"actions": [{"append_to_message_content": {"message": {"agent_output": {"text": "chunk"}}}}]}}`))
	sb.WriteString(sseFrame(t, `{"finished": {}}`))

	s := newTestStream(sb.String())
	defer func() { _ = s.Close() }()

	events := drain(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, EventMeta, events[0].Kind)
	assert.Equal(t, "c1", events[0].Meta.ConversationID)
	assert.Equal(t, EventText, events[1].Kind)
	assert.Equal(t, "chunk", events[1].Text)
	assert.Equal(t, EventEnd, events[2].Kind)
}

func TestEventStream_TruncatedBodyEmitsEnd(t *testing.T) {
	// Body ends without a finished frame; the stream still terminates.
	s := newTestStream(sseFrame(t, `{"client_actions": {"actions": [{"append_to_message_content": {"message": {"agent_output": {"text": "partial"}}}}]}}`))
	defer func() { _ = s.Close() }()

	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, EventEnd, events[1].Kind)
}

type failingReader struct {
	data string
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, io.ErrUnexpectedEOF
}

func (r *failingReader) Close() error { return nil }

func TestEventStream_TransportFailureSurfacesError(t *testing.T) {
	body := sseFrame(t, `{"client_actions": {"actions": [{"append_to_message_content": {"message": {"agent_output": {"text": "ok"}}}}]}}`)
	s := newEventStream(&failingReader{data: body}, JSONCodec{})
	defer func() { _ = s.Close() }()

	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, EventError, events[1].Kind)
	assert.NotEmpty(t, events[1].Message)
}

func TestEventStream_SkipsUndecodableFrames(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("data: !!!not-base64!!!\n\n")
	sb.WriteString(": keepalive comment\n")
	sb.WriteString(sseFrame(t, `{"finished": {}}`))

	s := newTestStream(sb.String())
	defer func() { _ = s.Close() }()

	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Kind)
}

func TestEventStream_EventsAfterEndAreDropped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(sseFrame(t, `{"finished": {}}`))
	sb.WriteString(sseFrame(t, `{"client_actions": {"actions": [{"append_to_message_content": {"message": {"agent_output": {"text": "late"}}}}]}}`))

	s := newTestStream(sb.String())
	defer func() { _ = s.Close() }()

	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Kind)
}

func TestEventStream_CloseIdempotent(t *testing.T) {
	s := newTestStream("")
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
