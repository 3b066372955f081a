package warp

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// EventStream reads decoded events off an SSE response body. Events are
// pulled lazily; the stream terminates on an EventEnd frame, a transport
// failure (surfaced as EventError), or end of body.
type EventStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	codec     Codec
	pending   []Event
	dataBuf   []string
	done      bool
	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser, codec Codec) *EventStream {
	return &EventStream{
		body:   body,
		reader: bufio.NewReader(body),
		codec:  codec,
	}
}

// Next returns the next event. It returns io.EOF once the stream has
// terminated; a mid-stream transport failure is returned as a final
// EventError before EOF.
func (s *EventStream) Next() (*Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Kind == EventEnd || ev.Kind == EventError {
				s.finish()
			}
			return &ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.flushFrame()
			if err != io.EOF {
				s.pending = append(s.pending, Event{Kind: EventError, Message: err.Error()})
			} else {
				// Body ended without a finished frame.
				s.pending = append(s.pending, Event{Kind: EventEnd})
			}
			s.done = true
			continue
		}

		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "data:"):
			if payload := strings.TrimSpace(line[len("data:"):]); payload != "" {
				s.dataBuf = append(s.dataBuf, payload)
			}
		case line == "" && len(s.dataBuf) > 0:
			s.flushFrame()
		}
	}
}

// flushFrame decodes the accumulated data payload into pending events.
// Undecodable frames are skipped, matching upstream keepalive noise.
func (s *EventStream) flushFrame() {
	if len(s.dataBuf) == 0 {
		return
	}
	payload := strings.Join(s.dataBuf, "")
	s.dataBuf = s.dataBuf[:0]

	raw, err := DecodePayload(payload)
	if err != nil {
		return
	}
	events, err := s.codec.Decode(raw)
	if err != nil {
		return
	}
	s.pending = append(s.pending, events...)
}

func (s *EventStream) finish() {
	s.done = true
	s.pending = nil
	_ = s.Close()
}

// Close releases the underlying response body. It is safe to call more
// than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
