package pool

import (
	"sync"

	"github.com/xilu0/warp-gateway/internal/warp"
)

// Stream is the dispatch result handed to adapters. It owns the upstream
// connection and the account's exclusivity lock; both are released exactly
// once, on End, Error, or Close.
type Stream struct {
	src   EventSource
	first *warp.Event

	// onFinish runs once; errored marks a mid-stream failure after bytes
	// were already delivered.
	onFinish   func(errored bool, message string)
	finishOnce sync.Once

	meta     warp.Meta
	attempts int
}

func newStream(src EventSource, first *warp.Event, onFinish func(bool, string)) *Stream {
	s := &Stream{src: src, first: first, onFinish: onFinish}
	if first != nil && first.Kind == warp.EventMeta && first.Meta != nil {
		s.meta = *first.Meta
	}
	return s
}

// Next returns the next event, io.EOF after the stream terminates.
func (s *Stream) Next() (*warp.Event, error) {
	var ev *warp.Event
	if s.first != nil {
		ev, s.first = s.first, nil
	} else {
		var err error
		ev, err = s.src.Next()
		if err != nil {
			s.finish(false, "")
			return nil, err
		}
	}

	switch ev.Kind {
	case warp.EventMeta:
		if ev.Meta != nil {
			s.meta = *ev.Meta
		}
	case warp.EventEnd:
		s.finish(false, "")
	case warp.EventError:
		s.finish(true, ev.Message)
	}
	return ev, nil
}

// Meta returns the stream identifiers seen so far.
func (s *Stream) Meta() warp.Meta {
	return s.meta
}

// Attempts reports how many accounts the dispatch tried before this stream
// was established.
func (s *Stream) Attempts() int {
	if s.attempts == 0 {
		return 1
	}
	return s.attempts
}

// Close releases the upstream connection and the account lock. Idempotent;
// closing before the end of the stream counts as a clean abandon, not a
// failure.
func (s *Stream) Close() error {
	s.finish(false, "")
	return s.src.Close()
}

func (s *Stream) finish(errored bool, message string) {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(errored, message)
		}
	})
}
