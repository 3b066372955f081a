package pool

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xilu0/warp-gateway/internal/crypto"
	"github.com/xilu0/warp-gateway/internal/store"
	"github.com/xilu0/warp-gateway/internal/warp"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	box, err := crypto.NewBox(crypto.BoxOptions{Seed: "pool-test", Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	s, err := store.Open(store.Options{
		Path:   filepath.Join(t.TempDir(), "pool.db"),
		Box:    box,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertAccount(t *testing.T, s *store.Store, token string) *store.Account {
	t.Helper()
	acc, err := s.Insert(context.Background(), token, "", "")
	require.NoError(t, err)
	return acc
}

// fakeStream replays a fixed event sequence.
type fakeStream struct {
	events []warp.Event
	pos    int
	closed bool
}

func (f *fakeStream) Next() (*warp.Event, error) {
	if f.pos >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return &ev, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func okStream(text string) *fakeStream {
	return &fakeStream{events: []warp.Event{
		{Kind: warp.EventMeta, Meta: &warp.Meta{ConversationID: "c1", TaskID: "t1"}},
		{Kind: warp.EventText, Text: text},
		{Kind: warp.EventEnd},
	}}
}

// fakeSender scripts per-call send results.
type fakeSender struct {
	calls int
	fn    func(call int, accessToken string) (EventSource, error)
}

func (f *fakeSender) SendStream(ctx context.Context, accessToken string, body []byte) (EventSource, error) {
	f.calls++
	return f.fn(f.calls, accessToken)
}

// fakeRefresher scripts refresh results.
type fakeRefresher struct {
	calls int
	fn    func(call int, refreshToken string) (*warp.Credentials, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*warp.Credentials, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(f.calls, refreshToken)
	}
	return &warp.Credentials{
		AccessToken:  "access-" + refreshToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

// fakeQuota serves a fixed quota snapshot.
type fakeQuota struct {
	info *warp.QuotaInfo
	err  error
}

func (f *fakeQuota) Fetch(ctx context.Context, accessToken string) (*warp.QuotaInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func newTestSelector(t *testing.T, s *store.Store, locks *LockMap) *Selector {
	t.Helper()
	return NewSelector(SelectorOptions{
		Store:         s,
		Locks:         locks,
		FailThreshold: 3,
		LockWait:      100 * time.Millisecond,
		Logger:        slog.New(slog.DiscardHandler),
	})
}

func newTestDispatcher(t *testing.T, s *store.Store, sender Sender, refresher TokenRefresher, quota QuotaReader, maxAccounts int) (*Dispatcher, *LockMap) {
	t.Helper()
	locks := NewLockMap()
	d := NewDispatcher(DispatcherOptions{
		Store:       s,
		Selector:    newTestSelector(t, s, locks),
		Locks:       locks,
		Sender:      sender,
		Refresher:   refresher,
		Quota:       quota,
		Logger:      slog.New(slog.DiscardHandler),
		CoolShort:   2 * time.Minute,
		CoolLong:    time.Hour,
		FThreshold:  3,
		MaxAccounts: maxAccounts,
	})
	return d, locks
}

func drainStream(t *testing.T, s *Stream) []warp.Event {
	t.Helper()
	var events []warp.Event
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, *ev)
	}
}
