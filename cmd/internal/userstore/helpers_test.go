package userstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sbstate/cmd/internal/changebus"
	"sbstate/cmd/internal/persist"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	n.successes = append(n.successes, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	n.errors = append(n.errors, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errors...)
}

func (n *recordingNotifier) Successes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...)
}

// countingStorage counts writes and can be switched to fail them.
type countingStorage struct {
	persist.Storage

	mu      sync.Mutex
	sets    int
	failSet bool
}

func (s *countingStorage) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSet
	if !fail {
		s.sets++
	}
	s.mu.Unlock()
	if fail {
		return errors.Join(persist.ErrUnavailable, errors.New("quota exceeded"))
	}
	return s.Storage.Set(ctx, key, value)
}

func (s *countingStorage) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

func (s *countingStorage) FailWrites(v bool) {
	s.mu.Lock()
	s.failSet = v
	s.mu.Unlock()
}

type harness struct {
	store    *Store
	storage  *countingStorage
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, persist.NewMemoryStorage(), nil, opts...)
}

func newHarnessOn(t *testing.T, backing persist.Storage, bus changebus.Bus, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		storage:  &countingStorage{Storage: backing},
		clock:    newFakeClock(t0),
		notifier: &recordingNotifier{},
	}

	a, err := NewAdapter(h.storage, bus, WithAdapterLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	base := []Option{
		WithClock(h.clock),
		WithLogger(discardLogger()),
		WithNotifier(h.notifier),
		WithRedeemHold(0),
	}
	s, err := New(context.Background(), a, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)

	h.store = s
	return h
}

// manualGuard returns a guard whose delayed release runs only when the
// returned func is called.
func manualGuard() (*Guard, func()) {
	g := NewGuard(time.Second)

	var mu sync.Mutex
	var pending []func()
	g.after = func(_ time.Duration, f func()) {
		mu.Lock()
		pending = append(pending, f)
		mu.Unlock()
	}

	return g, func() {
		mu.Lock()
		fs := pending
		pending = nil
		mu.Unlock()
		for _, f := range fs {
			f()
		}
	}
}
