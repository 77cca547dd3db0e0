// Package userstore holds one user's persisted account state: profile,
// coin balance, referral status, premium membership and daily check-in.
//
// A Store is the single writer for its context. Every mutation replaces the
// whole record, persists it through the Adapter, announces it on the change
// bus and then notifies local subscribers. Changes announced by other
// contexts replace the local record wholesale (last writer wins).
package userstore

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"sbstate/cmd/internal/changebus"
)

// Store is the reactive state controller for one context.
type Store struct {
	adapter  *Adapter
	clock    Clock
	log      *slog.Logger
	notifier Notifier
	identity IdentityProvider
	rand     io.Reader
	guard    *Guard

	migrateLegacy bool

	// wmu orders persist calls so storage sees commits in memory order.
	// It is never held while reconciling a remote change.
	wmu sync.Mutex

	mu  sync.RWMutex
	rec Record

	lmu          sync.RWMutex
	listeners    map[uint64]func()
	nextListener uint64

	closeOnce sync.Once
	unsubBus  func()
}

// Option configures a Store.
type Option func(*Store) error

// WithClock sets the clock (default: SystemClock).
func WithClock(c Clock) Option {
	return func(s *Store) error {
		if c != nil {
			s.clock = c
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithNotifier sets the user-facing notifier (default: NopNotifier).
func WithNotifier(n Notifier) Option {
	return func(s *Store) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithIdentity sets the provider referral codes are derived from.
func WithIdentity(p IdentityProvider) Option {
	return func(s *Store) error {
		s.identity = p
		return nil
	}
}

// WithRand sets the entropy source for random referral codes.
func WithRand(r io.Reader) Option {
	return func(s *Store) error {
		if r != nil {
			s.rand = r
		}
		return nil
	}
}

// WithRedeemHold sets how long the redeem guard stays held after a redeem
// attempt completes (default: DefaultRedeemHold). Zero releases at once.
func WithRedeemHold(d time.Duration) Option {
	return func(s *Store) error {
		if d < 0 {
			d = 0
		}
		s.guard = NewGuard(d)
		return nil
	}
}

// WithRedeemGuard installs a prepared guard.
func WithRedeemGuard(g *Guard) Option {
	return func(s *Store) error {
		if g != nil {
			s.guard = g
		}
		return nil
	}
}

// WithLegacyMigration folds the pre-unification coin and check-in keys
// into the record on startup and removes them.
func WithLegacyMigration() Option {
	return func(s *Store) error {
		s.migrateLegacy = true
		return nil
	}
}

// New loads the record and starts listening for changes from other contexts.
func New(ctx context.Context, adapter *Adapter, opts ...Option) (*Store, error) {
	if adapter == nil {
		return nil, OpError{Op: "userstore.New", Kind: ErrStorageUnavailable, Msg: "nil adapter"}
	}

	s := &Store{
		adapter:   adapter,
		clock:     SystemClock{},
		log:       slog.Default(),
		notifier:  NopNotifier{},
		rand:      rand.Reader,
		guard:     NewGuard(DefaultRedeemHold),
		listeners: make(map[uint64]func()),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.rec = adapter.Load(ctx)

	unsub, err := adapter.Subscribe(s.onChange)
	if err != nil {
		return nil, OpError{Op: "userstore.New", Kind: ErrStorageUnavailable, Msg: "subscribe: " + err.Error()}
	}
	s.unsubBus = unsub

	if s.migrateLegacy {
		s.runLegacyMigration(ctx)
	}

	s.log.Debug("store.open", "key", adapter.Key(), "origin", adapter.Origin())
	return s, nil
}

// Close stops listening to the change bus. The record stays readable.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.unsubBus != nil {
			s.unsubBus()
		}
	})
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Snapshot returns the current record plus derived values evaluated now.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	rec := s.rec.Clone()
	s.mu.RUnlock()
	return SnapshotOf(rec, s.clock.Now())
}

// Record returns a copy of the current record.
func (s *Store) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone()
}

// Update shallow-merges p into the record, persists and notifies.
func (s *Store) Update(ctx context.Context, p Patch) {
	s.mutate(ctx, "local", func(r Record) (Record, bool) {
		return p.Apply(r), true
	})
}

// Reset restores the default record, persists and notifies.
func (s *Store) Reset(ctx context.Context) {
	s.mutate(ctx, "reset", func(Record) (Record, bool) {
		return DefaultRecord(), true
	})
}

// Subscribe registers fn to run after every committed change. The
// returned func unsubscribes and may be called more than once.
func (s *Store) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}

	s.lmu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// mutate runs fn against the current record. When fn reports a change the
// result is committed, persisted, and listeners are notified. The
// check inside fn and the commit are one critical section.
func (s *Store) mutate(ctx context.Context, source string, fn func(Record) (Record, bool)) (Record, bool) {
	s.wmu.Lock()

	s.mu.Lock()
	next, changed := fn(s.rec.Clone())
	if !changed {
		cur := s.rec.Clone()
		s.mu.Unlock()
		s.wmu.Unlock()
		return cur, false
	}
	s.rec = next.Clone()
	s.mu.Unlock()

	if err := s.adapter.Save(ctx, next); err != nil {
		s.log.Warn("store.persist.fail", "key", s.adapter.Key(), "err", err)
	}
	s.wmu.Unlock()

	updatesTotal.WithLabelValues(source).Inc()
	s.notify()
	return next, true
}

// onChange reconciles a change announced by another context.
func (s *Store) onChange(c changebus.Change) {
	if c.Key != s.adapter.Key() || c.Value == "" {
		return
	}
	if c.Origin != "" && c.Origin == s.adapter.Origin() {
		return
	}

	rec, err := Decode([]byte(c.Value))
	if err != nil {
		decodeFailuresTotal.WithLabelValues("bus").Inc()
		s.log.Warn("store.reconcile.decode.fail", "key", c.Key, "origin", c.Origin, "err", err)
		return
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	updatesTotal.WithLabelValues("remote").Inc()
	s.notify()
}

func (s *Store) notify() {
	s.lmu.RLock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
