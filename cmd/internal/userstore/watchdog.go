package userstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchdogInterval is how often the watchdog polls without a nudge.
const DefaultWatchdogInterval = 30 * time.Second

// ExpiredMessage is the notification sent once per premium expiry.
const ExpiredMessage = "Premium expired"

// Watchdog clears expired premium and announces each active-to-expired
// transition exactly once, whether or not anything is reading the store.
type Watchdog struct {
	store    *Store
	notifier Notifier
	interval time.Duration
	log      *slog.Logger

	mu sync.Mutex
	// armed is set whenever a commit or a poll sees premium active, and
	// consumed by the expiry it announces.
	armed atomic.Bool
	unsub func()
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog) error

// WithInterval sets the poll interval (default: DefaultWatchdogInterval).
func WithInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) error {
		if d > 0 {
			w.interval = d
		}
		return nil
	}
}

// WithWatchdogNotifier overrides the notifier (default: the store's).
func WithWatchdogNotifier(n Notifier) WatchdogOption {
	return func(w *Watchdog) error {
		if n != nil {
			w.notifier = n
		}
		return nil
	}
}

// WithWatchdogLogger sets the logger.
func WithWatchdogLogger(l *slog.Logger) WatchdogOption {
	return func(w *Watchdog) error {
		if l != nil {
			w.log = l
		}
		return nil
	}
}

// NewWatchdog constructs a Watchdog seeded with the store's current
// premium state. It watches every commit from then on, so a grant made
// between polls is announced when it expires. Close releases the
// subscription.
func NewWatchdog(s *Store, opts ...WatchdogOption) (*Watchdog, error) {
	if s == nil {
		return nil, OpError{Op: "userstore.NewWatchdog", Kind: ErrInvalidInput, Msg: "nil store"}
	}
	w := &Watchdog{
		store:    s,
		notifier: s.notifier,
		interval: DefaultWatchdogInterval,
		log:      s.log,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	w.observe()
	w.unsub = s.Subscribe(w.observe)
	return w, nil
}

// Close stops watching the store. Poll keeps working.
func (w *Watchdog) Close() {
	if w.unsub != nil {
		w.unsub()
	}
}

func (w *Watchdog) observe() {
	if PremiumActive(w.store.Record().PremiumExpiresAt, w.store.Now()) {
		w.armed.Store(true)
	}
}

// Interval returns the poll interval.
func (w *Watchdog) Interval() time.Duration { return w.interval }

// Poll runs one check and reports whether it announced an expiry. Premium
// that was already expired when the watchdog first saw it is cleared
// without a message.
func (w *Watchdog) Poll(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.store.Now()
	if PremiumActive(w.store.Record().PremiumExpiresAt, now) {
		w.armed.Store(true)
		return false
	}

	expiredAt, cleared := w.store.expirePremium(ctx, now)
	if !cleared || !w.armed.Swap(false) {
		return false
	}

	w.notifier.Error(ExpiredMessage)
	watchdogExpirations.Inc()
	w.log.Info("watchdog.premium.expired", "expiresAt", int64(expiredAt))
	return true
}

// Run polls once immediately, then on every tick and after every store
// change, until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	kick := make(chan struct{}, 1)
	unsub := w.store.Subscribe(func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	defer unsub()

	t := time.NewTicker(w.interval)
	defer t.Stop()

	w.log.Debug("watchdog.start", "interval", w.interval.String())
	w.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("watchdog.stop")
			return nil
		case <-t.C:
			w.Poll(ctx)
		case <-kick:
			w.Poll(ctx)
		}
	}
}
