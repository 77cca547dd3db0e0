package userstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sbstate/cmd/internal/changebus"
	"sbstate/cmd/internal/persist"
)

const defaultPersistTimeout = 2 * time.Second

// Adapter binds the record to one storage key and one change bus.
// It never fails observably: Load falls back to defaults and Save reports
// errors for the caller to log.
type Adapter struct {
	storage persist.Storage
	bus     changebus.Bus
	key     string
	timeout time.Duration
	log     *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter) error

// WithKey overrides the storage key (default: DefaultKey).
func WithKey(key string) AdapterOption {
	return func(a *Adapter) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return OpError{Op: "userstore.WithKey", Kind: persist.ErrInvalidKey}
		}
		a.key = key
		return nil
	}
}

// WithPersistTimeout bounds each storage and bus call.
func WithPersistTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) error {
		if d > 0 {
			a.timeout = d
		}
		return nil
	}
}

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) error {
		if l != nil {
			a.log = l
		}
		return nil
	}
}

// NewAdapter constructs an Adapter. A nil bus means no cross-context sync.
func NewAdapter(storage persist.Storage, bus changebus.Bus, opts ...AdapterOption) (*Adapter, error) {
	if storage == nil {
		return nil, OpError{Op: "userstore.NewAdapter", Kind: ErrStorageUnavailable, Msg: "nil storage"}
	}
	if bus == nil {
		bus = changebus.NewNop()
	}
	a := &Adapter{
		storage: storage,
		bus:     bus,
		key:     DefaultKey,
		timeout: defaultPersistTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Key returns the storage key.
func (a *Adapter) Key() string { return a.key }

// Storage returns the backing storage.
func (a *Adapter) Storage() persist.Storage { return a.storage }

// Origin returns the bus endpoint id stamped on published changes.
func (a *Adapter) Origin() string { return a.bus.ID() }

// Load reads and decodes the record. Missing, unreadable or malformed
// blobs all yield the default record.
func (a *Adapter) Load(ctx context.Context) Record {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	b, err := a.storage.Get(ctx, a.key)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			persistFailuresTotal.WithLabelValues("load").Inc()
			a.log.Warn("store.load.fail", "key", a.key, "err", err)
		}
		return DefaultRecord()
	}

	r, err := Decode(b)
	if err != nil {
		decodeFailuresTotal.WithLabelValues("load").Inc()
		a.log.Warn("store.decode.fail", "key", a.key, "err", err)
		return DefaultRecord()
	}
	return r
}

// Save writes the whole record, then announces it on the bus. A failed
// write is not announced.
func (a *Adapter) Save(ctx context.Context, r Record) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.storage.Set(ctx, a.key, b); err != nil {
		persistFailuresTotal.WithLabelValues("save").Inc()
		return OpError{Op: "userstore.Save", Kind: ErrStorageUnavailable, Msg: err.Error()}
	}

	if err := a.bus.Publish(ctx, changebus.Change{Key: a.key, Value: string(b)}); err != nil {
		persistFailuresTotal.WithLabelValues("publish").Inc()
		a.log.Warn("store.publish.fail", "key", a.key, "err", err)
	}
	return nil
}

// Subscribe forwards bus changes for the adapter key to h.
func (a *Adapter) Subscribe(h func(changebus.Change)) (func(), error) {
	return a.bus.Subscribe(a.key, changebus.Handler(h))
}
