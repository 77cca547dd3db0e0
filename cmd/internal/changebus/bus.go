// Package changebus carries "the record under key K changed" notifications
// between execution contexts that share one storage backend.
//
// A Bus never delivers a change back to the endpoint that published it.
// Delivery is at-most-once and unordered across publishers; receivers
// replace their state wholesale, so the last delivered change wins.
package changebus

import (
	"context"
	"errors"
	"sync"
	"time"

	"sbstate/cmd/identity/ids"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("changebus: closed")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("changebus: invalid key")
)

// Change announces a new serialized value under Key. An empty Value means
// the key was removed. Origin identifies the publishing endpoint.
type Change struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

// Handler receives changes published by other endpoints.
type Handler func(Change)

// Bus is one context's endpoint on a change bus.
type Bus interface {
	// ID is the origin stamped on every change this endpoint publishes.
	ID() string
	Publish(ctx context.Context, c Change) error
	// Subscribe registers h for changes to key. The returned func
	// unsubscribes and is safe to call more than once.
	Subscribe(key string, h Handler) (func(), error)
	Close() error
}

// NewOriginID returns a fresh endpoint id.
func NewOriginID() string {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return ""
	}
	return id
}

// registry is the per-endpoint handler table shared by every transport.
type registry struct {
	mu     sync.RWMutex
	nextID uint64
	byKey  map[string]map[uint64]Handler
}

func newRegistry() *registry {
	return &registry{byKey: make(map[string]map[uint64]Handler)}
}

// add registers h and reports whether it is the first handler for key.
func (r *registry) add(key string, h Handler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id = r.nextID

	m := r.byKey[key]
	if m == nil {
		m = make(map[uint64]Handler)
		r.byKey[key] = m
		first = true
	}
	m[id] = h
	return id, first
}

// remove drops a handler and reports whether key has no handlers left.
func (r *registry) remove(key string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.byKey[key]
	if m == nil {
		return false
	}
	if _, ok := m[id]; !ok {
		return false
	}
	delete(m, id)
	if len(m) == 0 {
		delete(r.byKey, key)
		return true
	}
	return false
}

func (r *registry) keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}

// dispatch calls every handler for c.Key outside the lock.
func (r *registry) dispatch(c Change) {
	r.mu.RLock()
	m := r.byKey[c.Key]
	hs := make([]Handler, 0, len(m))
	for _, h := range m {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(c)
	}
}

// Nop is a bus for a single context: nothing is ever delivered.
type Nop struct{ id string }

// NewNop constructs a Nop bus.
func NewNop() *Nop { return &Nop{id: NewOriginID()} }

func (n *Nop) ID() string                                 { return n.id }
func (n *Nop) Publish(ctx context.Context, c Change) error { return ctx.Err() }
func (n *Nop) Subscribe(key string, h Handler) (func(), error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return func() {}, nil
}
func (n *Nop) Close() error { return nil }
