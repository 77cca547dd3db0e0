package changebus

import (
	"context"
	"sync"
)

// Network connects in-process endpoints. Delivery is synchronous on the
// publisher's goroutine, which keeps tests deterministic.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryBus
}

// NewNetwork constructs an empty in-process network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*MemoryBus)}
}

// Endpoint attaches a new endpoint to the network.
func (n *Network) Endpoint() *MemoryBus {
	b := &MemoryBus{net: n, id: NewOriginID(), reg: newRegistry()}

	n.mu.Lock()
	n.endpoints[b.id] = b
	n.mu.Unlock()
	return b
}

func (n *Network) detach(id string) {
	n.mu.Lock()
	delete(n.endpoints, id)
	n.mu.Unlock()
}

func (n *Network) broadcast(c Change) {
	n.mu.RLock()
	peers := make([]*MemoryBus, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if id == c.Origin {
			continue
		}
		peers = append(peers, ep)
	}
	n.mu.RUnlock()

	for _, ep := range peers {
		ep.reg.dispatch(c)
	}
}

// MemoryBus is one endpoint of a Network.
type MemoryBus struct {
	net *Network
	id  string
	reg *registry

	mu     sync.Mutex
	closed bool
}

func (b *MemoryBus) ID() string { return b.id }

func (b *MemoryBus) Publish(ctx context.Context, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Key == "" {
		return ErrInvalidKey
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.Origin = b.id
	b.net.broadcast(c)
	return nil
}

func (b *MemoryBus) Subscribe(key string, h Handler) (func(), error) {
	if key == "" || h == nil {
		return nil, ErrInvalidKey
	}
	id, _ := b.reg.add(key, h)

	var once sync.Once
	return func() {
		once.Do(func() { b.reg.remove(key, id) })
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.net.detach(b.id)
	return nil
}
