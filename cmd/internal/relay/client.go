package relay

import (
	"sync"

	v1 "sbstate/shared/contracts/sync/v1"
)

// Client is one connected context.
//
// Send is never closed by the relay so concurrent fanout cannot panic;
// done signals the session goroutines to stop.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu        sync.RWMutex
	contextID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// ContextID is the bus origin announced in hello, empty before the handshake.
func (c *Client) ContextID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contextID
}

func (c *Client) setContextID(id string) {
	c.mu.Lock()
	c.contextID = id
	c.mu.Unlock()
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
