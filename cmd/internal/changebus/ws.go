package changebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "sbstate/shared/contracts/sync/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultTimeout = 5 * time.Second
	wsMaxFrameBytes  = 64 << 10
)

// WSBus is a relay client: it publishes changes to a sync relay over a
// websocket and dispatches the changes other contexts publish.
//
// The connection is not re-established after it drops; Err reports why
// the bus stopped. TODO: reconnect with backoff and resubscribe every key.
type WSBus struct {
	id      string
	log     *slog.Logger
	reg     *registry
	conn    *websocket.Conn
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	err       error
	sessionID string
	pending   map[string][]chan struct{}
}

// WSOption configures DialWS.
type WSOption func(*wsDialConfig)

type wsDialConfig struct {
	origin  string
	header  http.Header
	timeout time.Duration
	log     *slog.Logger
}

// WithOrigin sets the Origin header sent on dial.
func WithOrigin(origin string) WSOption {
	return func(c *wsDialConfig) { c.origin = strings.TrimSpace(origin) }
}

// WithHeader adds extra dial headers.
func WithHeader(h http.Header) WSOption {
	return func(c *wsDialConfig) { c.header = h.Clone() }
}

// WithTimeout bounds handshake, subscribe and publish round trips.
func WithTimeout(d time.Duration) WSOption {
	return func(c *wsDialConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWSLogger sets the logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(c *wsDialConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// DialWS connects to a relay at rawURL (ws:// or wss://) and completes the
// hello handshake before returning.
func DialWS(ctx context.Context, rawURL string, opts ...WSOption) (*WSBus, error) {
	cfg := wsDialConfig{timeout: wsDefaultTimeout, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	h := http.Header{}
	for k, vs := range cfg.header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if cfg.origin != "" {
		h.Set("Origin", cfg.origin)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, rawURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("changebus: ws dial: %w", err)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	b := &WSBus{
		id:      NewOriginID(),
		log:     cfg.log,
		reg:     newRegistry(),
		conn:    conn,
		timeout: cfg.timeout,
		done:    make(chan struct{}),
		pending: make(map[string][]chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if err := b.handshake(dialCtx); err != nil {
		b.cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}

	go b.readLoop()
	return b, nil
}

func (b *WSBus) ID() string { return b.id }

// SessionID is the relay-assigned session id.
func (b *WSBus) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Err returns the reason the read loop stopped, nil while running.
func (b *WSBus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done is closed when the read loop stops.
func (b *WSBus) Done() <-chan struct{} { return b.done }

func (b *WSBus) handshake(ctx context.Context) error {
	if err := b.send(ctx, v1.TypeHello, v1.HelloPayload{ContextID: b.id}); err != nil {
		return fmt.Errorf("changebus: ws hello: %w", err)
	}
	for {
		env, err := b.read(ctx)
		if err != nil {
			return fmt.Errorf("changebus: ws hello: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("changebus: ws hello_ack: %w", err)
			}
			b.sessionID = p.SessionID
			return nil
		case v1.TypeError:
			return fmt.Errorf("changebus: ws hello rejected: %s", errorMessage(env))
		}
	}
}

func (b *WSBus) Publish(ctx context.Context, c Change) error {
	if c.Key == "" {
		return ErrInvalidKey
	}
	if err := b.usable(); err != nil {
		return err
	}
	return b.send(ctx, v1.TypeChangePublish, v1.ChangePublishPayload{
		Key:    c.Key,
		Value:  c.Value,
		Origin: b.id,
	})
}

// Subscribe registers h and, for the first handler of key, waits until the
// relay confirms the subscription.
func (b *WSBus) Subscribe(key string, h Handler) (func(), error) {
	if key == "" || h == nil {
		return nil, ErrInvalidKey
	}
	if err := b.usable(); err != nil {
		return nil, err
	}

	id, first := b.reg.add(key, h)
	if first {
		if err := b.subscribeRemote(key); err != nil {
			b.reg.remove(key, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.reg.remove(key, id) && b.usable() == nil {
				ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
				defer cancel()
				if err := b.send(ctx, v1.TypeKeyUnsubscribe, v1.KeyUnsubscribePayload{Key: key}); err != nil {
					b.log.Info("bus.ws.unsubscribe.fail", "key", key, "err", err)
				}
			}
		})
	}, nil
}

func (b *WSBus) subscribeRemote(key string) error {
	ack := make(chan struct{})
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], ack)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	if err := b.send(ctx, v1.TypeKeySubscribe, v1.KeySubscribePayload{Key: key}); err != nil {
		return fmt.Errorf("changebus: ws subscribe: %w", err)
	}

	select {
	case <-ack:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("changebus: ws subscribe %q: %w", key, ctx.Err())
	}
}

func (b *WSBus) readLoop() {
	defer close(b.done)

	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			b.stop(err)
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.log.Info("bus.ws.decode.fail", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeChange:
			var p v1.ChangePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				b.log.Info("bus.ws.decode.fail", "type", env.Type, "err", err)
				continue
			}
			if p.Origin == b.id {
				continue
			}
			b.reg.dispatch(Change{Key: p.Key, Value: p.Value, Origin: p.Origin})

		case v1.TypeKeySubscribe:
			var p v1.KeySubscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			b.mu.Lock()
			waiters := b.pending[p.Key]
			delete(b.pending, p.Key)
			b.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}

		case v1.TypeError:
			b.log.Info("bus.ws.relay.error", "message", errorMessage(env))
		}
	}
}

func (b *WSBus) stop(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		if b.closed {
			b.err = ErrClosed
		} else {
			b.err = err
			b.log.Info("bus.ws.read.stop", "err", err)
		}
	}
	b.closed = true
}

func (b *WSBus) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if b.err != nil && !errors.Is(b.err, ErrClosed) {
			return fmt.Errorf("%w: %v", ErrClosed, b.err)
		}
		return ErrClosed
	}
	return nil
}

func (b *WSBus) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewOriginID(),
		TS:      now,
		Payload: raw,
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.conn.Write(wctx, websocket.MessageText, msg)
}

func (b *WSBus) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := b.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func (b *WSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.conn.Close(websocket.StatusNormalClosure, "bye")
	b.cancel()
	<-b.done
	return nil
}

func errorMessage(env v1.Envelope) string {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return string(env.Payload)
	}
	return p.Code + ": " + p.Message
}
