package changebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries changes over redis pub/sub, one channel per key
// ("<prefix>:<key>"). The client is owned by the caller.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	id     string
	log    *slog.Logger
	reg    *registry

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
}

// RedisOption configures RedisBus.
type RedisOption func(*RedisBus) error

// WithChannelPrefix sets the pub/sub channel prefix (default: "sbstate.changes").
func WithChannelPrefix(prefix string) RedisOption {
	return func(b *RedisBus) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return ErrInvalidKey
		}
		b.prefix = prefix
		return nil
	}
}

// WithRedisLogger sets the logger used for dropped messages.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) error {
		if l != nil {
			b.log = l
		}
		return nil
	}
}

// NewRedisBus constructs a RedisBus endpoint.
func NewRedisBus(client redis.UniversalClient, opts ...RedisOption) (*RedisBus, error) {
	b := &RedisBus{
		client: client,
		prefix: "sbstate.changes",
		id:     NewOriginID(),
		log:    slog.Default(),
		reg:    newRegistry(),
		subs:   make(map[string]*redisSub),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.client == nil {
		return nil, errors.New("changebus: nil redis client")
	}
	return b, nil
}

func (b *RedisBus) ID() string { return b.id }

func (b *RedisBus) channel(key string) string { return b.prefix + ":" + key }

func (b *RedisBus) Publish(ctx context.Context, c Change) error {
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
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(c.Key), payload).Err(); err != nil {
		return fmt.Errorf("changebus: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(key string, h Handler) (func(), error) {
	if key == "" || h == nil {
		return nil, ErrInvalidKey
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	id, first := b.reg.add(key, h)
	if first {
		if err := b.startLocked(key); err != nil {
			b.reg.remove(key, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.reg.remove(key, id) {
				b.mu.Lock()
				b.stopLocked(key)
				b.mu.Unlock()
			}
		})
	}, nil
}

func (b *RedisBus) startLocked(key string) error {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, b.channel(key))

	// Wait for the subscription confirmation so a publish right after
	// Subscribe returns is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("changebus: redis subscribe: %w", err)
	}

	sub := &redisSub{ps: ps, cancel: cancel}
	b.subs[key] = sub
	go b.listen(ctx, sub)
	return nil
}

func (b *RedisBus) stopLocked(key string) {
	sub := b.subs[key]
	if sub == nil {
		return
	}
	delete(b.subs, key)
	sub.cancel()
	_ = sub.ps.Close()
}

func (b *RedisBus) listen(ctx context.Context, sub *redisSub) {
	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.log.Warn("bus.redis.decode.fail", "channel", msg.Channel, "err", err)
				continue
			}
			if c.Origin == b.id {
				continue
			}
			b.reg.dispatch(c)
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for key := range b.subs {
		b.stopLocked(key)
	}
	return nil
}
