package changebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTBus carries changes over an MQTT broker, one topic per key
// ("<prefix>/<key>"). The client is owned by the caller.
type MQTTBus struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	id      string
	log     *slog.Logger
	reg     *registry

	mu     sync.Mutex
	closed bool
}

// MQTTOption configures MQTTBus.
type MQTTOption func(*MQTTBus) error

// WithTopicPrefix sets the topic prefix (default: "sbstate/changes").
func WithTopicPrefix(prefix string) MQTTOption {
	return func(b *MQTTBus) error {
		prefix = strings.Trim(strings.TrimSpace(prefix), "/")
		if prefix == "" || strings.ContainsAny(prefix, "+#") {
			return ErrInvalidKey
		}
		b.prefix = prefix
		return nil
	}
}

// WithQoS sets the MQTT quality of service (default: 1).
func WithQoS(qos byte) MQTTOption {
	return func(b *MQTTBus) error {
		if qos > 2 {
			return fmt.Errorf("changebus: invalid qos %d", qos)
		}
		b.qos = qos
		return nil
	}
}

// WithMQTTLogger sets the logger used for dropped messages.
func WithMQTTLogger(l *slog.Logger) MQTTOption {
	return func(b *MQTTBus) error {
		if l != nil {
			b.log = l
		}
		return nil
	}
}

// NewMQTTBus constructs an MQTTBus endpoint on a connected client.
func NewMQTTBus(client mqtt.Client, opts ...MQTTOption) (*MQTTBus, error) {
	b := &MQTTBus{
		client:  client,
		prefix:  "sbstate/changes",
		qos:     1,
		timeout: 5 * time.Second,
		id:      NewOriginID(),
		log:     slog.Default(),
		reg:     newRegistry(),
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
		return nil, errors.New("changebus: nil mqtt client")
	}
	return b, nil
}

// DialMQTT connects a paho client with auto-reconnect and a clean session.
func DialMQTT(broker, clientID, username, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("changebus: mqtt connect: %w", token.Error())
	}
	return client, nil
}

func (b *MQTTBus) ID() string { return b.id }

func (b *MQTTBus) topic(key string) string { return b.prefix + "/" + key }

func (b *MQTTBus) Publish(ctx context.Context, c Change) error {
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
	token := b.client.Publish(b.topic(c.Key), b.qos, false, payload)
	return b.wait(ctx, token, "publish")
}

func (b *MQTTBus) Subscribe(key string, h Handler) (func(), error) {
	if key == "" || h == nil || strings.ContainsAny(key, "+#/") {
		return nil, ErrInvalidKey
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id, first := b.reg.add(key, h)
	if first {
		token := b.client.Subscribe(b.topic(key), b.qos, b.onMessage)
		if err := b.wait(context.Background(), token, "subscribe"); err != nil {
			b.reg.remove(key, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.reg.remove(key, id) {
				token := b.client.Unsubscribe(b.topic(key))
				if err := b.wait(context.Background(), token, "unsubscribe"); err != nil {
					b.log.Warn("bus.mqtt.unsubscribe.fail", "key", key, "err", err)
				}
			}
		})
	}, nil
}

func (b *MQTTBus) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var c Change
	if err := json.Unmarshal(msg.Payload(), &c); err != nil {
		b.log.Warn("bus.mqtt.decode.fail", "topic", msg.Topic(), "err", err)
		return
	}
	if c.Origin == b.id {
		return
	}
	b.reg.dispatch(c)
}

func (b *MQTTBus) wait(ctx context.Context, token mqtt.Token, op string) error {
	timeout := b.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("changebus: mqtt %s: timeout", op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("changebus: mqtt %s: %w", op, err)
	}
	return nil
}

// Close unsubscribes every topic. It does not disconnect the client.
func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	keys := b.reg.keys()
	if len(keys) == 0 {
		return nil
	}
	topics := make([]string, 0, len(keys))
	for _, k := range keys {
		topics = append(topics, b.topic(k))
	}
	return b.wait(context.Background(), b.client.Unsubscribe(topics...), "unsubscribe")
}
