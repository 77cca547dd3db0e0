package changebus

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeBroker routes publishes to every fake client subscribed to the exact topic.
type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeMQTTClient
}

func (b *fakeBroker) client() *fakeMQTTClient {
	c := &fakeMQTTClient{broker: b, subs: make(map[string]mqtt.MessageHandler)}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	clients := append([]*fakeMQTTClient(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		h := c.subs[topic]
		c.mu.Unlock()
		if h != nil {
			h(c, &fakeMessage{topic: topic, payload: payload})
		}
	}
}

// fakeMQTTClient implements the subset of mqtt.Client the bus uses.
type fakeMQTTClient struct {
	mqtt.Client

	broker *fakeBroker
	mu     sync.Mutex
	subs   map[string]mqtt.MessageHandler
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)
	c.broker.route(topic, b)
	return doneToken{}
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, tp := range topics {
		delete(c.subs, tp)
	}
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeMQTTClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for tp := range c.subs {
		out = append(out, tp)
	}
	return out
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type fakeMessage struct {
	mqtt.Message

	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

func newTestMQTTBus(t *testing.T, client mqtt.Client, opts ...MQTTOption) *MQTTBus {
	t.Helper()
	bus, err := NewMQTTBus(client, opts...)
	if err != nil {
		t.Fatalf("NewMQTTBus: %v", err)
	}
	return bus
}

func TestMQTTBus_RelaysBetweenContexts(t *testing.T) {
	broker := &fakeBroker{}

	a := newTestMQTTBus(t, broker.client())
	b := newTestMQTTBus(t, broker.client())

	var gotA, gotB changeLog
	if _, err := a.Subscribe("sb_user_store", gotA.add); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := b.Subscribe("sb_user_store", gotB.add); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := a.Publish(context.Background(), Change{Key: "sb_user_store", Value: "v1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := gotA.snapshot(); len(got) != 0 {
		t.Fatalf("publisher must not hear itself: %v", got)
	}
	got := gotB.snapshot()
	if len(got) != 1 || got[0].Value != "v1" || got[0].Origin != a.ID() {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestMQTTBus_TopicLifecycle(t *testing.T) {
	broker := &fakeBroker{}
	client := broker.client()

	bus := newTestMQTTBus(t, client, WithTopicPrefix("/tenant/changes/"), WithQoS(0))

	u1, err := bus.Subscribe("k", func(Change) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	u2, err := bus.Subscribe("k", func(Change) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := client.topics(); !slices.Equal(got, []string{"tenant/changes/k"}) {
		t.Fatalf("unexpected topics: %v", got)
	}

	u1()
	if got := client.topics(); len(got) != 1 {
		t.Fatalf("topic stays while a handler remains: %v", got)
	}
	u2()
	if got := client.topics(); len(got) != 0 {
		t.Fatalf("expected topic released: %v", got)
	}

	if _, err := bus.Subscribe("other", func(Change) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := client.topics(); len(got) != 0 {
		t.Fatalf("close must unsubscribe every topic: %v", got)
	}
	if err := bus.Publish(context.Background(), Change{Key: "k"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMQTTBus_Options(t *testing.T) {
	broker := &fakeBroker{}

	if _, err := NewMQTTBus(broker.client(), WithQoS(3)); err == nil {
		t.Fatalf("expected qos 3 to be rejected")
	}
	if _, err := NewMQTTBus(broker.client(), WithTopicPrefix("a/#")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for wildcard prefix, got %v", err)
	}
	if _, err := NewMQTTBus(nil); err == nil {
		t.Fatalf("expected nil client to be rejected")
	}

	bus := newTestMQTTBus(t, broker.client())
	for _, bad := range []string{"", "a/b", "a+", "#"} {
		if _, err := bus.Subscribe(bad, func(Change) {}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestMQTTBus_IgnoresGarbage(t *testing.T) {
	broker := &fakeBroker{}
	bus := newTestMQTTBus(t, broker.client())

	var got changeLog
	if _, err := bus.Subscribe("k", got.add); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	broker.route("sbstate/changes/k", []byte("not json"))
	if len(got.snapshot()) != 0 {
		t.Fatalf("garbage was delivered: %v", got.snapshot())
	}
	if topic := bus.topic("k"); !strings.HasPrefix(topic, "sbstate/changes/") {
		t.Fatalf("unexpected default topic %q", topic)
	}
}
