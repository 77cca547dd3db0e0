// Package relay is the websocket fanout point that lets contexts on
// different machines share one user's state. It holds no authority over
// the record: it forwards each change_publish to every other subscriber
// of the key and remembers the last value for late joiners.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	v1 "sbstate/shared/contracts/sync/v1"

	"github.com/coder/websocket"
)

// GatewayConfig holds relay knobs. Zero fields fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables the websocket library origin check (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     defaultWriteTimeout,
		ReadIdleTimeout:  defaultReadIdle,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Gateway is the websocket entrypoint of the relay.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	cfg      GatewayConfig
	patterns []string
}

// NewGateway constructs a gateway. A nil hub gets a fresh one.
func NewGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:      log,
		hub:      hub,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
}

// Hub returns the room registry behind the gateway.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state. hello is owned by the read loop;
// rooms is also drained by shutdown, which may run on the writer goroutine.
type session struct {
	client *Client
	hello  bool

	mu    sync.Mutex
	rooms map[string]*Room
}

func (s *session) join(room *Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Key]; !ok && len(s.rooms) >= maxKeysPerSession {
		return false
	}
	s.rooms[room.Key] = room
	room.Subscribe(s.client)
	return true
}

func (s *session) leave(key string) {
	s.mu.Lock()
	room, ok := s.rooms[key]
	delete(s.rooms, key)
	s.mu.Unlock()
	if ok {
		room.Unsubscribe(s.client.SessionID)
	}
}

func (s *session) leaveAll() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()
	for _, room := range rooms {
		room.Unsubscribe(s.client.SessionID)
	}
}

// HandleWS upgrades the request and runs the relay loop for one context.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("relay.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("relay.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("relay.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess := &session{
		client: NewClient(NewSessionID(time.Now().UTC()), g.cfg.SendQueueSize),
		rooms:  make(map[string]*Room),
	}
	client := sess.client

	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.leaveAll()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, func() {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		})
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, func() {
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		})
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("relay.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type != v1.TypeHello && !sess.hello {
			g.trySendError(ctx, client, "hello_required", "send hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeKeySubscribe:
			if err := g.onSubscribe(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
			}

		case v1.TypeKeyUnsubscribe:
			if err := g.onUnsubscribe(sess, env); err != nil {
				g.trySendError(ctx, client, "unsubscribe_failed", err.Error())
			}

		case v1.TypeChangePublish:
			if err := g.onPublish(ctx, sess, env, now); err != nil {
				changesTotal.WithLabelValues("rejected").Inc()
				g.trySendError(ctx, client, "publish_failed", err.Error())
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, fail func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("relay.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				fail()
				return
			}
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, fail func()) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("relay.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					fail()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	if sess.hello {
		return errors.New("duplicate hello")
	}

	sess.client.setContextID(strings.TrimSpace(p.ContextID))
	sess.hello = true

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.client.SessionID})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}

	g.log.Info("relay.session.start", "session_id", sess.client.SessionID, "context_id", sess.client.ContextID())
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.KeySubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	key, err := validateKey(p.Key)
	if err != nil {
		return err
	}
	room := g.hub.Room(key)
	if !sess.join(room) {
		return fmt.Errorf("too many keys: max=%d", maxKeysPerSession)
	}

	echoPayload, _ := json.Marshal(v1.KeySubscribePayload{Key: key, Replay: p.Replay})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeKeySubscribe, echoPayload, time.Now().UTC())) {
		sess.leave(key)
		return errors.New("backpressure: subscribe echo")
	}

	if p.Replay {
		if last, ok := room.Last(); ok {
			b, _ := json.Marshal(last)
			_ = g.enqueue(ctx, sess.client, newEnvelope(v1.TypeChange, b, time.Now().UTC()))
		}
	}
	return nil
}

func (g *Gateway) onUnsubscribe(sess *session, env v1.Envelope) error {
	var p v1.KeyUnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	key, err := validateKey(p.Key)
	if err != nil {
		return err
	}
	sess.leave(key)
	return nil
}

func (g *Gateway) onPublish(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.ChangePublishPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	key, err := validateKey(p.Key)
	if err != nil {
		return err
	}
	if len(p.Value) > maxValueBytes {
		return fmt.Errorf("value too large: max=%d bytes", maxValueBytes)
	}

	origin := sess.client.ContextID()
	if origin == "" {
		origin = sess.client.SessionID
	}

	ch, delivered := g.hub.Room(key).Publish(sess.client.SessionID, origin, p.Value, now)
	changesTotal.WithLabelValues("accepted").Inc()
	deliveriesTotal.Add(float64(delivered))

	ackPayload, _ := json.Marshal(v1.ChangeAckPayload{Key: ch.Key, Seq: ch.Seq})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeChangeAck, ackPayload, now)) {
		return errors.New("backpressure: change_ack")
	}
	return nil
}

func validateKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", errors.New("missing key")
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("key too long: max=%d", maxKeyLen)
	}
	return key, nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
