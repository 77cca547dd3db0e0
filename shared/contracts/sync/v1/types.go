// Package v1 defines the state sync relay protocol v1 contract.
//
// It is shared between the relay and its clients so both sides agree on
// the wire format.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "sbstate.sync.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeKeySubscribe subscribes to a storage key (client -> server) and is echoed back.
	TypeKeySubscribe = "key_subscribe"
	// TypeKeyUnsubscribe drops a key subscription (client -> server).
	TypeKeyUnsubscribe = "key_unsubscribe"

	// TypeChangePublish announces a new value for a key (client -> server).
	TypeChangePublish = "change_publish"
	// TypeChangeAck acknowledges a publish with its relay sequence (server -> client).
	TypeChangeAck = "change_ack"
	// TypeChange fans a change out to every other subscriber (server -> client).
	TypeChange = "change"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeKeySubscribe,
		TypeKeyUnsubscribe,
		TypeChangePublish,
		TypeChangeAck,
		TypeChange,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session. ContextID is
// the change bus origin of the connecting context.
type HelloPayload struct {
	ContextID string `json:"context_id,omitempty"`
}

// HelloAckPayload carries the relay-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// KeySubscribePayload subscribes to a key. With Replay set the relay sends
// the last value it saw for the key right after the echo.
type KeySubscribePayload struct {
	Key    string `json:"key"`
	Replay bool   `json:"replay,omitempty"`
}

// KeyUnsubscribePayload drops a key subscription.
type KeyUnsubscribePayload struct {
	Key string `json:"key"`
}

// ChangePublishPayload announces a new serialized value for Key.
type ChangePublishPayload struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Origin string `json:"origin,omitempty"`
}

// ChangeAckPayload acknowledges a publish.
type ChangeAckPayload struct {
	Key string `json:"key"`
	Seq int64  `json:"seq"`
}

// ChangePayload is fanned out to the other subscribers of Key.
type ChangePayload struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	Origin   string    `json:"origin"`
	Seq      int64     `json:"seq"`
	ServerTS time.Time `json:"server_ts"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
