package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "sbstate/shared/contracts/sync/v1"
)

// Room is the set of sessions subscribed to one storage key.
//
// Subscribe/Unsubscribe are safe under concurrent Publish, and Publish
// never blocks: a member whose queue is full misses the change and picks
// up a later one.
type Room struct {
	log *slog.Logger
	Key string

	mu      sync.RWMutex
	members map[string]*Client
	seq     int64
	last    *v1.ChangePayload
}

// NewRoom constructs an empty room for key.
func NewRoom(log *slog.Logger, key string) *Room {
	return &Room{
		log:     log,
		Key:     key,
		members: make(map[string]*Client),
	}
}

// Subscribe adds a client to the room.
func (r *Room) Subscribe(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("relay.room.subscribe", "key", r.Key, "session_id", client.SessionID)
}

// Unsubscribe removes a session from the room. The client itself stays
// open, it may be subscribed elsewhere.
func (r *Room) Unsubscribe(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()

	r.log.Debug("relay.room.unsubscribe", "key", r.Key, "session_id", sessionID)
}

// Size returns the current member count.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Last returns the most recent change seen for the key.
func (r *Room) Last() (v1.ChangePayload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return v1.ChangePayload{}, false
	}
	return *r.last, true
}

// Publish records a new value and fans it out to every member except the
// sender. It returns the assigned change and the number of deliveries.
func (r *Room) Publish(senderSession, origin, value string, now time.Time) (v1.ChangePayload, int) {
	r.mu.Lock()
	r.seq++
	ch := v1.ChangePayload{
		Key:      r.Key,
		Value:    value,
		Origin:   origin,
		Seq:      r.seq,
		ServerTS: now,
	}
	last := ch
	r.last = &last

	targets := make([]*Client, 0, len(r.members))
	for sid, m := range r.members {
		if sid == senderSession || m == nil {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.Unlock()

	payload, _ := json.Marshal(ch)
	env := newEnvelope(v1.TypeChange, payload, now)

	delivered := 0
	for _, m := range targets {
		if m.offer(env) {
			delivered++
			continue
		}
		r.log.Info("relay.change.drop", "key", r.Key, "session_id", m.SessionID, "seq", ch.Seq)
	}
	return ch, delivered
}
