package relay

import (
	"log/slog"
	"sync"
)

// Hub owns the rooms, one per storage key. Rooms are never evicted: a
// relay serves one user's handful of keys.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Room returns the stable room handle for key, creating it on first use.
func (h *Hub) Room(key string) *Room {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[key]; ok {
		return r
	}
	r = NewRoom(h.log, key)
	h.rooms[key] = r
	return r
}

// Lookup returns the room for key without creating it.
func (h *Hub) Lookup(key string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[key]
	return r, ok
}
