package invite

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Share is one invite the user sent out.
type Share struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Count     int64     `json:"invitesSent"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence boundary for the share log.
type Store interface {
	Append(ctx context.Context, s Share) error
	ListByCode(ctx context.Context, code string, limit int) ([]Share, error)
}

// MemoryStore keeps the share log in process.
type MemoryStore struct {
	mu     sync.RWMutex
	shares []Share
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Append(ctx context.Context, s Share) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Code) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	m.shares = append(m.shares, s)
	m.mu.Unlock()
	return nil
}

// ListByCode returns the newest shares for code first.
func (m *MemoryStore) ListByCode(ctx context.Context, code string, limit int) ([]Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	m.mu.RLock()
	out := make([]Share, 0, len(m.shares))
	for _, s := range m.shares {
		if s.Code == code {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
