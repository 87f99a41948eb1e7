package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	items []Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveConversation(_ context.Context, c Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c = normalize(c, time.Now().UTC())
	c.Turns = append([]Turn(nil), c.Turns...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, c)
	return nil
}

func (s *InMemoryStore) RecentConversations(_ context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.RLock()
	out := append([]Conversation(nil), s.items...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
