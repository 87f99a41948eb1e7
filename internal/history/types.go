// Package history keeps a record of finished live conversations.
package history

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finalized utterance.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is everything said during one connected session.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Language  string    `json:"language,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Turns     []Turn    `json:"turns"`
}

// Store persists and lists conversations.
type Store interface {
	SaveConversation(ctx context.Context, c Conversation) error
	// RecentConversations returns the newest conversations first.
	RecentConversations(ctx context.Context, limit int) ([]Conversation, error)
	Close() error
}

const defaultRecentLimit = 20

func normalize(c Conversation, now time.Time) Conversation {
	if c.StartedAt.IsZero() {
		c.StartedAt = now
		if len(c.Turns) > 0 && !c.Turns[0].CreatedAt.IsZero() {
			c.StartedAt = c.Turns[0].CreatedAt
		}
	}
	if c.EndedAt.IsZero() {
		c.EndedAt = now
	}
	for i := range c.Turns {
		if c.Turns[i].CreatedAt.IsZero() {
			c.Turns[i].CreatedAt = c.EndedAt
		}
	}
	return c
}
