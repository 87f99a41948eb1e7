package session

import "time"

// CreateRequest selects the provider for a new live session. Empty fields
// take the configured defaults.
type CreateRequest struct {
	Provider string `json:"provider,omitempty"`
	Region   string `json:"region,omitempty"`
	Language string `json:"language,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// Info is the externally visible state of a live session.
type Info struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	Provider        string    `json:"provider"`
	Protocol        string    `json:"protocol"`
	Language        string    `json:"language"`
	State           string    `json:"state"`
	Recording       bool      `json:"recording"`
	Speaking        bool      `json:"speaking"`
	QueuedChunks    int       `json:"queued_chunks"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
