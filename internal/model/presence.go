package model

import "time"

// PresenceEntry records that a user is connected.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	LastSeen time.Time `json:"last_seen"`
}

// TypingState is a remote user's in-progress typing indicator.
type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExcludedTerm is an administrator-configured disallowed substring.
type ExcludedTerm struct {
	ID       string `json:"id"`
	Term     string `json:"term"`
	Reason   string `json:"reason"`
	IsActive bool   `json:"is_active"`
}
