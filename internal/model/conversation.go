// Package model defines data structures shared by the conversation engine.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation represents a conversation thread between two parties.
type Conversation struct {
	ID             string             `json:"id"`
	ParticipantIDs []string           `json:"participant_ids"`
	Status         ConversationStatus `json:"status"`
	LastMessageAt  time.Time          `json:"last_message_at,omitempty"`
	Unread         map[Role]int       `json:"unread,omitempty"`
}

// IsClosed reports whether the conversation no longer accepts messages.
func (c *Conversation) IsClosed() bool {
	return c.Status == ConversationClosed
}

// UnreadFor returns the unread count for a role.
func (c *Conversation) UnreadFor(role Role) int {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[role]
}

// Clone returns a deep copy safe to hand to callers.
func (c Conversation) Clone() Conversation {
	out := c
	if c.ParticipantIDs != nil {
		out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	}
	if c.Unread != nil {
		out.Unread = make(map[Role]int, len(c.Unread))
		for role, n := range c.Unread {
			out.Unread[role] = n
		}
	}
	return out
}

// ListConversationsResponse is the reply to a conversation list request.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// JoinConversationRequest asks the server to (re)subscribe the session to a conversation.
type JoinConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}
