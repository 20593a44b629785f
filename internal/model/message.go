package model

import (
	"time"
)

// Role represents the role of a message sender or session.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)

// DeliveryState tracks where a message is in the optimistic delivery lifecycle.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message represents a conversation message.
type Message struct {
	// Identity. ID is server-assigned; TempID is the client correlation id.
	ID             string `json:"id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	ConversationID string `json:"conversation_id"`

	// Sender
	SenderID   string `json:"sender_id"`
	SenderRole Role   `json:"sender_role"`

	// Content
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`

	// Ordering. Sequence is assigned by the server and is zero for placeholders.
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence,omitempty"`

	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
	ReadAt        *time.Time    `json:"read_at,omitempty"`
}

// Key returns the identity used by presentation layers to key a row.
// Confirmed messages that started as placeholders keep their TempID as key.
func (m *Message) Key() string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// IsPending reports whether the message awaits server confirmation.
func (m *Message) IsPending() bool {
	return m.DeliveryState == DeliveryPending
}

// Before reports whether m sorts before o in server order. Sequence wins when
// both messages carry one; creation time and id break ties.
func (m *Message) Before(o *Message) bool {
	if m.Sequence != 0 && o.Sequence != 0 && m.Sequence != o.Sequence {
		return m.Sequence < o.Sequence
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// SendMessageRequest is the submission payload for a new message.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ReplyTo        string `json:"reply_to,omitempty"`
	TempID         string `json:"temp_id"`
}

// ListMessagesRequest fetches a page of history. Offset counts back from the newest message.
type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

// ListMessagesResponse is the reply to a history page request.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
