package model

import (
	"encoding/json"
	"time"
)

// EventType is the discriminator of a pushed transport event.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventUserTyping          EventType = "user_typing"
	EventConversationUpdated EventType = "conversation_updated"
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
)

// NewMessageEvent is pushed on a conversation's message channel.
type NewMessageEvent struct {
	Message Message `json:"message"`
}

// TypingEvent is published while a user composes a message.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationUpdatedEvent carries a new conversation summary.
type ConversationUpdatedEvent struct {
	Conversation Conversation `json:"conversation"`
}

// PresenceEvent is a single roster delta.
type PresenceEvent struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
	Role   Role      `json:"role"`
	At     time.Time `json:"at"`
}

// PresenceSnapshot is the full roster at a point in time.
type PresenceSnapshot struct {
	Users []PresenceEntry `json:"users"`
	Taken time.Time       `json:"taken"`
}

// ReplyError is the error body of a failed request.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the envelope of every request/response exchange.
type Reply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}
