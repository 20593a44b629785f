package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds message content in bytes.
const MaxMessageLength = 10000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID. IDs become subject
// tokens, so separators and wildcards are rejected.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("conversation ID exceeds maximum length")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateDraft validates draft text, which may be empty.
func ValidateDraft(text string) error {
	if len(text) > MaxMessageLength {
		return errors.New("draft exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("draft must be valid UTF-8")
	}
	return nil
}
