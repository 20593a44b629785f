package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConversationClosed is returned when sending into a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrTermsUnavailable is returned when the moderation term list was never loaded.
	ErrTermsUnavailable = errors.New("moderation term list unavailable")
)

// ConnectionError is a transient transport failure. It is retried automatically.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the handshake rejected the credential. It is never retried
// with the same token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError is a local moderation block. No network call was made.
type ValidationError struct {
	Term   string
	Reason string
	// Reveal controls whether Error names the matched term.
	Reveal bool
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message blocked: %v", e.Err)
	}
	if e.Reveal && e.Term != "" {
		return fmt.Sprintf("message blocked: contains %q (%s)", e.Term, e.Reason)
	}
	return fmt.Sprintf("message blocked: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SubmissionError is a failed send after the message left the client. Draft
// holds the original content so the caller can retry.
type SubmissionError struct {
	ConversationID string
	TempID         string
	Draft          string
	Err            error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to send message to conversation %s: %v", e.ConversationID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PaginationError is a failed history fetch. Loaded history is untouched.
type PaginationError struct {
	ConversationID string
	Offset         int
	Err            error
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("failed to load messages for conversation %s at offset %d: %v", e.ConversationID, e.Offset, e.Err)
}

func (e *PaginationError) Unwrap() error { return e.Err }

// RemoteError is an error reply from the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	var pageErr *PaginationError
	var subErr *SubmissionError
	if errors.Is(err, ErrConversationClosed) {
		return false
	}
	switch {
	case errors.As(err, &connErr), errors.As(err, &pageErr):
		return true
	case errors.As(err, &subErr):
		var remote *RemoteError
		return !errors.As(err, &remote)
	}
	return false
}
