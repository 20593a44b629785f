package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection", err: &ConnectionError{Op: "connect", Err: errors.New("refused")}, want: true},
		{name: "pagination", err: &PaginationError{ConversationID: "c1", Err: errors.New("timeout")}, want: true},
		{name: "submission timeout", err: &SubmissionError{ConversationID: "c1", Draft: "hola", Err: errors.New("timeout")}, want: true},
		{name: "submission remote", err: &SubmissionError{ConversationID: "c1", Err: &RemoteError{Code: "rejected", Message: "no"}}, want: false},
		{name: "submission closed", err: &SubmissionError{ConversationID: "c1", Draft: "hola", Err: ErrConversationClosed}, want: false},
		{name: "wrapped closed", err: fmt.Errorf("send: %w", &SubmissionError{Err: ErrConversationClosed}), want: false},
		{name: "validation", err: &ValidationError{Reason: "blocked"}, want: false},
		{name: "auth", err: &AuthError{Err: errors.New("expired")}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
