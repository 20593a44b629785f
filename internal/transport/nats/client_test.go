package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/internal/transport"
)

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(nats.ErrAuthorization))
	assert.True(t, isAuthError(fmt.Errorf("wrapped: %w", nats.ErrAuthExpired)))
	assert.True(t, isAuthError(errors.New("nats: Authorization Violation")))
	assert.False(t, isAuthError(nats.ErrNoServers))
}

func TestDialUnreachableIsNotAuth(t *testing.T) {
	d := NewDialer(Config{URL: "nats://127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	_, err := d.Dial(context.Background(), "token")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrUnauthorized)
}
