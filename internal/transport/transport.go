// Package transport defines the push transport the engine multiplexes over.
// Concrete adapters live in the nats and ws subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by Dial when the handshake rejects the token.
// Adapters must return it (wrapped or bare) only for credential rejection so
// callers can tell it apart from an unreachable server.
var ErrUnauthorized = errors.New("transport: credential rejected")

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Handler receives a pushed payload for a subscribed subject.
type Handler func(data []byte)

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live authenticated connection.
type Conn interface {
	// Request sends data to subject and waits for the single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Publish sends data to subject without waiting for a reply.
	Publish(subject string, data []byte) error

	// Subscribe delivers pushes on subject to h until the subscription ends.
	Subscribe(subject string, h Handler) (Subscription, error)

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Err returns the reason the connection ended, or nil.
	Err() error

	Close() error
}

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}
