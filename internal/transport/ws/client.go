// Package ws adapts a WebSocket connection carrying JSON frames to the
// engine's transport interface.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// Frame types exchanged over the socket.
const (
	FrameRequest     = "req"
	FrameResponse    = "res"
	FramePublish     = "pub"
	FrameEvent       = "evt"
	FrameSubscribe   = "sub"
	FrameUnsubscribe = "unsub"
)

// Frame is the JSON envelope of every WebSocket message.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Options configures socket timeouts.
type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultOptions returns the default socket options.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

// Dialer opens bearer-authenticated WebSocket connections.
type Dialer struct {
	url    string
	opts   Options
	logger *logger.Logger
}

// NewDialer creates a WebSocket dialer for url.
func NewDialer(url string, opts Options, log *logger.Logger) *Dialer {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	return &Dialer{url: url, opts: opts, logger: logger.OrNop(log).Named("ws")}
}

// Dial performs the handshake. A 401 or 403 response maps to transport.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", transport.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &conn{
		ws:      ws,
		opts:    d.opts,
		logger:  d.logger,
		done:    make(chan struct{}),
		pending: make(map[string]chan Frame),
		subs:    make(map[string]*subscription),
	}

	ws.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

type subscription struct {
	c       *conn
	id      string
	pattern string
	handler transport.Handler
}

func (s *subscription) Unsubscribe() error {
	return s.c.unsubscribe(s)
}

type conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string]*subscription
	err     error

	done chan struct{}
	once sync.Once
}

func (c *conn) write(f Frame) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		c.fail(err)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	id := uuid.NewString()
	replyCh := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameRequest, ID: id, Subject: subject, Data: data}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, fmt.Errorf("request %s failed: %s", subject, reply.Error)
		}
		return reply.Data, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Publish(subject string, data []byte) error {
	return c.write(Frame{Type: FramePublish, Subject: subject, Data: data})
}

func (c *conn) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	sub := &subscription{c: c, id: uuid.NewString(), pattern: subject, handler: h}

	c.mu.Lock()
	first := !c.hasPatternLocked(subject)
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if first {
		if err := c.write(Frame{Type: FrameSubscribe, Subject: subject}); err != nil {
			c.mu.Lock()
			delete(c.subs, sub.id)
			c.mu.Unlock()
			return nil, err
		}
	}
	return sub, nil
}

func (c *conn) unsubscribe(sub *subscription) error {
	c.mu.Lock()
	if _, ok := c.subs[sub.id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, sub.id)
	last := !c.hasPatternLocked(sub.pattern)
	c.mu.Unlock()

	if last {
		err := c.write(Frame{Type: FrameUnsubscribe, Subject: sub.pattern})
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (c *conn) hasPatternLocked(pattern string) bool {
	for _, s := range c.subs {
		if s.pattern == pattern {
			return true
		}
	}
	return false
}

func (c *conn) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}

		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			c.mu.Lock()
			var handlers []transport.Handler
			for _, s := range c.subs {
				if transport.Match(s.pattern, f.Subject) {
					handlers = append(handlers, s.handler)
				}
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(f.Data)
			}
		default:
			c.logger.Debug("ignoring frame", zap.String("type", f.Type))
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = transport.ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(transport.ErrClosed)
	return nil
}
