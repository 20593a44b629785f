// Package transporttest provides an in-memory transport for tests. A Network
// plays the server: it accepts or rejects tokens, answers requests through
// registered responders, and pushes events to subscribed connections.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
)

// ErrUnreachable is the dial error while the network is marked unreachable.
var ErrUnreachable = errors.New("transporttest: server unreachable")

// Responder answers one request.
type Responder func(ctx context.Context, data []byte) ([]byte, error)

// Published is a fire-and-forget message seen by the network.
type Published struct {
	Subject string
	Data    []byte
}

// Network is a fake server shared by every connection dialed from it.
type Network struct {
	mu          sync.Mutex
	responders  map[string]Responder
	rejected    map[string]bool
	unreachable bool
	conns       []*Conn
	published   []Published
	tokens      []string
}

// NewNetwork creates an empty fake network that accepts every token.
func NewNetwork() *Network {
	return &Network{
		responders: make(map[string]Responder),
		rejected:   make(map[string]bool),
	}
}

// Dial implements transport.Dialer.
func (n *Network) Dial(ctx context.Context, token string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = append(n.tokens, token)
	if n.unreachable {
		return nil, ErrUnreachable
	}
	if n.rejected[token] {
		return nil, fmt.Errorf("%w: token %q", transport.ErrUnauthorized, token)
	}
	c := &Conn{net: n, done: make(chan struct{}), subs: make(map[int]*sub)}
	n.conns = append(n.conns, c)
	return c, nil
}

// Handle registers the responder for subject.
func (n *Network) Handle(subject string, r Responder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responders[subject] = r
}

// HandleJSON registers a responder that decodes requests into a raw message
// and wraps the result in a model.Reply envelope. Returning a *model.RemoteError
// produces an error reply; any other error fails the request at transport level.
func (n *Network) HandleJSON(subject string, fn func(req json.RawMessage) (any, error)) {
	n.Handle(subject, func(_ context.Context, data []byte) ([]byte, error) {
		v, err := fn(json.RawMessage(data))
		var remote *model.RemoteError
		if errors.As(err, &remote) {
			return json.Marshal(model.Reply{Error: &model.ReplyError{Code: remote.Code, Message: remote.Message}})
		}
		if err != nil {
			return nil, err
		}
		return OK(v), nil
	})
}

// OK encodes v as a successful reply envelope.
func OK(v any) []byte {
	data, _ := json.Marshal(v)
	out, _ := json.Marshal(model.Reply{OK: true, Data: data})
	return out
}

// RejectToken makes future dials with token fail as unauthorized.
func (n *Network) RejectToken(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected[token] = true
}

// SetUnreachable toggles dial failures that look like network errors.
func (n *Network) SetUnreachable(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = v
}

// Drop severs every live connection with err.
func (n *Network) Drop(err error) {
	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		c.fail(err)
	}
}

// Push delivers data to every live subscription matching subject.
func (n *Network) Push(subject string, data []byte) {
	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		c.deliver(subject, data)
	}
}

// PushJSON encodes v and pushes it.
func (n *Network) PushJSON(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	n.Push(subject, data)
}

// Published returns the payloads published to subject, oldest first.
func (n *Network) Published(subject string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out [][]byte
	for _, p := range n.published {
		if p.Subject == subject {
			out = append(out, p.Data)
		}
	}
	return out
}

// Tokens returns every token dialed with, in order.
func (n *Network) Tokens() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.tokens...)
}

// Subscribed reports whether a live connection subscribes to subject.
func (n *Network) Subscribed(subject string) bool {
	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		if c.hasSubscription(subject) {
			return true
		}
	}
	return false
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.conns {
		if existing == c {
			n.conns = append(n.conns[:i], n.conns[i+1:]...)
			return
		}
	}
}

type sub struct {
	conn    *Conn
	id      int
	subject string
	handler transport.Handler
}

func (s *sub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.id)
	return nil
}

// Conn is a fake live connection.
type Conn struct {
	net *Network

	mu     sync.Mutex
	subs   map[int]*sub
	nextID int
	err    error

	done chan struct{}
	once sync.Once
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Request implements transport.Conn.
func (c *Conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.closed() {
		return nil, transport.ErrClosed
	}
	c.net.mu.Lock()
	r, ok := c.net.responders[subject]
	c.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transporttest: no responder for %s", subject)
	}

	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)
	go func() {
		d, err := r(ctx, data)
		out <- result{d, err}
	}()

	select {
	case res := <-out:
		return res.data, res.err
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish implements transport.Conn.
func (c *Conn) Publish(subject string, data []byte) error {
	if c.closed() {
		return transport.ErrClosed
	}
	c.net.mu.Lock()
	c.net.published = append(c.net.published, Published{Subject: subject, Data: append([]byte(nil), data...)})
	c.net.mu.Unlock()
	return nil
}

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	if c.closed() {
		return nil, transport.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := &sub{conn: c, id: c.nextID, subject: subject, handler: h}
	c.subs[s.id] = s
	return s, nil
}

func (c *Conn) hasSubscription(subject string) bool {
	if c.closed() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.subject == subject {
			return true
		}
	}
	return false
}

func (c *Conn) deliver(subject string, data []byte) {
	if c.closed() {
		return
	}
	c.mu.Lock()
	var handlers []transport.Handler
	for id := 1; id <= c.nextID; id++ {
		if s, ok := c.subs[id]; ok && transport.Match(s.subject, subject) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.net.remove(c)
	})
}

// Done implements transport.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements transport.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.fail(transport.ErrClosed)
	return nil
}
