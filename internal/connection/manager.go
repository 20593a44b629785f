// Package connection owns the session's single authenticated transport
// connection: connect, bounded-backoff reconnect, token refresh, and the
// logical multiplexing of subscriptions and requests over it.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/auth"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// ErrTokenExpired is reported when the only available token has expired.
var ErrTokenExpired = errors.New("session token expired")

// Options configures reconnection and request behavior.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds a whole reconnect episode. When it runs out the
	// manager gives up and reports Disconnected.
	MaxElapsed     time.Duration
	RequestTimeout time.Duration

	// Tokens, when set, is asked for a credential before every reconnect
	// attempt. A token installed with RefreshToken wins over a source that
	// still returns the credential it replaced.
	Tokens auth.TokenSource
}

// DefaultOptions returns the default connection options.
func DefaultOptions() Options {
	return Options{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxElapsed:     5 * time.Minute,
		RequestTimeout: 15 * time.Second,
	}
}

// StateChange describes one transition of the connection state machine.
type StateChange struct {
	From model.ConnectionState
	To   model.ConnectionState
	Err  error
	// Reconnect is true when To is Connected and an earlier connection existed.
	Reconnect bool
}

type subscription struct {
	channel string
	handler transport.Handler
	live    transport.Subscription
}

// Manager is the only component that talks to the transport directly.
type Manager struct {
	dialer transport.Dialer
	opts   Options
	logger *logger.Logger

	// emitMu serializes state transitions so observers see them in order.
	// Listeners run while it is held and must not call Connect, Disconnect
	// or RefreshToken synchronously.
	emitMu sync.Mutex

	mu            sync.Mutex
	state         model.ConnectionState
	conn          transport.Conn
	connGen       uint64
	attempt       uint64
	token         string
	rejected      string
	everConnected bool
	loopCancel    context.CancelFunc

	// refreshed is the last credential installed by RefreshToken. It takes
	// precedence over the token source until the source yields something
	// other than the token it replaced.
	refreshed  string
	superseded string

	subs      map[int]*subscription
	nextSub   int
	listeners map[int]func(StateChange)
	nextLst   int
}

// NewManager creates a disconnected manager.
func NewManager(dialer transport.Dialer, opts Options, log *logger.Logger) *Manager {
	def := DefaultOptions()
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = def.MaxElapsed
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	m := &Manager{
		dialer:    dialer,
		opts:      opts,
		logger:    logger.OrNop(log).Named("connection"),
		state:     model.StateDisconnected,
		subs:      make(map[int]*subscription),
		listeners: make(map[int]func(StateChange)),
	}
	metrics.RecordConnectionState(string(m.state))
	return m
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers cb for every transition. The returned func removes it.
func (m *Manager) OnStateChange(cb func(StateChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLst++
	id := m.nextLst
	m.listeners[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// WaitForState blocks until the manager is in want or ctx ends.
func (m *Manager) WaitForState(ctx context.Context, want model.ConnectionState) error {
	reached := make(chan struct{}, 1)
	cancel := m.OnStateChange(func(c StateChange) {
		if c.To == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if m.State() == want {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens the connection with token. A rejected token moves the manager
// to Unauthenticated and returns *model.AuthError. A transient failure returns
// *model.ConnectionError and starts the reconnect loop in the background.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.emitMu.Lock()
	m.mu.Lock()
	switch m.state {
	case model.StateConnected, model.StateConnecting:
		m.mu.Unlock()
		m.emitMu.Unlock()
		return nil
	}
	if token != "" && token == m.rejected {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return &model.AuthError{Err: errors.New("token was already rejected")}
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.token = token
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()
	m.setState(model.StateConnecting, nil)
	m.emitMu.Unlock()

	if auth.Expired(token, time.Now()) {
		return m.rejectToken(attempt, token, ErrTokenExpired)
	}

	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return m.rejectToken(attempt, token, err)
		}
		connErr := &model.ConnectionError{Op: "connect", Err: err}
		m.emitMu.Lock()
		defer m.emitMu.Unlock()
		if !m.currentAttempt(attempt) {
			return connErr
		}
		m.logger.Warn("connect failed, will retry", zap.Error(err))
		m.setState(model.StateDisconnected, connErr)
		m.startReconnectLocked()
		return connErr
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if !m.currentAttempt(attempt) {
		conn.Close()
		return &model.ConnectionError{Op: "connect", Err: context.Canceled}
	}
	m.attachLocked(conn)
	return nil
}

func (m *Manager) currentAttempt(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == attempt
}

func (m *Manager) rejectToken(attempt uint64, token string, cause error) error {
	authErr := &model.AuthError{Err: cause}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return authErr
	}
	m.rejected = token
	m.mu.Unlock()
	m.logger.Warn("credential rejected", zap.Error(cause))
	m.setState(model.StateUnauthenticated, authErr)
	return authErr
}

// attachLocked installs conn as the live connection. emitMu must be held.
func (m *Manager) attachLocked(conn transport.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.connGen++
	gen := m.connGen
	for _, s := range m.subs {
		live, err := conn.Subscribe(s.channel, s.handler)
		if err != nil {
			m.logger.Error("failed to resubscribe", zap.String("channel", s.channel), zap.Error(err))
			continue
		}
		s.live = live
	}
	m.mu.Unlock()

	m.setState(model.StateConnected, nil)
	go m.watch(conn, gen)
}

func (m *Manager) watch(conn transport.Conn, gen uint64) {
	<-conn.Done()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	if m.connGen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	for _, s := range m.subs {
		s.live = nil
	}
	m.mu.Unlock()

	err := conn.Err()
	m.logger.Warn("connection lost", zap.Error(err))
	m.setState(model.StateDisconnected, &model.ConnectionError{Op: "receive", Err: err})
	m.startReconnectLocked()
}

// startReconnectLocked launches the backoff loop. emitMu must be held.
func (m *Manager) startReconnectLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.loopCancel = cancel
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.setState(model.StateReconnecting, nil)
	go m.reconnectLoop(ctx, attempt)
}

func (m *Manager) reconnectLoop(ctx context.Context, attempt uint64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = m.opts.MaxElapsed
	b.Reset()

	var lastToken string
	op := func() error {
		token, err := m.nextToken(ctx)
		if err != nil {
			return err
		}
		lastToken = token

		m.mu.Lock()
		rejected := m.rejected
		m.mu.Unlock()
		if token == rejected {
			return backoff.Permanent(&model.AuthError{Err: errors.New("token was already rejected")})
		}
		if auth.Expired(token, time.Now()) {
			return backoff.Permanent(&model.AuthError{Err: ErrTokenExpired})
		}

		conn, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if errors.Is(err, transport.ErrUnauthorized) {
				return backoff.Permanent(&model.AuthError{Err: err})
			}
			metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			return &model.ConnectionError{Op: "reconnect", Err: err}
		}

		m.emitMu.Lock()
		defer m.emitMu.Unlock()
		if ctx.Err() != nil || !m.currentAttempt(attempt) {
			conn.Close()
			return backoff.Permanent(context.Canceled)
		}
		m.mu.Lock()
		m.token = token
		m.loopCancel = nil
		m.mu.Unlock()
		metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		m.attachLocked(conn)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if !m.currentAttempt(attempt) {
		return
	}
	m.mu.Lock()
	m.loopCancel = nil
	m.mu.Unlock()

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		m.mu.Lock()
		m.rejected = lastToken
		m.mu.Unlock()
		metrics.ReconnectAttempts.WithLabelValues("unauthenticated").Inc()
		m.logger.Warn("reconnect rejected, waiting for a new token", zap.Error(err))
		m.setState(model.StateUnauthenticated, authErr)
		return
	}
	m.logger.Error("giving up reconnecting", zap.Error(err))
	m.setState(model.StateDisconnected, &model.ConnectionError{Op: "reconnect", Err: err})
}

func (m *Manager) nextToken(ctx context.Context) (string, error) {
	if m.opts.Tokens == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.token, nil
	}
	token, err := m.opts.Tokens.Token(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := err == nil && token != "" && token != m.rejected
	if fresh && (m.refreshed == "" || token != m.superseded) {
		m.refreshed = ""
		return token, nil
	}
	if m.refreshed != "" && m.refreshed != m.rejected {
		return m.refreshed, nil
	}
	if err != nil {
		return "", &model.ConnectionError{Op: "token", Err: err}
	}
	return token, nil
}

// RefreshToken installs a new credential. From Unauthenticated or Disconnected
// it reconnects immediately; otherwise the token is used on the next attempt.
func (m *Manager) RefreshToken(ctx context.Context, token string) error {
	m.mu.Lock()
	if token == "" || token == m.rejected {
		m.mu.Unlock()
		return &model.AuthError{Err: errors.New("refusing to retry with a rejected token")}
	}
	if token != m.token {
		m.superseded = m.token
	}
	m.token = token
	m.refreshed = token
	state := m.state
	m.mu.Unlock()

	switch state {
	case model.StateUnauthenticated, model.StateDisconnected:
		return m.Connect(ctx, token)
	}
	return nil
}

// Disconnect closes the connection and stops any reconnect loop. Registered
// subscriptions are kept and re-attached on the next Connect.
func (m *Manager) Disconnect() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.attempt++
	conn := m.conn
	m.conn = nil
	m.connGen++
	for _, s := range m.subs {
		s.live = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(model.StateDisconnected, nil)
}

// setState records and broadcasts a transition. emitMu must be held.
func (m *Manager) setState(to model.ConnectionState, err error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	change := StateChange{From: from, To: to, Err: err}
	if to == model.StateConnected {
		change.Reconnect = m.everConnected
		m.everConnected = true
	}
	listeners := make([]func(StateChange), 0, len(m.listeners))
	for id := 1; id <= m.nextLst; id++ {
		if l, ok := m.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	metrics.RecordConnectionState(string(to))
	m.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Bool("reconnect", change.Reconnect),
	)

	for _, l := range listeners {
		l(change)
	}
}

// Subscribe registers handler for pushes on channel for the lifetime of the
// manager, across reconnects. The returned func ends the subscription.
func (m *Manager) Subscribe(channel string, handler transport.Handler) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	s := &subscription{channel: channel, handler: handler}
	m.subs[id] = s
	if m.conn != nil {
		live, err := m.conn.Subscribe(channel, handler)
		if err != nil {
			m.logger.Error("failed to subscribe", zap.String("channel", channel), zap.Error(err))
		}
		s.live = live
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			live := s.live
			s.live = nil
			m.mu.Unlock()
			if live != nil {
				live.Unsubscribe()
			}
		})
	}
}

func (m *Manager) liveConn() (transport.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.state != model.StateConnected {
		return nil, model.ErrNotConnected
	}
	return m.conn, nil
}

// Send performs a request on channel and decodes the reply's data into out
// (which may be nil). Transport failures return *model.ConnectionError and
// server-side rejections return *model.RemoteError.
func (m *Manager) Send(ctx context.Context, channel string, payload, out any) error {
	conn, err := m.liveConn()
	if err != nil {
		return &model.ConnectionError{Op: "send", Err: err}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
	}

	raw, err := conn.Request(ctx, channel, data)
	if err != nil {
		return &model.ConnectionError{Op: "send", Err: err}
	}

	var reply model.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("failed to decode reply from %s: %w", channel, err)
	}
	if !reply.OK {
		if reply.Error == nil {
			return &model.RemoteError{Code: "unknown", Message: "request failed"}
		}
		return &model.RemoteError{Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("failed to decode reply data from %s: %w", channel, err)
		}
	}
	return nil
}

// Publish sends payload on channel without waiting for a reply.
func (m *Manager) Publish(channel string, payload any) error {
	conn, err := m.liveConn()
	if err != nil {
		return &model.ConnectionError{Op: "publish", Err: err}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := conn.Publish(channel, data); err != nil {
		return &model.ConnectionError{Op: "publish", Err: err}
	}
	return nil
}
