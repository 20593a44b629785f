// Package typing debounces the local user's typing signal and aggregates the
// signals of remote users into an expiring set per conversation.
package typing

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/clock"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// Conn is the part of the connection manager the coordinator uses.
type Conn interface {
	Publish(channel string, payload any) error
	Subscribe(channel string, handler transport.Handler) func()
}

// Options configures timeouts.
type Options struct {
	// IdleTimeout ends a local burst when no input arrives for this long.
	IdleTimeout time.Duration
	// RemoteTTL is how long a remote "typing" signal stays valid without a refresh.
	RemoteTTL time.Duration
}

// DefaultOptions returns the default typing timeouts.
func DefaultOptions() Options {
	return Options{IdleTimeout: 4 * time.Second, RemoteTTL: 6 * time.Second}
}

type burst struct {
	seq   uint64
	timer clock.Timer
	// announced is when typing=true was last published for this burst.
	announced time.Time
}

type remoteEntry struct {
	state model.TypingState
	seq   uint64
	timer clock.Timer
}

// Coordinator is safe for concurrent use. Callbacks run outside its lock.
type Coordinator struct {
	conn   Conn
	self   model.Session
	opts   Options
	clock  clock.Clock
	logger *logger.Logger

	mu        sync.Mutex
	seq       uint64
	local     map[string]*burst
	remote    map[string]map[string]*remoteEntry
	listeners map[int]func(string, []model.TypingState)
	nextLst   int
}

// NewCoordinator creates a coordinator for the session's user.
func NewCoordinator(conn Conn, self model.Session, opts Options, clk clock.Clock, log *logger.Logger) *Coordinator {
	def := DefaultOptions()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = def.RemoteTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		conn:      conn,
		self:      self,
		opts:      opts,
		clock:     clk,
		logger:    logger.OrNop(log).Named("typing"),
		local:     make(map[string]*burst),
		remote:    make(map[string]map[string]*remoteEntry),
		listeners: make(map[int]func(string, []model.TypingState)),
	}
}

// InputChanged reports the current draft text. The first change of a burst
// emits typing=true, and a long burst repeats it every half RemoteTTL so
// peers keep the user listed. An empty draft ends the burst immediately.
func (c *Coordinator) InputChanged(conversationID, text string) {
	if strings.TrimSpace(text) == "" {
		c.Stop(conversationID)
		return
	}

	now := c.clock.Now()
	c.mu.Lock()
	b, active := c.local[conversationID]
	if !active {
		b = &burst{}
		c.local[conversationID] = b
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	c.seq++
	b.seq = c.seq
	seq := b.seq
	b.timer = c.clock.AfterFunc(c.opts.IdleTimeout, func() { c.idle(conversationID, seq) })
	announce := !active || now.Sub(b.announced) >= c.opts.RemoteTTL/2
	if announce {
		b.announced = now
	}
	c.mu.Unlock()

	if announce {
		c.publish(conversationID, true)
	}
}

func (c *Coordinator) idle(conversationID string, seq uint64) {
	c.mu.Lock()
	b, ok := c.local[conversationID]
	if !ok || b.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.local, conversationID)
	c.mu.Unlock()
	c.publish(conversationID, false)
}

// Stop ends the local burst, emitting typing=false if one was active.
func (c *Coordinator) Stop(conversationID string) {
	c.mu.Lock()
	b, ok := c.local[conversationID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(c.local, conversationID)
	c.mu.Unlock()
	c.publish(conversationID, false)
}

// Active reports whether a local burst is in progress.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[conversationID]
	return ok
}

func (c *Coordinator) publish(conversationID string, isTyping bool) {
	ev := model.TypingEvent{
		ConversationID: conversationID,
		UserID:         c.self.UserID,
		UserName:       c.self.UserName,
		IsTyping:       isTyping,
	}
	metrics.TypingEmissions.WithLabelValues(strconv.FormatBool(isTyping)).Inc()
	if err := c.conn.Publish(transport.TypingSubject(conversationID), ev); err != nil {
		c.logger.Debug("typing signal not sent",
			zap.String("conversation_id", conversationID),
			zap.Bool("is_typing", isTyping),
			zap.Error(err),
		)
	}
}

// Watch subscribes to remote typing signals for a conversation. The returned
// func unsubscribes and forgets the conversation's typers.
func (c *Coordinator) Watch(conversationID string) func() {
	unsubscribe := c.conn.Subscribe(transport.TypingSubject(conversationID), func(data []byte) {
		var ev model.TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping malformed typing event", zap.Error(err))
			return
		}
		c.HandleEvent(conversationID, ev)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			c.forget(conversationID)
		})
	}
}

func (c *Coordinator) forget(conversationID string) {
	c.mu.Lock()
	entries := c.remote[conversationID]
	delete(c.remote, conversationID)
	for _, e := range entries {
		e.timer.Stop()
	}
	if len(entries) == 0 {
		c.mu.Unlock()
		return
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range listeners {
		l(conversationID, nil)
	}
}

// HandleEvent applies one remote typing signal. Signals from the local user are ignored.
func (c *Coordinator) HandleEvent(conversationID string, ev model.TypingEvent) {
	if ev.UserID == "" || ev.UserID == c.self.UserID {
		return
	}

	c.mu.Lock()
	entries := c.remote[conversationID]
	existing, had := entries[ev.UserID]
	if had {
		existing.timer.Stop()
	}

	if !ev.IsTyping {
		if !had {
			c.mu.Unlock()
			return
		}
		delete(entries, ev.UserID)
		if len(entries) == 0 {
			delete(c.remote, conversationID)
		}
	} else {
		if entries == nil {
			entries = make(map[string]*remoteEntry)
			c.remote[conversationID] = entries
		}
		c.seq++
		seq := c.seq
		userID := ev.UserID
		entries[userID] = &remoteEntry{
			state: model.TypingState{
				ConversationID: conversationID,
				UserID:         userID,
				UserName:       ev.UserName,
				ExpiresAt:      c.clock.Now().Add(c.opts.RemoteTTL),
			},
			seq:   seq,
			timer: c.clock.AfterFunc(c.opts.RemoteTTL, func() { c.expire(conversationID, userID, seq) }),
		}
	}
	c.notifyLocked(conversationID)
}

func (c *Coordinator) expire(conversationID, userID string, seq uint64) {
	c.mu.Lock()
	entries := c.remote[conversationID]
	e, ok := entries[userID]
	if !ok || e.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(c.remote, conversationID)
	}
	c.notifyLocked(conversationID)
}

// notifyLocked releases the lock and calls listeners with the current typers.
func (c *Coordinator) notifyLocked(conversationID string) {
	typers := c.typersLocked(conversationID)
	listeners := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range listeners {
		l(conversationID, typers)
	}
}

func (c *Coordinator) listenersLocked() []func(string, []model.TypingState) {
	out := make([]func(string, []model.TypingState), 0, len(c.listeners))
	for id := 1; id <= c.nextLst; id++ {
		if l, ok := c.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Coordinator) typersLocked(conversationID string) []model.TypingState {
	now := c.clock.Now()
	var out []model.TypingState
	for _, e := range c.remote[conversationID] {
		if e.state.ExpiresAt.After(now) {
			out = append(out, e.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Typers returns the remote users currently typing in a conversation.
func (c *Coordinator) Typers(conversationID string) []model.TypingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typersLocked(conversationID)
}

// IsTyping reports whether userID is typing in a conversation.
func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	for _, s := range c.Typers(conversationID) {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// OnChange registers cb for changes to any conversation's typers. The
// returned func removes it.
func (c *Coordinator) OnChange(cb func(conversationID string, typers []model.TypingState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextLst++
	id := c.nextLst
	c.listeners[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Close stops every timer. Active local bursts are ended without a signal.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.local {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(c.local, id)
	}
	for id, entries := range c.remote {
		for _, e := range entries {
			e.timer.Stop()
		}
		delete(c.remote, id)
	}
}
