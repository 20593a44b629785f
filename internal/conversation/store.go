// Package conversation is the authoritative local cache of conversations and
// their messages. It merges history pages, live pushes and optimistic
// placeholders into one ordered view per conversation.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/clock"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// Conn is the part of the connection manager the store uses.
type Conn interface {
	Send(ctx context.Context, channel string, payload, out any) error
	Subscribe(channel string, handler transport.Handler) func()
	OnStateChange(cb func(connection.StateChange)) func()
}

// Options configures the store.
type Options struct {
	PageSize int
	// MatchWindow bounds how old a placeholder may be and still be matched
	// by sender and content when the server does not echo its correlation id.
	MatchWindow time.Duration
	// SyncTimeout bounds each rejoin and resync request after a reconnect.
	SyncTimeout time.Duration
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		PageSize:    50,
		MatchWindow: 30 * time.Second,
		SyncTimeout: 15 * time.Second,
	}
}

// Outcome describes what ApplyIncoming did with a message.
type Outcome string

const (
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeCorrelated Outcome = "correlation_id"
	OutcomeHeuristic  Outcome = "heuristic"
	OutcomeInserted   Outcome = "inserted"
)

// Reconciled reports whether a placeholder was upgraded.
func (o Outcome) Reconciled() bool {
	return o == OutcomeCorrelated || o == OutcomeHeuristic
}

// ChangeKind tells listeners what part of the store changed.
type ChangeKind string

const (
	ChangeMessages     ChangeKind = "messages"
	ChangeConversation ChangeKind = "conversation"
	ChangeCleared      ChangeKind = "cleared"
)

// Change is delivered to OnChange listeners.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

type thread struct {
	confirmed []*model.Message
	pending   []*model.Message
	ids       map[string]struct{}

	// cursor is the offset, counted back from the newest server message,
	// of the next older page.
	cursor       int
	hasMore      bool
	loaded       bool
	loadingOlder bool
	// gen changes whenever held history is replaced, so a page fetched
	// against older history is discarded.
	gen uint64

	open        bool
	unsubscribe func()
}

func newThread() *thread {
	return &thread{ids: make(map[string]struct{})}
}

// Store is safe for concurrent use. Listeners run outside its lock.
type Store struct {
	conn   Conn
	self   model.Session
	opts   Options
	clock  clock.Clock
	logger *logger.Logger

	mu        sync.Mutex
	threads   map[string]*thread
	convs     map[string]model.Conversation
	listeners map[int]func(Change)
	nextLst   int

	ctx     context.Context
	cancel  context.CancelFunc
	cancels []func()
}

// NewStore creates a store for the session's user and starts listening for
// conversation updates and connection changes.
func NewStore(conn Conn, self model.Session, opts Options, clk clock.Clock, log *logger.Logger) *Store {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = def.MatchWindow
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = def.SyncTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:      conn,
		self:      self,
		opts:      opts,
		clock:     clk,
		logger:    logger.OrNop(log).Named("conversation"),
		threads:   make(map[string]*thread),
		convs:     make(map[string]model.Conversation),
		listeners: make(map[int]func(Change)),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.cancels = append(s.cancels,
		conn.Subscribe(transport.ConversationFilter(), s.handleUpdated),
		conn.OnStateChange(s.onState),
	)
	return s
}

// Close stops background work and every subscription.
func (s *Store) Close() {
	s.cancel()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Lock()
	var unsubs []func()
	for _, t := range s.threads {
		if t.unsubscribe != nil {
			unsubs = append(unsubs, t.unsubscribe)
			t.unsubscribe = nil
		}
	}
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// OnChange registers cb for every change. The returned func removes it.
func (s *Store) OnChange(cb func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLst++
	id := s.nextLst
	s.listeners[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// emitLocked releases the lock and delivers change.
func (s *Store) emitLocked(change Change) {
	listeners := make([]func(Change), 0, len(s.listeners))
	for id := 1; id <= s.nextLst; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(change)
	}
}

func (s *Store) threadLocked(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread()
		s.threads[conversationID] = t
	}
	return t
}

// insertLocked places m in server order. It reports false for a message
// whose server id is already held.
func (t *thread) insertLocked(m *model.Message) bool {
	if _, dup := t.ids[m.ID]; dup {
		return false
	}
	t.ids[m.ID] = struct{}{}
	i := sort.Search(len(t.confirmed), func(i int) bool { return m.Before(t.confirmed[i]) })
	t.confirmed = append(t.confirmed, nil)
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = m
	return true
}

// adoptLocked handles a correlated confirmation for a message already held
// under its server id: the leftover placeholder is dropped and the held
// message takes over its key.
func (t *thread) adoptLocked(msg *model.Message) bool {
	if msg.TempID == "" {
		return false
	}
	for i, p := range t.pending {
		if p.TempID != msg.TempID {
			continue
		}
		t.takePending(i)
		for _, m := range t.confirmed {
			if m.ID == msg.ID && m.TempID == "" {
				m.TempID = msg.TempID
			}
		}
		return true
	}
	return false
}

// releaseKeyLocked takes tempID away from a confirmed message other than id.
// That message was matched by content to the wrong placeholder; it falls back
// to its server id and a later correlated reply can adopt its real one.
func (t *thread) releaseKeyLocked(tempID, id string) {
	for _, m := range t.confirmed {
		if m.TempID == tempID && m.ID != id {
			m.TempID = ""
		}
	}
}

func (t *thread) takePending(i int) *model.Message {
	p := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	return p
}

// matchPendingLocked finds the placeholder msg confirms. The correlation id
// is authoritative; sender and content within the window is the fallback
// when the server does not echo one, and picks the oldest candidate.
func (s *Store) matchPendingLocked(t *thread, msg *model.Message) (int, Outcome) {
	if msg.TempID != "" {
		for i, p := range t.pending {
			if p.TempID == msg.TempID {
				return i, OutcomeCorrelated
			}
		}
		return -1, OutcomeInserted
	}
	now := s.clock.Now()
	for i, p := range t.pending {
		if p.SenderID != msg.SenderID || p.Content != msg.Content {
			continue
		}
		if now.Sub(p.CreatedAt) <= s.opts.MatchWindow {
			return i, OutcomeHeuristic
		}
	}
	return -1, OutcomeInserted
}

// ApplyIncoming merges a server-confirmed message. A message already held is
// a no-op; a message confirming a placeholder upgrades it and keeps the
// placeholder's TempID as its key; anything else is inserted in server order.
func (s *Store) ApplyIncoming(msg model.Message) Outcome {
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Warn("ignoring message without server identity",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("temp_id", msg.TempID),
		)
		return OutcomeIgnored
	}

	s.mu.Lock()
	t := s.threadLocked(msg.ConversationID)
	if _, dup := t.ids[msg.ID]; dup {
		metrics.ReconciliationsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		if !t.adoptLocked(&msg) {
			s.mu.Unlock()
			return OutcomeDuplicate
		}
		metrics.PendingMessages.Dec()
		s.emitLocked(Change{Kind: ChangeMessages, ConversationID: msg.ConversationID})
		return OutcomeDuplicate
	}

	confirmed := msg
	confirmed.DeliveryState = model.DeliveryConfirmed
	i, outcome := s.matchPendingLocked(t, &msg)
	if i >= 0 {
		p := t.takePending(i)
		confirmed.TempID = p.TempID
		if confirmed.ReplyTo == "" {
			confirmed.ReplyTo = p.ReplyTo
		}
		metrics.PendingMessages.Dec()
	}
	if i < 0 && confirmed.TempID != "" {
		t.releaseKeyLocked(confirmed.TempID, confirmed.ID)
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = s.clock.Now()
	}
	t.insertLocked(&confirmed)
	t.cursor++

	s.touchConversationLocked(&confirmed)
	metrics.ReconciliationsTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug("message applied",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("outcome", string(outcome)),
	)
	s.emitLocked(Change{Kind: ChangeMessages, ConversationID: msg.ConversationID})
	return outcome
}

func (s *Store) touchConversationLocked(m *model.Message) {
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return
	}
	if m.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = m.CreatedAt
	}
	if m.SenderID != s.self.UserID && m.ReadAt == nil {
		if c.Unread == nil {
			c.Unread = make(map[model.Role]int)
		}
		c.Unread[s.self.Role]++
	}
	s.convs[m.ConversationID] = c
}

// InsertPending appends a placeholder after every confirmed message.
func (s *Store) InsertPending(msg model.Message) {
	msg.DeliveryState = model.DeliveryPending
	msg.ID = ""
	msg.Sequence = 0
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	t := s.threadLocked(msg.ConversationID)
	t.pending = append(t.pending, &msg)
	metrics.PendingMessages.Inc()
	s.emitLocked(Change{Kind: ChangeMessages, ConversationID: msg.ConversationID})
}

// RemovePending drops an unconfirmed placeholder. It reports false when the
// placeholder is gone, usually because a push already confirmed it.
func (s *Store) RemovePending(conversationID, tempID string) bool {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for i, p := range t.pending {
		if p.TempID == tempID {
			t.takePending(i)
			metrics.PendingMessages.Dec()
			s.emitLocked(Change{Kind: ChangeMessages, ConversationID: conversationID})
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Lookup finds a held message by key (TempID or server id).
func (s *Store) Lookup(conversationID, key string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return model.Message{}, false
	}
	for _, list := range [][]*model.Message{t.confirmed, t.pending} {
		for _, m := range list {
			if m.Key() == key || m.ID == key {
				return *m, true
			}
		}
	}
	return model.Message{}, false
}

// Messages returns the conversation's messages: confirmed in server order,
// then placeholders in submission order.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, *m)
	}
	for _, m := range t.pending {
		out = append(out, *m)
	}
	return out
}

// HasMore reports whether older history remains on the server.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	return ok && t.hasMore
}

// Clear purges the local cache for a conversation after it was deleted.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	delete(s.threads, conversationID)
	delete(s.convs, conversationID)
	var unsubscribe func()
	if ok {
		metrics.PendingMessages.Sub(float64(len(t.pending)))
		unsubscribe = t.unsubscribe
	}
	s.emitLocked(Change{Kind: ChangeCleared, ConversationID: conversationID})
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Open subscribes to a conversation's messages and asks the server to join
// it. Open conversations are rejoined after every reconnect.
func (s *Store) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if !t.open {
		t.open = true
		t.unsubscribe = s.conn.Subscribe(transport.MessageSubject(conversationID), func(data []byte) {
			s.handleMessage(conversationID, data)
		})
	}
	s.mu.Unlock()
	return s.join(ctx, conversationID)
}

// Leave leaves a conversation. Its cache is kept.
func (s *Store) Leave(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok || !t.open {
		s.mu.Unlock()
		return
	}
	t.open = false
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// IsOpen reports whether the conversation is joined.
func (s *Store) IsOpen(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	return ok && t.open
}

func (s *Store) join(ctx context.Context, conversationID string) error {
	req := model.JoinConversationRequest{ConversationID: conversationID}
	if err := s.conn.Send(ctx, transport.JoinConversationSubject, req, nil); err != nil {
		return fmt.Errorf("failed to join conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *Store) handleMessage(conversationID string, data []byte) {
	var ev model.NewMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("dropping malformed message event", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if ev.Message.ConversationID == "" {
		ev.Message.ConversationID = conversationID
	}
	s.ApplyIncoming(ev.Message)
}

func (s *Store) handleUpdated(data []byte) {
	var ev model.ConversationUpdatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("dropping malformed conversation update", zap.Error(err))
		return
	}
	s.ApplyConversationUpdate(ev.Conversation)
}

// ApplyConversationUpdate replaces the cached summary of a conversation.
func (s *Store) ApplyConversationUpdate(c model.Conversation) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	s.convs[c.ID] = c.Clone()
	s.emitLocked(Change{Kind: ChangeConversation, ConversationID: c.ID})
}

// ListConversations fetches the session's conversations and caches them.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var resp model.ListConversationsResponse
	if err := s.conn.Send(ctx, transport.ListConversationsSubject, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	s.mu.Lock()
	for _, c := range resp.Conversations {
		s.convs[c.ID] = c.Clone()
	}
	out := s.conversationsLocked()
	s.emitLocked(Change{Kind: ChangeConversation})
	return out, nil
}

// Conversations returns the cached summaries, most recent activity first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

func (s *Store) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one cached summary.
func (s *Store) Conversation(conversationID string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return c.Clone(), ok
}

// MarkRead resets the unread count for role and stamps held messages from
// other senders as read. It is the only way unread counts decrease.
func (s *Store) MarkRead(conversationID string, role model.Role) {
	now := s.clock.Now()
	s.mu.Lock()
	if c, ok := s.convs[conversationID]; ok && c.Unread != nil {
		c.Unread[role] = 0
		s.convs[conversationID] = c
	}
	if t, ok := s.threads[conversationID]; ok {
		for _, m := range t.confirmed {
			if m.SenderID != s.self.UserID && m.ReadAt == nil {
				readAt := now
				m.ReadAt = &readAt
			}
		}
	}
	s.emitLocked(Change{Kind: ChangeMessages, ConversationID: conversationID})
}
