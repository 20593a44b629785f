// Package engine assembles the conversation engine for one session. An
// Engine is created, started with a credential, and closed; consumers hold
// it explicitly rather than reaching for shared globals.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/conversation"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/moderation"
	"github.com/aguaportal/conversation-engine/internal/presence"
	"github.com/aguaportal/conversation-engine/internal/send"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/internal/typing"
	"github.com/aguaportal/conversation-engine/pkg/async"
	"github.com/aguaportal/conversation-engine/pkg/clock"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// Config holds the options of every component.
type Config struct {
	Session      model.Session
	Connection   connection.Options
	Conversation conversation.Options
	Send         send.Options
	Typing       typing.Options
	Moderation   moderation.Options

	// TermSource feeds the moderation filter. Without one the filter only
	// changes through Moderation().Replace.
	TermSource         moderation.Source
	TermRefresh        time.Duration
	TermMinRefreshWait time.Duration
}

// Engine owns the components of one session.
type Engine struct {
	session model.Session
	logger  *logger.Logger

	conn     *connection.Manager
	store    *conversation.Store
	presence *presence.Tracker
	typing   *typing.Coordinator
	filter   *moderation.Filter
	poller   *moderation.Poller
	pipeline *send.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	views  map[string]*View
	closed bool
}

// New builds an engine. Nothing touches the network until Start.
func New(dialer transport.Dialer, cfg Config, clk clock.Clock, log *logger.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	log = logger.OrNop(log).WithSession(cfg.Session.UserID, string(cfg.Session.Role))

	conn := connection.NewManager(dialer, cfg.Connection, log)
	store := conversation.NewStore(conn, cfg.Session, cfg.Conversation, clk, log)
	tracker := presence.NewTracker(conn, clk, log)
	coordinator := typing.NewCoordinator(conn, cfg.Session, cfg.Typing, clk, log)
	filter := moderation.NewFilter(cfg.Moderation, log)

	var poller *moderation.Poller
	if cfg.TermSource != nil {
		poller = moderation.NewPoller(filter, cfg.TermSource, cfg.TermRefresh, cfg.TermMinRefreshWait, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		session:  cfg.Session,
		logger:   log.Named("engine"),
		conn:     conn,
		store:    store,
		presence: tracker,
		typing:   coordinator,
		filter:   filter,
		poller:   poller,
		pipeline: send.NewPipeline(store, filter, coordinator, conn, cfg.Session, cfg.Send, clk, log),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[string]*View),
	}
}

// Start begins polling the term list and connects with token. A rejected
// token returns *model.AuthError. A transient failure returns
// *model.ConnectionError while reconnecting continues in the background.
func (e *Engine) Start(ctx context.Context, token string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	if e.poller != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.poller.Run(e.ctx)
		}()
	}
	if err := e.conn.Connect(ctx, token); err != nil {
		e.logger.Warn("initial connect failed", zap.Error(err))
		return err
	}
	return nil
}

// Close disposes the engine. Open views are closed and in-flight sends are
// left to finish against the stopped store.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	views := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		views = append(views, v)
	}
	e.views = make(map[string]*View)
	e.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	e.cancel()
	e.wg.Wait()
	e.typing.Close()
	e.presence.Close()
	e.store.Close()
	e.conn.Disconnect()
	e.logger.Info("engine closed")
}

// Session returns the session the engine serves.
func (e *Engine) Session() model.Session { return e.session }

// State returns the connection state.
func (e *Engine) State() model.ConnectionState { return e.conn.State() }

// OnStateChange forwards to the connection manager.
func (e *Engine) OnStateChange(cb func(connection.StateChange)) func() {
	return e.conn.OnStateChange(cb)
}

// RefreshToken installs a new credential.
func (e *Engine) RefreshToken(ctx context.Context, token string) error {
	return e.conn.RefreshToken(ctx, token)
}

// Store exposes the conversation store for observation.
func (e *Engine) Store() *conversation.Store { return e.store }

// Presence exposes the presence tracker.
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// Typing exposes the typing coordinator.
func (e *Engine) Typing() *typing.Coordinator { return e.typing }

// Moderation exposes the moderation filter.
func (e *Engine) Moderation() *moderation.Filter { return e.filter }

// RefreshTerms reloads the excluded term list now.
func (e *Engine) RefreshTerms(ctx context.Context) error {
	if e.poller == nil {
		return errors.New("no term source configured")
	}
	return e.poller.Refresh(ctx)
}

// ListConversations fetches the conversation list.
func (e *Engine) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return e.store.ListConversations(ctx)
}

// OpenConversation joins a conversation, loads its newest page if nothing is
// held yet and starts watching typing. Joining while disconnected is not an
// error; the conversation is joined when the connection comes back.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*View, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if v, ok := e.views[conversationID]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	if err := e.store.Open(ctx, conversationID); err != nil {
		if e.conn.State() == model.StateConnected {
			e.store.Leave(conversationID)
			return nil, err
		}
		e.logger.Debug("conversation will be joined on reconnect", zap.String("conversation_id", conversationID))
	}
	if e.conn.State() == model.StateConnected && len(e.store.Messages(conversationID)) == 0 {
		if _, err := e.store.LoadInitial(ctx, conversationID); err != nil {
			e.logger.Warn("failed to load conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	v := &View{engine: e, id: conversationID, stopTyping: e.typing.Watch(conversationID)}
	e.mu.Lock()
	if existing, ok := e.views[conversationID]; ok {
		e.mu.Unlock()
		v.stopTyping()
		return existing, nil
	}
	e.views[conversationID] = v
	e.mu.Unlock()
	return v, nil
}

// View returns the open view of a conversation.
func (e *Engine) View(conversationID string) (*View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[conversationID]
	return v, ok
}

func (e *Engine) dropView(v *View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.views[v.id] == v {
		delete(e.views, v.id)
	}
}

// LeaveConversation closes the view and stops receiving the conversation's messages.
func (e *Engine) LeaveConversation(conversationID string) {
	if v, ok := e.View(conversationID); ok {
		v.Close()
	}
	e.store.Leave(conversationID)
}

// DeleteConversation purges the local cache after the user deleted the conversation.
func (e *Engine) DeleteConversation(conversationID string) {
	e.LeaveConversation(conversationID)
	e.store.Clear(conversationID)
}

// LoadOlder fetches the next older page.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (conversation.Page, error) {
	return e.store.LoadOlder(ctx, conversationID)
}

// MarkRead clears the session's unread count for a conversation.
func (e *Engine) MarkRead(conversationID string) {
	e.store.MarkRead(conversationID, e.session.Role)
}

// SetDraft records the draft and drives the local typing signal.
func (e *Engine) SetDraft(conversationID, text string) {
	e.pipeline.SetDraft(conversationID, text)
	e.typing.InputChanged(conversationID, text)
}

// Draft returns the unsent text of a conversation.
func (e *Engine) Draft(conversationID string) string {
	return e.pipeline.Draft(conversationID)
}

// Send submits a message and waits for the outcome.
func (e *Engine) Send(ctx context.Context, conversationID, content, replyTo string) (model.Message, error) {
	if e.isClosed() {
		return model.Message{}, fmt.Errorf("failed to send: %w", ErrClosed)
	}
	return e.pipeline.Send(ctx, conversationID, content, replyTo)
}

// SendAsync submits a message without waiting.
func (e *Engine) SendAsync(ctx context.Context, conversationID, content, replyTo string) *async.Future[model.Message] {
	if e.isClosed() {
		return async.Resolved(model.Message{}, fmt.Errorf("failed to send: %w", ErrClosed))
	}
	return e.pipeline.SendAsync(ctx, conversationID, content, replyTo)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// View is the presentation's handle on an open conversation. Closing it
// stops typing updates only; sends in flight still complete and reconcile.
type View struct {
	engine     *Engine
	id         string
	stopTyping func()
	once       sync.Once
}

// ConversationID returns the conversation the view shows.
func (v *View) ConversationID() string { return v.id }

// Messages returns the conversation's messages.
func (v *View) Messages() []model.Message { return v.engine.store.Messages(v.id) }

// Typers returns the remote users typing in the conversation.
func (v *View) Typers() []model.TypingState { return v.engine.typing.Typers(v.id) }

// HasMore reports whether older history remains.
func (v *View) HasMore() bool { return v.engine.store.HasMore(v.id) }

// Close releases the view.
func (v *View) Close() {
	v.once.Do(func() {
		v.stopTyping()
		v.engine.dropView(v)
	})
}
