package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/conversation"
	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// Event names written to the stream.
const (
	EventConnected    = "connected"
	EventState        = "state"
	EventMessages     = "messages"
	EventConversation = "conversation"
	EventCleared      = "cleared"
	EventTyping       = "typing"
	EventPresence     = "presence"
	EventResync       = "resync"
	EventHeartbeat    = "heartbeat"
)

const streamBuffer = 256

// StreamHandler serves engine changes as server-sent events.
type StreamHandler struct {
	engine    *engine.Engine
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(e *engine.Engine, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		engine:    e,
		logger:    logger.OrNop(log),
		heartbeat: 30 * time.Second,
	}
}

// StateEvent reports a connection state transition.
type StateEvent struct {
	From      model.ConnectionState `json:"from"`
	To        model.ConnectionState `json:"to"`
	Reconnect bool                  `json:"reconnect,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// TypingEvent lists who is typing in a conversation.
type TypingEvent struct {
	ConversationID string              `json:"conversation_id"`
	Typers         []model.TypingState `json:"typers"`
}

// PresenceEvent carries the full roster.
type PresenceEvent struct {
	Users []model.PresenceEntry `json:"users"`
}

// HeartbeatEvent keeps idle streams open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// sseEvent is rendered when it is written, so a store change reflects the
// store at write time.
type sseEvent func() (string, interface{})

// Events handles GET /api/v1/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	events := make(chan sseEvent, streamBuffer)
	var lagged atomic.Bool
	push := func(ev sseEvent) {
		select {
		case events <- ev:
		default:
			lagged.Store(true)
		}
	}

	store := h.engine.Store()
	unsubs := []func(){
		h.engine.OnStateChange(func(c connection.StateChange) {
			ev := &StateEvent{From: c.From, To: c.To, Reconnect: c.Reconnect}
			if c.Err != nil {
				ev.Error = c.Err.Error()
			}
			push(func() (string, interface{}) { return EventState, ev })
		}),
		store.OnChange(func(c conversation.Change) {
			push(func() (string, interface{}) { return h.renderChange(c) })
		}),
		h.engine.Typing().OnChange(func(id string, typers []model.TypingState) {
			if typers == nil {
				typers = []model.TypingState{}
			}
			push(func() (string, interface{}) {
				return EventTyping, &TypingEvent{ConversationID: id, Typers: typers}
			})
		}),
		h.engine.Presence().OnRosterChange(func(users []model.PresenceEntry) {
			push(func() (string, interface{}) { return EventPresence, &PresenceEvent{Users: users} })
		}),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	sendSSEEvent(w, flusher, EventConnected, map[string]string{
		"state": string(h.engine.State()),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed")
			return

		case ev := <-events:
			if lagged.CompareAndSwap(true, false) {
				// Some changes were dropped; the client reloads what it shows.
				sendSSEEvent(w, flusher, EventResync, map[string]string{})
			}
			name, data := ev()
			if err := sendSSEEvent(w, flusher, name, data); err != nil {
				h.logger.Warn("failed to write event", zap.String("event", name), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, EventHeartbeat, &HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func (h *StreamHandler) renderChange(c conversation.Change) (string, interface{}) {
	store := h.engine.Store()
	switch c.Kind {
	case conversation.ChangeConversation:
		if conv, ok := store.Conversation(c.ConversationID); ok {
			return EventConversation, conv
		}
		return EventConversation, map[string]string{"id": c.ConversationID}
	case conversation.ChangeCleared:
		return EventCleared, map[string]string{"conversation_id": c.ConversationID}
	default:
		return EventMessages, newMessagesResponse(c.ConversationID, store.Messages(c.ConversationID), store.HasMore(c.ConversationID))
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
