package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/middleware"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(e *engine.Engine, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		engine: e,
		logger: logger.OrNop(log),
	}
}

// MessagesResponse is a conversation's held messages.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
	HasMore        bool            `json:"has_more"`
}

func newMessagesResponse(id string, msgs []model.Message, hasMore bool) *MessagesResponse {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &MessagesResponse{ConversationID: id, Messages: msgs, HasMore: hasMore}
}

// PageResponse is the result of loading older history.
type PageResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
	Prepended      int             `json:"prepended"`
	HasMore        bool            `json:"has_more"`
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	store := h.engine.Store()
	writeJSON(w, http.StatusOK, newMessagesResponse(id, store.Messages(id), store.HasMore(id)))
}

// Older handles POST /api/v1/conversations/{id}/messages/older
func (h *MessageHandler) Older(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	page, err := h.engine.LoadOlder(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to load older messages", zap.String("conversation_id", id), zap.Error(err))
		writeEngineError(w, err)
		return
	}

	msgs := page.Messages
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, &PageResponse{
		ConversationID: id,
		Messages:       msgs,
		Prepended:      page.Prepended,
		HasMore:        page.HasMore,
	})
}

// SendRequest is the body of a send.
type SendRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Send handles POST /api/v1/conversations/{id}/messages
// The placeholder appears on the event stream before this returns.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.engine.Send(r.Context(), id, req.Content, req.ReplyTo)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if msg.IsPending() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, msg)
}
