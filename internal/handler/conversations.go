// Package handler provides the HTTP handlers of the chat bridge.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/middleware"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(e *engine.Engine, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		engine: e,
		logger: logger.OrNop(log),
	}
}

// conversationID reads and validates the {id} URL parameter.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// ListConversationsResponse is the conversation list.
type ListConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

// List handles GET /api/v1/conversations
// ?cached=true answers from the local cache without a round trip.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	var convs []model.Conversation
	if r.URL.Query().Get("cached") == "true" {
		convs = h.engine.Store().Conversations()
	} else {
		var err error
		convs, err = h.engine.ListConversations(r.Context())
		if err != nil {
			h.logger.Warn("failed to list conversations", zap.Error(err))
			writeEngineError(w, err)
			return
		}
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, &ListConversationsResponse{Conversations: convs})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, found := h.engine.Store().Conversation(id)
	if !found {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	view, err := h.engine.OpenConversation(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to open conversation", zap.String("conversation_id", id), zap.Error(err))
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newMessagesResponse(id, view.Messages(), view.HasMore()))
}

// Close handles DELETE /api/v1/conversations/{id}/open
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	h.engine.LeaveConversation(id)
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/conversations/{id}
// The conversation was deleted elsewhere; this purges the local cache.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	h.engine.DeleteConversation(id)
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	h.engine.MarkRead(id)
	w.WriteHeader(http.StatusNoContent)
}

// Typing handles GET /api/v1/conversations/{id}/typing
func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	typers := h.engine.Typing().Typers(id)
	if typers == nil {
		typers = []model.TypingState{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"typers":          typers,
	})
}

// DraftRequest carries the current input text.
type DraftRequest struct {
	Text string `json:"text"`
}

// GetDraft handles GET /api/v1/conversations/{id}/draft
func (h *ConversationHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, &DraftRequest{Text: h.engine.Draft(id)})
}

// PutDraft handles PUT /api/v1/conversations/{id}/draft
// Every keystroke lands here; it also drives the local typing signal.
func (h *ConversationHandler) PutDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req DraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateDraft(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.engine.SetDraft(id, req.Text)
	w.WriteHeader(http.StatusNoContent)
}
