package handler

import (
	"encoding/json"
	"net/http"

	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// SessionHandler handles session, presence and moderation endpoints.
type SessionHandler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(e *engine.Engine, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		engine: e,
		logger: logger.OrNop(log),
	}
}

// SessionResponse describes the bridge's session.
type SessionResponse struct {
	UserID          string                `json:"user_id"`
	UserName        string                `json:"user_name,omitempty"`
	Role            model.Role            `json:"role"`
	State           model.ConnectionState `json:"state"`
	ModerationReady bool                  `json:"moderation_ready"`
}

// Get handles GET /api/v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Session()
	writeJSON(w, http.StatusOK, &SessionResponse{
		UserID:          s.UserID,
		UserName:        s.UserName,
		Role:            s.Role,
		State:           h.engine.State(),
		ModerationReady: h.engine.Moderation().Loaded(),
	})
}

// RefreshTokenRequest carries a new session credential.
type RefreshTokenRequest struct {
	Token string `json:"token"`
}

// RefreshToken handles POST /api/v1/session/token
func (h *SessionHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.RefreshToken(r.Context(), req.Token); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(h.engine.State()),
	})
}

// PresenceResponse is the online roster.
type PresenceResponse struct {
	Syncing bool                  `json:"syncing"`
	Users   []model.PresenceEntry `json:"users"`
}

// Presence handles GET /api/v1/presence
// With ?user_id=&role= it answers a single lookup instead.
func (h *SessionHandler) Presence(w http.ResponseWriter, r *http.Request) {
	tracker := h.engine.Presence()
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		role := model.Role(r.URL.Query().Get("role"))
		writeJSON(w, http.StatusOK, map[string]bool{
			"online": tracker.IsOnline(userID, role),
		})
		return
	}

	users := tracker.Roster()
	if users == nil {
		users = []model.PresenceEntry{}
	}
	writeJSON(w, http.StatusOK, &PresenceResponse{
		Syncing: tracker.Syncing(),
		Users:   users,
	})
}

// RefreshTerms handles POST /api/v1/moderation/refresh
func (h *SessionHandler) RefreshTerms(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RefreshTerms(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
