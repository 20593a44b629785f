package handler

import (
	"net/http"

	"github.com/aguaportal/conversation-engine/internal/model"
)

// StateReporter reports the engine's connection state.
type StateReporter interface {
	State() model.ConnectionState
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	engine StateReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(engine StateReporter) *HealthHandler {
	return &HealthHandler{
		engine: engine,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if state := h.engine.State(); state != model.StateConnected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  string(state),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
