package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// ErrorResponse is the body of a failed engine operation.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Term   string `json:"term,omitempty"`
	// Draft is the content of a failed send, returned so the caller can retry.
	Draft string `json:"draft,omitempty"`
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		validationErr *model.ValidationError
		submissionErr *model.SubmissionError
		authErr       *model.AuthError
		connErr       *model.ConnectionError
		pageErr       *model.PaginationError
		remoteErr     *model.RemoteError
	)
	resp := ErrorResponse{Error: err.Error()}
	if errors.As(err, &submissionErr) {
		resp.Draft = submissionErr.Draft
	}

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusUnprocessableEntity
		resp.Reason = validationErr.Reason
		if validationErr.Reveal {
			resp.Term = validationErr.Term
		}
	case errors.Is(err, model.ErrConversationClosed):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrNotConnected), errors.As(err, &connErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &remoteErr), errors.As(err, &pageErr), submissionErr != nil:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}
