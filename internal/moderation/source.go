package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aguaportal/conversation-engine/internal/auth"
	"github.com/aguaportal/conversation-engine/internal/model"
)

// Source provides the current excluded term list.
type Source interface {
	Terms(ctx context.Context) ([]model.ExcludedTerm, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.ExcludedTerm, error)

// Terms implements Source.
func (fn SourceFunc) Terms(ctx context.Context) ([]model.ExcludedTerm, error) {
	return fn(ctx)
}

// HTTPSource reads the list from the portal's REST API at GET {BaseURL}/excluded-terms.
type HTTPSource struct {
	BaseURL string
	Tokens  auth.TokenSource
	Client  *http.Client
}

// NewHTTPSource creates a source with a bounded HTTP client.
func NewHTTPSource(baseURL string, tokens auth.TokenSource) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type termsResponse struct {
	Terms []model.ExcludedTerm `json:"terms"`
}

// Terms implements Source.
func (s *HTTPSource) Terms(ctx context.Context) ([]model.ExcludedTerm, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/excluded-terms", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.Tokens != nil {
		token, err := s.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch excluded terms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch excluded terms: status %d", resp.StatusCode)
	}

	var body termsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode excluded terms: %w", err)
	}
	return body.Terms, nil
}
