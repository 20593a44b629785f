// Package auth consumes the portal's session credential. Tokens are issued
// and verified elsewhere; this package only reads them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aguaportal/conversation-engine/internal/model"
)

// ErrNoToken is returned when a token source has nothing to offer.
var ErrNoToken = errors.New("no session token available")

// Claims are the session claims the portal puts in its tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// TokenSource is the auth collaborator: it hands out a current credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileToken re-reads a token file on every call so an external process can
// rotate the credential.
type FileToken struct {
	Path string
}

// Token implements TokenSource.
func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// parseUnverified decodes claims without checking the signature.
func parseUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// SessionFromToken derives the session identity from a token's claims.
func SessionFromToken(token string) (model.Session, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return model.Session{}, err
	}
	if claims.Subject == "" {
		return model.Session{}, errors.New("token has no subject")
	}
	role := model.Role(claims.Role)
	if role == "" {
		role = model.RoleCustomer
	}
	return model.Session{
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Role:      role,
		AuthToken: token,
	}, nil
}

// Expired reports whether token carries an exp claim that is not after now.
// Opaque tokens are never considered expired; the server decides.
func Expired(token string, now time.Time) bool {
	claims, err := parseUnverified(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.After(now)
}
