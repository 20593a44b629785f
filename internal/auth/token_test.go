package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/internal/model"
)

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestSessionFromToken(t *testing.T) {
	token := signed(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-7"},
		Name:             "Ana",
		Role:             "admin",
	})

	s, err := SessionFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-7", s.UserID)
	assert.Equal(t, "Ana", s.UserName)
	assert.Equal(t, model.RoleAdmin, s.Role)
	assert.Equal(t, token, s.AuthToken)
}

func TestSessionFromTokenDefaultsRole(t *testing.T) {
	s, err := SessionFromToken(signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"}}))
	require.NoError(t, err)
	assert.Equal(t, model.RoleCustomer, s.Role)
}

func TestSessionFromTokenRejectsGarbage(t *testing.T) {
	_, err := SessionFromToken("not-a-jwt")
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))}})
	future := signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}})

	assert.True(t, Expired(past, now))
	assert.False(t, Expired(future, now))
	assert.False(t, Expired("opaque-token", now))
}

func TestFileTokenRereads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	src := FileToken{Path: path}
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestStaticTokenEmpty(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}
