package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/pkg/logger"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, sub, role string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context()) + "/" + GetRole(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(secret)(echoIdentity())

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "valid bearer", header: "Bearer " + sign(t, secret, jwt.SigningMethodHS256, "cust-1", "customer"), status: http.StatusOK, body: "cust-1/customer"},
		{name: "query token", query: sign(t, secret, jwt.SigningMethodHS256, "admin-1", "admin"), status: http.StatusOK, body: "admin-1/admin"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, "other", jwt.SigningMethodHS256, "cust-1", "customer"), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + sign(t, secret, jwt.SigningMethodHS256, "", "customer"), status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	h := Auth(secret)(RequireUser("cust-1")(echoIdentity()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.SigningMethodHS256, "cust-2", "customer"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestValidateMessageContent(t *testing.T) {
	require.NoError(t, ValidateMessageContent("Mi factura llegó dos veces"))
	require.Error(t, ValidateMessageContent("   "))
	require.Error(t, ValidateMessageContent(strings.Repeat("a", MaxMessageLength+1)))
	require.Error(t, ValidateMessageContent("\xff\xfe"))
}

func TestValidateConversationID(t *testing.T) {
	require.NoError(t, ValidateConversationID("c-42"))
	require.NoError(t, ValidateConversationID("0190b5e2-7d3c-7a1e-9f00-3b2c1d4e5f60"))
	for _, bad := range []string{"", "a.b", "c*", "c>", "a b", strings.Repeat("x", 129)} {
		assert.Error(t, ValidateConversationID(bad), bad)
	}
}

func TestValidateDraft(t *testing.T) {
	require.NoError(t, ValidateDraft(""))
	require.Error(t, ValidateDraft("\xff"))
}
