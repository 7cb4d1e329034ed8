package auth

import (
	"chat-relay/errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestVerifier_Round_Trip(t *testing.T) {
	req := require.New(t)
	v := NewVerifier("secret", "chat-relay")

	token, err := v.GenerateToken("alice", time.Minute)
	req.NoError(err)

	userID, err := v.Verify(token)
	req.NoError(err)
	req.EqualValues("alice", userID)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "chat-relay")
	expired, err := v.GenerateToken("alice", -time.Minute)
	require.NoError(t, err)
	otherSecret, err := NewVerifier("other", "chat-relay").GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewVerifier("secret", "someone-else").GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong secret", otherSecret},
		{"wrong issuer", otherIssuer},
		{"unsigned", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.ErrorIs(t, err, errors.ErrAuth)
		})
	}
}

func TestMiddleware(t *testing.T) {
	req := require.New(t)
	v := NewVerifier("secret", "")
	token, err := v.GenerateToken("bob", time.Minute)
	req.NoError(err)

	var seen string
	handler := Middleware(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserFromContext(r.Context())
		req.True(ok)
		seen = string(userID)
	}))

	// Given a token in the query string
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	req.Equal(http.StatusOK, rec.Code)
	req.Equal("bob", seen)

	// Given a bearer header
	seen = ""
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	req.Equal("bob", seen)

	// Given no token
	seen = ""
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	req.Equal(http.StatusUnauthorized, rec.Code)
	req.Empty(seen)
}
