package myMiddleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator map[string]int64

func (s stubValidator) ValidateToken(token string) (int64, string, error) {
	id, ok := s[token]
	if !ok {
		return 0, "", errors.New("bad token")
	}
	return id, "alice", nil
}

func newTestMiddleware() *AuthMiddleware {
	return NewAuthMiddleware(stubValidator{"good": 7, "anon": 0}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "bearer header", header: "Bearer good", status: http.StatusOK},
		{name: "query fallback", query: "good", status: http.StatusOK},
		{name: "missing token", status: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", status: http.StatusUnauthorized},
		{name: "header wins over query", header: "Bearer nope", query: "good", status: http.StatusUnauthorized},
		{name: "anonymous token", header: "Bearer anon", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID int64
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				id, ok := UserID(r.Context())
				require.True(t, ok)
				gotID = id
				assert.Equal(t, "alice", Username(r.Context()))
			})

			target := "/api/rooms"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			newTestMiddleware().Handle(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, int64(7), gotID)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	token, err := bearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "q", token)

	req.Header.Set("Authorization", "bearer  h ")
	token, err = bearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "h", token)

	_, err = bearerToken(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.ErrorIs(t, err, errNoToken)
}

func TestUserFromContext(t *testing.T) {
	_, ok := UserID(context.Background())
	assert.False(t, ok)
	assert.Empty(t, Username(context.Background()))

	ctx := WithUser(context.Background(), 42, "bob")
	id, ok := UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "bob", Username(ctx))
}
