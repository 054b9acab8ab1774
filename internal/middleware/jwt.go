package myMiddleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go-chat-core/internal/logger"
)

type contextKey struct{ name string }

var (
	userIDKey   = &contextKey{"user_id"}
	usernameKey = &contextKey{"username"}
)

var (
	errNoToken   = errors.New("missing authentication token")
	errBadScheme = errors.New("authorization header must be a bearer token")
	errAnonymous = errors.New("token carries no user")
)

// TokenValidator decouples 'middleware' from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
	log       *slog.Logger
}

func NewAuthMiddleware(v TokenValidator, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{validator: v, log: log}
}

// Handle rejects requests without a valid session token and stores the
// caller's identity in the request context.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(token)
		if err == nil && userID == 0 {
			err = errAnonymous
		}
		if err != nil {
			am.log.Warn("rejected token", "security", true, "path", r.URL.Path, "remote", r.RemoteAddr, logger.Err(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

// bearerToken reads "Authorization: Bearer <token>". Clients that cannot
// set headers, such as browsers opening a websocket, pass ?token= instead.
func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errBadScheme
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

// UserID reads the authenticated user from a request context.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func Username(ctx context.Context) string {
	name, _ := ctx.Value(usernameKey).(string)
	return name
}
