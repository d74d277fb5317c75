package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/api"
)

type contextKey string

const (
	// UserContextKey is the key used to store the username in the context
	UserContextKey contextKey = "user"
)

// Guard rejects requests without a valid bearer token. It lets every
// request through when no secret is configured.
type Guard struct {
	service *Service
	log     *zap.Logger
}

func NewGuard(service *Service, log *zap.Logger) *Guard {
	return &Guard{
		service: service,
		log:     log,
	}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.service.Enabled() || api.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := tokenFromHeader(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		claims, err := g.service.ValidateToken(token)
		if err != nil {
			g.log.Warn("authentication failed",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromHeader accepts "Bearer <token>" as well as the raw token.
func tokenFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// GetUserFromContext returns the token subject stored by the guard.
func GetUserFromContext(ctx context.Context) (string, error) {
	username, ok := ctx.Value(UserContextKey).(string)
	if !ok {
		return "", errors.New("user not found in context")
	}
	return username, nil
}
