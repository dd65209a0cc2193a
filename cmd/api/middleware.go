package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/lockgame/duelcore/src/infra/auth"
)

type contextKey string

const (
	correlationKey contextKey = "correlation_id"
	identityKey    contextKey = "identity"
)

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = generateCorrelationID()
			w.Header().Set("X-Request-Id", reqID)
		}
		ctx := context.WithValue(r.Context(), correlationKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateCorrelationID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func correlationIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(correlationKey).(string); ok {
		return value
	}
	return ""
}

// authMiddleware resolves the bearer token into a player identity. All
// /v1 routes require one.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, _ := strings.CutPrefix(header, "Bearer ")
		identity, err := s.cfg.Verifier.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok
}
