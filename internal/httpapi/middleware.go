// ABOUTME: Bearer-auth middleware resolving the caller's agent identity via the registry.
// ABOUTME: Follows internal/auth/http.go's extract-verify-lookup chain.

package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const callerKey ctxKey = "caller_agent"

// extractBearerToken pulls the opaque registry token out of an
// "Authorization: Bearer <token>" header.
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// withAuth installs the caller's resolved agent name into the request
// context.
func withAuth(ctx context.Context, agentName string) context.Context {
	return context.WithValue(ctx, callerKey, agentName)
}

// callerFromContext returns the agent name resolved by authMiddleware, if
// any.
func callerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerKey).(string)
	return v, ok
}

// authMiddleware resolves Authorization: Bearer <token> to a registered
// agent name via registry.LookupByToken. Unauthenticated requests are
// rejected with 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeError(w, http.StatusUnauthorized, errMsg)
			return
		}

		agentName, ok := s.registry.LookupByToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "无效的 token")
			return
		}

		if !s.limiter.Allow(token) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), agentName)))
	})
}
