package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// isAnthropicRoute reports whether r targets one of the Anthropic-dialect
// routes, which get a JSON error envelope instead of plain text.
func isAnthropicRoute(r *http.Request) bool {
	switch r.URL.Path {
	case "/v1/messages", "/v1/count_tokens":
		return true
	default:
		return false
	}
}

// extractKeySecret pulls the raw platform-key secret from either the
// Authorization bearer header or x-api-key.
func extractKeySecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// authenticate resolves the caller's platform key and injects it into the
// request context. Missing, unknown, and disabled keys all fail the same
// way: ErrInvalidAPIKey, 403.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		anthropic := isAnthropicRoute(r)

		secret := extractKeySecret(r)
		if secret == "" {
			s.recordAuthFailureLog(r)
			writeErr(w, anthropic, gatewaycore.ErrInvalidAPIKey)
			return
		}

		key, err := s.deps.KeyCache.GetByHash(r.Context(), gatewaycore.HashKeySecret(secret))
		if err != nil {
			s.recordAuthFailureLog(r)
			writeErr(w, anthropic, gatewaycore.ErrInvalidAPIKey)
			return
		}
		if key.Status != gatewaycore.KeyActive {
			s.recordAuthFailureLog(r)
			writeErr(w, anthropic, gatewaycore.ErrInvalidAPIKey)
			return
		}

		ctx := gatewaycore.ContextWithPlatformKey(r.Context(), key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordAuthFailureLog writes the RequestLog row for a request that never
// resolved a platform key, so invalid-key attempts are as auditable as any
// other request (all token fields stay zero/null since no key was
// resolved).
func (s *server) recordAuthFailureLog(r *http.Request) {
	log := gatewaycore.RequestLog{
		TraceID:   gatewaycore.TraceIDFromContext(r.Context()),
		Path:      r.URL.Path,
		Method:    r.Method,
		Status:    http.StatusForbidden,
		Error:     gatewaycore.ErrInvalidAPIKey.Error(),
		CreatedAt: time.Now().Unix(),
	}
	_, _ = s.deps.Store.InsertRequestLog(r.Context(), log)
}
