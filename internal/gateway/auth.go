package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/agentcore/internal/shared"
)

// OwnerHeader carries the end-user identity the request acts for. The
// gateway trusts it once the bearer token checks out.
const OwnerHeader = "X-Owner-ID"

// TraceHeader lets callers correlate a request with audit rows; one is
// minted when absent and echoed on the response.
const TraceHeader = "X-Trace-ID"

// ownerFrom returns the owner stored by requireAuth.
func ownerFrom(ctx context.Context) string {
	return shared.OwnerID(ctx)
}

// extractToken checks, in order: Authorization: Bearer <token>, then the
// token query param (browsers cannot set headers on websocket upgrades).
func extractToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := extractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// requireAuth checks the bearer token and resolves the owner. Every /api
// and /ws route runs behind it.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if owner == "" {
			writeJSONError(w, http.StatusBadRequest, "owner_required", OwnerHeader+" header is required")
			return
		}
		traceID := strings.TrimSpace(r.Header.Get(TraceHeader))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set(TraceHeader, traceID)
		ctx := shared.WithTraceID(shared.WithOwnerID(r.Context(), owner), traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
