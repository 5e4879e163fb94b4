package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

// corsMiddleware mirrors the permissive policy the local server has always
// shipped with; local agents are addressed by browser clients during
// development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer token when one is configured. The
// ?token= query fallback exists for WebSocket clients that cannot set
// headers. With no token configured (pure local mode) every request
// passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" || s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		block := &types.ErrorBlock{
			Code:       types.CodeAuthentication,
			Message:    "missing or invalid bearer token",
			Suggestion: "Set RUNAGENT_API_KEY or pass an Authorization: Bearer header",
		}
		writeEnvelope(w, http.StatusUnauthorized, types.FailureEnvelope(block, newRequestID()))
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ") == s.authToken
	}
	return r.URL.Query().Get("token") == s.authToken
}

func newRequestID() string {
	return uuid.NewString()
}
