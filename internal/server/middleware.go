package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/project-umbra/warden/internal/authn"
)

// SessionHeader carries the transport session correlation id
const SessionHeader = "X-Session-Id"

type sessionKey struct{}

// SessionFrom returns the authenticated session attached to a request
// context by the auth middleware
func SessionFrom(ctx context.Context) (*authn.UserSession, bool) {
	session, ok := ctx.Value(sessionKey{}).(*authn.UserSession)
	return session, ok
}

// withAuth authenticates the bearer token on every request and attaches
// the session to the context. Failures answer with the RFC 6750 challenge
// pointing clients at the resource metadata document.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.challenge(w, http.StatusUnauthorized, "invalid_request", "bearer token is required")
			return
		}

		session, err := s.auth.Authenticate(r.Context(), token, r.Header.Get(SessionHeader))
		if err != nil {
			var authErr *authn.Error
			if errors.As(err, &authErr) {
				if authErr.Code == authn.CodeAuthenticationRejected {
					s.challenge(w, http.StatusForbidden, "insufficient_user", authErr.Message)
					return
				}
				s.challenge(w, http.StatusUnauthorized, "invalid_token", authErr.Message)
				return
			}
			s.challenge(w, http.StatusUnauthorized, "invalid_token", "token validation failed")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// challenge writes the WWW-Authenticate header and a minimal JSON error.
// The error_description only ever carries client-safe validator messages.
func (s *Server) challenge(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error=%q, error_description=%q, resource_metadata=%q`,
		code, description, s.metadataURL))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":"failure","code":%q,"message":%q}`+"\n", "UNAUTHENTICATED", description)
}

// ScopeChallenge writes the insufficient_scope challenge naming the scopes
// a request was missing
func (s *Server) ScopeChallenge(w http.ResponseWriter, scopes []string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="insufficient_scope", scope=%q, resource_metadata=%q`,
		strings.Join(scopes, " "), s.metadataURL))
	w.WriteHeader(http.StatusForbidden)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
