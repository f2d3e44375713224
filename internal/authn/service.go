package authn

import (
	"context"
	"fmt"
	"strings"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/claims"
	"github.com/project-umbra/warden/internal/clock"
)

// auditSource identifies this component in the audit trail
const auditSource = "auth:service"

// Observer receives authentication lifecycle events. Implementations must
// not block; they run inline on the request path.
type Observer interface {
	// TokenValidated fires after signature and claim validation succeed
	TokenValidated(issuer, keyID, subject string)

	// TokenRejected fires when a token fails validation
	TokenRejected(code Code, reason string)

	// SessionCreated fires when an authenticated session is materialised
	SessionCreated(session *UserSession)

	// AuthenticationRejected fires when a validated token is rejected by
	// role mapping policy
	AuthenticationRejected(subject string)
}

// NoopObserver discards all events
type NoopObserver struct{}

func (NoopObserver) TokenValidated(string, string, string) {}
func (NoopObserver) TokenRejected(Code, string)            {}
func (NoopObserver) SessionCreated(*UserSession)           {}
func (NoopObserver) AuthenticationRejected(string)         {}

// Service turns bearer tokens into user sessions: validation, claim
// extraction, role mapping, session construction, and the audit trail for
// each attempt.
type Service struct {
	validator *Validator
	audit     *audit.Service
	observer  Observer
	clock     clock.Clock
}

// ServiceConfig configures the authentication service
type ServiceConfig struct {
	// Validator is the token validator. Required.
	Validator *Validator

	// Audit receives an entry per authentication attempt. Defaults to a
	// no-op service.
	Audit *audit.Service

	// Observer receives lifecycle events. Defaults to NoopObserver.
	Observer Observer

	// Clock is the time source (default: system clock)
	Clock clock.Clock
}

// NewService creates the authentication service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}

	auditSvc := cfg.Audit
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}

	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &Service{
		validator: cfg.Validator,
		audit:     auditSvc,
		observer:  observer,
		clock:     clk,
	}, nil
}

// Authenticate validates a bearer token and builds the session for it.
// sessionID is the transport-supplied correlation id and may be empty.
//
// Every attempt leaves an audit entry. Failures are *Error values; the
// audit entry carries the full detail while the returned error stays
// client-safe.
func (s *Service) Authenticate(ctx context.Context, rawToken, sessionID string) (*UserSession, error) {
	result, err := s.validator.Validate(ctx, rawToken)
	if err != nil {
		authErr := asAuthError(err)
		s.observer.TokenRejected(authErr.Code, authErr.Message)
		s.logAttempt("", string(authErr.Code), detailOf(authErr), false)
		return nil, authErr
	}

	s.observer.TokenValidated(result.Issuer.IssuerURL(), result.KeyID, result.Subject)

	mappings := result.Issuer.Mappings()
	rawRoles := extractRoles(mappings, result.Payload)
	scopes := extractScopes(mappings, result.Payload)
	username := extractUsername(mappings, result.Payload)
	legacyUsername := extractLegacyUsername(mappings, result.Payload)

	roleResult := MapRoles(rawRoles, result.Issuer.RoleMappings())
	if roleResult.Rejected {
		s.observer.AuthenticationRejected(result.Subject)
		s.logAttempt(result.Subject, string(CodeAuthenticationRejected), "no acceptable role mapping", false)
		return nil, NewError(CodeAuthenticationRejected, "subject roles are not acceptable for this resource")
	}

	session := NewSession(SessionInput{
		Payload:        result.Payload,
		RoleResult:     roleResult,
		RawToken:       result.RawToken,
		Username:       username,
		LegacyUsername: legacyUsername,
		Scopes:         scopes,
		SessionID:      sessionID,
	})

	s.observer.SessionCreated(session)
	s.logAttempt(session.UserID, "", "", true)

	return session, nil
}

// logAttempt writes the audit entry for one authentication attempt
func (s *Service) logAttempt(userID, code, detail string, success bool) {
	entry := audit.Entry{
		Source:  auditSource,
		UserID:  userID,
		Action:  "authenticate",
		Success: success,
	}
	if !success {
		entry.Error = detail
		entry.Metadata = map[string]any{"code": code}
		if detail == "" {
			entry.Error = code
		}
	}
	// Source is constant and valid; the only Log failure mode cannot occur
	_ = s.audit.Log(entry)
}

// asAuthError coerces validator failures to the typed form
func asAuthError(err error) *Error {
	if authErr, ok := err.(*Error); ok {
		return authErr
	}
	return NewError(CodeMalformedToken, "token validation failed").WithDetail(err)
}

// detailOf renders the full internal detail for the audit trail
func detailOf(err *Error) string {
	if err.Detail != nil {
		return err.Message + ": " + err.Detail.Error()
	}
	return err.Message
}

// extractRoles pulls raw roles via the issuer's extractor, falling back to
// the flat "roles" claim
func extractRoles(m ClaimMappings, payload claims.Claims) []string {
	if m.Roles != nil {
		return m.Roles.EvalStringSlice(payload)
	}
	return payload.StringSlice("roles")
}

// extractScopes pulls OAuth scopes via the issuer's extractor, falling back
// to the space-delimited "scope" claim and then the "scp" list
func extractScopes(m ClaimMappings, payload claims.Claims) []string {
	if m.Scopes != nil {
		return m.Scopes.EvalStringSlice(payload)
	}
	if scope := payload.String("scope"); scope != "" {
		return strings.Fields(scope)
	}
	return payload.StringSlice("scp")
}

// extractUsername pulls the display username, falling back to
// preferred_username and then the subject
func extractUsername(m ClaimMappings, payload claims.Claims) string {
	if m.Username != nil {
		if name := m.Username.EvalString(payload); name != "" {
			return name
		}
	}
	if name := payload.String("preferred_username"); name != "" {
		return name
	}
	return payload.String("sub")
}

// extractLegacyUsername pulls the downstream identity name, falling back to
// the "legacy_name" claim. Empty is valid; delegation tokens may supply it.
func extractLegacyUsername(m ClaimMappings, payload claims.Claims) string {
	if m.LegacyUsername != nil {
		return m.LegacyUsername.EvalString(payload)
	}
	return payload.String("legacy_name")
}
