package authn

import (
	"fmt"

	"github.com/project-umbra/warden/internal/claims"
)

// SessionSchemaVersion is the current UserSession schema version
const SessionSchemaVersion = 1

// AccessTokenClaim is the claim under which the raw bearer token is kept in
// the session claims. Delegation needs the original compact JWT for
// on-behalf-of exchange; a re-encoded form would break the signature.
const AccessTokenClaim = "access_token"

// UserSession is the authenticated subject for a single request.
// Sessions are immutable after construction and never shared across
// requests.
type UserSession struct {
	// SchemaVersion supports forward-compatible migration of persisted
	// session shapes
	SchemaVersion int `json:"_version"`

	// UserID is the token subject
	UserID string `json:"user_id"`

	// Username is the mapped display username
	Username string `json:"username"`

	// LegacyUsername is the downstream identity name, when the incoming
	// token carries one. May be empty when a delegation token supplies it.
	LegacyUsername string `json:"legacy_username,omitempty"`

	// Role is the mapped primary role
	Role Role `json:"role"`

	// CustomRoles are raw roles outside the primary taxonomy
	CustomRoles []string `json:"custom_roles,omitempty"`

	// Scopes are the raw OAuth scopes from the token
	Scopes []string `json:"scopes,omitempty"`

	// Claims is the full decoded payload plus the access_token claim
	Claims claims.Claims `json:"claims"`

	// Rejected is true when role mapping rejected the subject under strict
	// policy
	Rejected bool `json:"rejected"`

	// SessionID is an opaque transport-supplied correlation id used for
	// delegation cache scoping
	SessionID string `json:"session_id,omitempty"`
}

// HasScope reports whether the session carries the scope
func (s *UserSession) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// HasRole reports whether the session's primary or custom roles include the
// named role
func (s *UserSession) HasRole(role string) bool {
	if string(s.Role) == role {
		return true
	}
	for _, r := range s.CustomRoles {
		if r == role {
			return true
		}
	}
	return false
}

// AccessToken returns the raw bearer token the session was built from
func (s *UserSession) AccessToken() string {
	return s.Claims.String(AccessTokenClaim)
}

// SessionInput carries the materials for session construction
type SessionInput struct {
	// Payload is the verified token payload
	Payload claims.Claims

	// RoleResult is the role mapping outcome
	RoleResult RoleResult

	// RawToken is the original compact JWT string
	RawToken string

	// Username and LegacyUsername are the extracted mapped claims
	Username       string
	LegacyUsername string

	// Scopes are the raw OAuth scopes
	Scopes []string

	// SessionID is the transport correlation id, if any
	SessionID string
}

// NewSession materialises a UserSession from validated claims and a role
// mapping result.
//
// NewSession panics when the fail-safe Unassigned role arrives with scopes
// attached: that combination means a mapping bug is about to leak privilege
// through stray scope claims, and aborting is safer than serving.
func NewSession(in SessionInput) *UserSession {
	if in.RoleResult.PrimaryRole == RoleUnassigned && len(in.Scopes) > 0 {
		panic(fmt.Sprintf("CRITICAL: Unassigned role must have empty scopes (subject %q, %d scopes)",
			in.Payload.String("sub"), len(in.Scopes)))
	}

	sessionClaims := in.Payload.Copy()
	if sessionClaims == nil {
		sessionClaims = claims.Claims{}
	}
	sessionClaims[AccessTokenClaim] = in.RawToken

	customRoles := in.RoleResult.CustomRoles
	if in.RoleResult.PrimaryRole == RoleUnassigned {
		customRoles = nil
	}

	return &UserSession{
		SchemaVersion:  SessionSchemaVersion,
		UserID:         in.Payload.String("sub"),
		Username:       in.Username,
		LegacyUsername: in.LegacyUsername,
		Role:           in.RoleResult.PrimaryRole,
		CustomRoles:    customRoles,
		Scopes:         in.Scopes,
		Claims:         sessionClaims,
		Rejected:       in.RoleResult.Rejected,
		SessionID:      in.SessionID,
	}
}

// Migrate upgrades a rehydrated session map to the current schema version.
// Only used when sessions come back from a persistent store; live sessions
// are always constructed at the current version.
func Migrate(raw map[string]any) (map[string]any, error) {
	version := 0
	if v, ok := raw["_version"].(int); ok {
		version = v
	} else if v, ok := raw["_version"].(float64); ok {
		version = int(v)
	}

	if version > SessionSchemaVersion {
		return nil, fmt.Errorf("session version %d is newer than supported version %d", version, SessionSchemaVersion)
	}

	migrated := make(map[string]any, len(raw))
	for k, v := range raw {
		migrated[k] = v
	}

	// v0 -> v1: stamp the version field
	if version < 1 {
		migrated["_version"] = 1
	}

	return migrated, nil
}
