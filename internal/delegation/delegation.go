// Package delegation defines the contract for downstream access modules
// and the registry that dispatches to them.
//
// A module owns one downstream system (a database, a Kerberos realm, an
// HTTP API) and performs actions there on behalf of an authenticated user,
// never with ambient service credentials alone.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/exchange"
)

// DefaultTimeout bounds a single delegated operation end to end
const DefaultTimeout = 30 * time.Second

// namePattern constrains module names so they compose into audit sources
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9\-]*$`)

// ErrModuleNotFound is returned when a delegation names no registered module
var ErrModuleNotFound = errors.New("delegation module not found")

// Registry-level failure vocabulary carried in Result.Error
const (
	// ErrorModuleNotFound marks a dispatch naming no registered module
	ErrorModuleNotFound = "MODULE_NOT_FOUND"

	// ErrorDelegationFailed marks a contained module failure or panic
	ErrorDelegationFailed = "DELEGATION_ERROR"
)

// TokenExchanger acquires delegated downstream tokens. Satisfied by
// *exchange.Service; modules depend on the seam so tests can substitute a
// canned exchanger.
type TokenExchanger interface {
	Exchange(ctx context.Context, req exchange.Request) (*exchange.Result, error)
}

// Context carries per-request delegation state into a module
type Context struct {
	// SessionID is the transport session, used for token cache scoping
	SessionID string

	// Exchanger acquires downstream tokens for modules that need them.
	// May be nil for modules that delegate without token exchange.
	Exchanger TokenExchanger
}

// Result is the outcome of one delegated operation
type Result struct {
	// Success reports whether the downstream operation succeeded
	Success bool

	// Data is the module-specific response payload
	Data any

	// Error is a client-safe failure description. Raw downstream errors
	// belong in the audit trail, not here.
	Error string

	// AuditTrail are the entries the module produced for this operation.
	// The registry stamps missing sources and forwards them to the audit
	// service.
	AuditTrail []audit.Entry
}

// Module is one downstream access adapter.
//
// Initialize is called once before first use and Destroy once at shutdown;
// Delegate and HealthCheck may be called concurrently in between. A module
// must treat the session as read-only.
type Module interface {
	// Name is the registry key, matching ^[a-z][a-z0-9-]*$
	Name() string

	// Type names the adapter family, e.g. "sql" or "http"
	Type() string

	// Initialize prepares the module from its raw configuration subtree
	Initialize(ctx context.Context, config map[string]any) error

	// Delegate performs one action downstream on behalf of the session
	Delegate(ctx context.Context, session *authn.UserSession, action string, params map[string]any, dctx *Context) (*Result, error)

	// HealthCheck verifies the downstream dependency is reachable
	HealthCheck(ctx context.Context) error

	// Destroy releases the module's resources
	Destroy(ctx context.Context) error
}

// ValidateName checks a module name against the registry constraints
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("module name %q must match %s", name, namePattern)
	}
	return nil
}
