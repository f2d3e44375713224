// Package authz enforces role and scope requirements on tool invocations
// and shapes every outcome into the uniform response envelope.
package authz

import (
	"fmt"
	"net/http"

	"github.com/project-umbra/warden/internal/authn"
)

// ErrorCode identifies a tool invocation failure. The set is closed except
// for module-specific codes registered alongside their tools.
type ErrorCode string

const (
	CodeUnauthenticated         ErrorCode = "UNAUTHENTICATED"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeInsufficientScope       ErrorCode = "INSUFFICIENT_SCOPE"
	CodeInvalidInput            ErrorCode = "INVALID_INPUT"
	CodeDelegationFailed        ErrorCode = "DELEGATION_FAILED"
	CodeModuleNotAvailable      ErrorCode = "MODULE_NOT_AVAILABLE"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// Error is a typed tool invocation failure
type Error struct {
	// Status is the HTTP status hint for transports
	Status int

	// Code is the machine-readable failure class
	Code ErrorCode

	// Message is the client-safe description
	Message string

	// Detail carries internal context for audit; never serialized
	Detail error
}

// NewError creates a typed failure
func NewError(status int, code ErrorCode, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetail attaches internal detail for the audit trail
func (e *Error) WithDetail(err error) *Error {
	return &Error{Status: e.Status, Code: e.Code, Message: e.Message, Detail: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Detail
}

// Envelope is the uniform response shape for every tool invocation
type Envelope struct {
	Status  string    `json:"status"`
	Data    any       `json:"data,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Success wraps a payload in a success envelope
func Success(data any) Envelope {
	return Envelope{Status: "success", Data: data}
}

// Failure wraps a typed error in a failure envelope. Only the code and the
// client-safe message cross the boundary.
func Failure(err *Error) Envelope {
	return Envelope{Status: "failure", Code: err.Code, Message: err.Message}
}

// RequireAuth rejects missing or policy-rejected sessions
func RequireAuth(session *authn.UserSession) *Error {
	if session == nil {
		return NewError(http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
	}
	if session.Rejected || session.Role == authn.RoleUnassigned {
		return NewError(http.StatusForbidden, CodeInsufficientPermissions, "session is not permitted")
	}
	return nil
}

// RequireAnyRole passes when the session holds at least one of the roles
func RequireAnyRole(session *authn.UserSession, roles ...string) *Error {
	if err := RequireAuth(session); err != nil {
		return err
	}
	for _, role := range roles {
		if session.HasRole(role) {
			return nil
		}
	}
	return NewError(http.StatusForbidden, CodeInsufficientPermissions, "role is not sufficient for this tool")
}

// RequireAllScopes passes only when the session carries every scope
func RequireAllScopes(session *authn.UserSession, scopes ...string) *Error {
	if err := RequireAuth(session); err != nil {
		return err
	}
	for _, scope := range scopes {
		if !session.HasScope(scope) {
			return &Error{
				Status:  http.StatusForbidden,
				Code:    CodeInsufficientScope,
				Message: fmt.Sprintf("scope %q is required", scope),
			}
		}
	}
	return nil
}
