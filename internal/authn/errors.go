package authn

import "fmt"

// Code identifies an authentication failure. The set is closed; transports
// map codes to HTTP statuses via HTTPStatus.
type Code string

const (
	CodeMalformedToken          Code = "MALFORMED_TOKEN"
	CodeUnknownIssuer           Code = "UNKNOWN_ISSUER"
	CodeUnknownKey              Code = "UNKNOWN_KEY"
	CodeBadSignature            Code = "BAD_SIGNATURE"
	CodeExpired                 Code = "EXPIRED"
	CodeNotYetValid             Code = "NOT_YET_VALID"
	CodeBadAudience             Code = "BAD_AUDIENCE"
	CodeBadAlgorithm            Code = "BAD_ALGORITHM"
	CodeClockSkew               Code = "CLOCK_SKEW"
	CodeAuthenticationRejected  Code = "AUTHENTICATION_REJECTED"
)

// Error is a typed authentication failure
type Error struct {
	Code    Code
	Message string

	// Detail carries internal context for audit; never surfaced to clients
	Detail error
}

// NewError creates a typed authentication error
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches internal detail for the audit trail
func (e *Error) WithDetail(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Detail: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Detail
}

// HTTPStatus returns the HTTP status hint for the error code
func (e *Error) HTTPStatus() int {
	if e.Code == CodeAuthenticationRejected {
		return 403
	}
	return 401
}
