package exchange

import "fmt"

// Code identifies a token exchange failure. Messages attached to these
// codes are client-safe; raw identity provider responses and tokens only
// ever reach the audit trail.
type Code string

const (
	// CodeInsecure means the token endpoint is not an https URL
	CodeInsecure Code = "TOKEN_EXCHANGE_INSECURE"

	// CodeHTTP means the exchange request could not be performed
	CodeHTTP Code = "TOKEN_EXCHANGE_HTTP"

	// CodeIDPError means the identity provider returned an error response
	CodeIDPError Code = "TOKEN_EXCHANGE_IDP_ERROR"

	// CodeTimeout means the exchange did not complete in time
	CodeTimeout Code = "TOKEN_EXCHANGE_TIMEOUT"

	// CodeRateLimited means the per-session exchange rate was exceeded
	CodeRateLimited Code = "TOKEN_EXCHANGE_RATE_LIMITED"
)

// Error is a typed token exchange failure
type Error struct {
	Code    Code
	Message string

	// Detail carries internal context for audit; never surfaced to clients
	Detail error
}

// NewError creates a typed exchange error
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
