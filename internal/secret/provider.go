package secret

import (
	"context"
	"errors"
)

// ErrNotFound signals that a provider does not hold the named secret and
// the resolution chain should try the next provider.
var ErrNotFound = errors.New("secret not found")

// Provider resolves named secrets from one backing store.
//
// A provider that does not hold the secret returns ErrNotFound; any other
// error is fatal and aborts the whole resolution chain, because a partially
// readable secret store must never silently degrade to "missing".
type Provider interface {
	// Name identifies the provider in errors and logs
	Name() string

	// Resolve returns the secret value for the given name
	Resolve(ctx context.Context, name string) (string, error)
}
