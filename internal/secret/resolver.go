package secret

import (
	"context"
	"errors"
	"fmt"
)

// DescriptorKey marks a configuration node as a secret reference:
// {"$secret": "name"} is replaced by the resolved value of "name".
const DescriptorKey = "$secret"

// Resolver resolves named secrets through an ordered provider chain
type Resolver struct {
	providers []Provider
}

// NewResolver creates a resolver over the given providers. Providers are
// consulted in order; the first one holding the secret wins.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

// Resolve returns the value for a named secret.
//
// A provider error other than ErrNotFound aborts immediately: a failing
// store must surface, not fall through to a weaker one. When every
// provider reports not-found the error names the secret and the chain so
// startup failures are diagnosable without guessing.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if len(r.providers) == 0 {
		return "", fmt.Errorf("secret %q cannot be resolved: no providers configured", name)
	}

	for _, p := range r.providers {
		value, err := p.Resolve(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("secret provider %q failed for %q: %w", p.Name(), name, err)
		}
	}

	return "", fmt.Errorf("secret %q not found in any provider (%s)", name, r.chainNames())
}

// ResolveObject walks a raw configuration tree and replaces every
// {"$secret": name} descriptor with the resolved value. Maps and slices are
// traversed recursively; all other values pass through unchanged.
//
// The operation is idempotent: a fully resolved tree contains no
// descriptors, so resolving it again returns an equal tree. Any resolution
// failure aborts the whole walk; a configuration with unresolvable secrets
// must never load.
func (r *Resolver) ResolveObject(ctx context.Context, raw any) (any, error) {
	switch node := raw.(type) {
	case map[string]any:
		if name, ok := descriptor(node); ok {
			value, err := r.Resolve(ctx, name)
			if err != nil {
				return nil, err
			}
			return value, nil
		}
		out := make(map[string]any, len(node))
		for k, v := range node {
			resolved, err := r.ResolveObject(ctx, v)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(node))
		for i, v := range node {
			resolved, err := r.ResolveObject(ctx, v)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return raw, nil
	}
}

// descriptor reports whether a map node is a secret descriptor. Only the
// exact single-key {"$secret": string} form counts; anything else is
// ordinary configuration.
func descriptor(node map[string]any) (string, bool) {
	if len(node) != 1 {
		return "", false
	}
	name, ok := node[DescriptorKey].(string)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (r *Resolver) chainNames() string {
	names := ""
	for i, p := range r.providers {
		if i > 0 {
			names += ", "
		}
		names += p.Name()
	}
	return names
}
