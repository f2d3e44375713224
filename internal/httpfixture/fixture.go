// Package httpfixture provides hermetic HTTP responses for tests: canned
// fixtures served through an http.RoundTripper, so components exercising
// JWKS endpoints and token endpoints never touch the network.
package httpfixture

import (
	"net/http"
	"time"
)

// Fixture is one canned HTTP response
type Fixture struct {
	// StatusCode is the response status
	StatusCode int

	// Headers are set on the response
	Headers map[string]string

	// Body is the response body
	Body string

	// Delay simulates latency before the response is produced
	Delay *time.Duration
}

// FixtureProvider maps requests to fixtures. Returning nil means the
// provider has no fixture for the request.
type FixtureProvider interface {
	GetFixture(req *http.Request) *Fixture
}

// ProviderFunc adapts a function to FixtureProvider
type ProviderFunc func(req *http.Request) *Fixture

func (f ProviderFunc) GetFixture(req *http.Request) *Fixture {
	return f(req)
}

// CompositeProvider consults providers in order and serves the first match
type CompositeProvider struct {
	providers []FixtureProvider
}

// NewCompositeProvider combines several providers
func NewCompositeProvider(providers ...FixtureProvider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (c *CompositeProvider) GetFixture(req *http.Request) *Fixture {
	for _, p := range c.providers {
		if fixture := p.GetFixture(req); fixture != nil {
			return fixture
		}
	}
	return nil
}
