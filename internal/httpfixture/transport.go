package httpfixture

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/project-umbra/warden/internal/clock"
)

// Transport implements http.RoundTripper over a FixtureProvider
type Transport struct {
	provider FixtureProvider
	fallback http.RoundTripper
	strict   bool
	clock    clock.Clock
}

// TransportConfig configures the fixture transport
type TransportConfig struct {
	Provider FixtureProvider

	// Fallback handles requests with no fixture. Nil with Strict false
	// still fails such requests, just with a different error.
	Fallback http.RoundTripper

	// Strict fails any request without a fixture
	Strict bool

	// Clock is used for simulated delays (default: system clock)
	Clock clock.Clock
}

// NewTransport creates the fixture transport
func NewTransport(cfg TransportConfig) *Transport {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Transport{
		provider: cfg.Provider,
		fallback: cfg.Fallback,
		strict:   cfg.Strict,
		clock:    clk,
	}
}

// Client returns an http.Client using this transport
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	fixture := t.provider.GetFixture(req)
	if fixture != nil {
		if fixture.Delay != nil {
			t.clock.Sleep(*fixture.Delay)
		}
		return buildResponse(fixture, req), nil
	}

	if t.strict {
		return nil, fmt.Errorf("no fixture for request: %s %s", req.Method, req.URL)
	}
	if t.fallback != nil {
		return t.fallback.RoundTrip(req)
	}
	return nil, fmt.Errorf("no fixture and no fallback for request: %s %s", req.Method, req.URL)
}

func buildResponse(fixture *Fixture, req *http.Request) *http.Response {
	resp := &http.Response{
		StatusCode: fixture.StatusCode,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(fixture.Body)),
		Request:    req,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	for key, value := range fixture.Headers {
		resp.Header.Set(key, value)
	}
	return resp
}
