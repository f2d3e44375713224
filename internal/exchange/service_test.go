package exchange_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/clock"
	"github.com/project-umbra/warden/internal/exchange"
	"github.com/project-umbra/warden/internal/httpfixture"
	"github.com/project-umbra/warden/internal/observe"
	"github.com/project-umbra/warden/internal/tokencache"
)

const (
	tokenURL   = "https://idp.test/token"
	downstream = "https://reports.test"
)

type exchangeHarness struct {
	service  *exchange.Service
	endpoint *httpfixture.TokenEndpointFixture
	signer   *httpfixture.JWKSFixture
	audit    *audit.Service
	recorder *observe.Recorder
	clock    *clock.FakeClock
}

func newExchangeHarness(t *testing.T, mutate func(*exchange.Config)) *exchangeHarness {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	signer, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  "https://idp.test",
		JWKSURL: "https://idp.test/keys",
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	endpoint, err := httpfixture.NewTokenEndpointFixture(httpfixture.TokenEndpointFixtureConfig{
		URL:    tokenURL,
		Signer: signer,
	})
	if err != nil {
		t.Fatalf("failed to create token endpoint fixture: %v", err)
	}

	transport := httpfixture.NewTransport(httpfixture.TransportConfig{
		Provider: httpfixture.NewCompositeProvider(endpoint, signer),
		Strict:   true,
	})

	auditSvc := audit.NewService(audit.Config{MaxEntries: 100, Clock: clk})
	recorder := observe.NewRecorder()

	cfg := exchange.Config{
		TokenURL:     tokenURL,
		ClientID:     "warden",
		ClientSecret: "client-secret-value",
		Audit:        auditSvc,
		Observer:     recorder,
		Clock:        clk,
		HTTPClient:   transport.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	service, err := exchange.NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create exchange service: %v", err)
	}

	return &exchangeHarness{
		service:  service,
		endpoint: endpoint,
		signer:   signer,
		audit:    auditSvc,
		recorder: recorder,
		clock:    clk,
	}
}

func (h *exchangeHarness) subjectToken(t *testing.T) string {
	t.Helper()
	raw, err := h.signer.CreateAndSignToken(map[string]any{
		"sub": "alice",
		"aud": "https://warden.test",
	})
	if err != nil {
		t.Fatalf("failed to sign subject token: %v", err)
	}
	return raw
}

func assertExchangeCode(t *testing.T, err error, want exchange.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	exErr, ok := err.(*exchange.Error)
	if !ok {
		t.Fatalf("expected *exchange.Error, got %T: %v", err, err)
	}
	if exErr.Code != want {
		t.Errorf("expected code %s, got %s (%s)", want, exErr.Code, exErr.Message)
	}
}

func TestNewService_RequiresHTTPS(t *testing.T) {
	_, err := exchange.NewService(exchange.Config{
		TokenURL:     "http://idp.test/token",
		ClientID:     "warden",
		ClientSecret: "x",
	})
	assertExchangeCode(t, err, exchange.CodeInsecure)

	// Development mode permits plain HTTP
	_, err = exchange.NewService(exchange.Config{
		TokenURL:      "http://idp.test/token",
		ClientID:      "warden",
		ClientSecret:  "x",
		AllowInsecure: true,
	})
	if err != nil {
		t.Fatalf("expected insecure endpoint to be allowed in dev mode, got %v", err)
	}
}

func TestExchange_Success(t *testing.T) {
	h := newExchangeHarness(t, nil)

	result, err := h.service.Exchange(context.Background(), exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		Scopes:       []string{"reports:read"},
		JWTSubject:   "alice",
	})
	if err != nil {
		t.Fatalf("expected exchange to succeed, got %v", err)
	}

	if result.AccessToken == "" {
		t.Fatal("expected a delegated access token")
	}
	if result.Claims.String("sub") != "alice" {
		t.Errorf("expected delegated token to keep the subject, got %q", result.Claims.String("sub"))
	}
	if result.Claims.String("aud") != downstream {
		t.Errorf("expected delegated token audience %q, got %q", downstream, result.Claims.String("aud"))
	}
	if !result.ExpiresAt.After(h.clock.Now()) {
		t.Error("expected a future expiry")
	}
	if h.endpoint.Requests() != 1 {
		t.Errorf("expected one endpoint request, got %d", h.endpoint.Requests())
	}

	entries := h.audit.Query(audit.Query{Action: "token_exchange"})
	if len(entries) != 1 || !entries[0].Success {
		t.Errorf("expected one successful audit entry, got %v", entries)
	}
}

func TestExchange_CacheAvoidsSecondRoundTrip(t *testing.T) {
	h := newExchangeHarness(t, func(cfg *exchange.Config) {
		cfg.Cache = tokencache.New(tokencache.Config{})
	})

	req := exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		Scopes:       []string{"reports:read"},
		SessionID:    "sess-1",
		JWTSubject:   "alice",
	}

	first, err := h.service.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	second, err := h.service.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("second exchange failed: %v", err)
	}

	if h.endpoint.Requests() != 1 {
		t.Errorf("expected the second exchange to come from cache, endpoint saw %d requests", h.endpoint.Requests())
	}
	if first.AccessToken != second.AccessToken {
		t.Error("expected the cached token to match the original")
	}

	events := h.recorder.Named("exchange_performed")
	if len(events) != 2 {
		t.Fatalf("expected two exchange events, got %d", len(events))
	}
	if events[0].Fields["cached"] != false || events[1].Fields["cached"] != true {
		t.Errorf("expected cached=false then cached=true, got %v", events)
	}
}

func TestExchange_ScopeOrderSharesCacheEntry(t *testing.T) {
	h := newExchangeHarness(t, func(cfg *exchange.Config) {
		cfg.Cache = tokencache.New(tokencache.Config{})
	})

	subjectToken := h.subjectToken(t)
	base := exchange.Request{
		SubjectToken: subjectToken,
		Audience:     downstream,
		SessionID:    "sess-1",
		JWTSubject:   "alice",
	}

	first := base
	first.Scopes = []string{"b", "a"}
	second := base
	second.Scopes = []string{"a", "b", "a"}

	if _, err := h.service.Exchange(context.Background(), first); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	if _, err := h.service.Exchange(context.Background(), second); err != nil {
		t.Fatalf("second exchange failed: %v", err)
	}

	if h.endpoint.Requests() != 1 {
		t.Errorf("expected canonicalised scopes to share one cache entry, endpoint saw %d requests", h.endpoint.Requests())
	}
}

func TestExchange_NearExpiryBypassesCache(t *testing.T) {
	// The TTL matches the fixture token lifetime so the cached entry is
	// still alive when the clock reaches the residual-lifetime floor
	h := newExchangeHarness(t, func(cfg *exchange.Config) {
		cfg.Cache = tokencache.New(tokencache.Config{})
		cfg.DefaultTTL = 10 * time.Minute
	})

	req := exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		SessionID:    "sess-1",
		JWTSubject:   "alice",
	}

	if _, err := h.service.Exchange(context.Background(), req); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	// Advance to within the residual-lifetime floor of the cached token
	// (fixture tokens live 10 minutes)
	h.clock.Advance(10*time.Minute - 2*time.Second)

	if _, err := h.service.Exchange(context.Background(), req); err != nil {
		t.Fatalf("second exchange failed: %v", err)
	}
	if h.endpoint.Requests() != 2 {
		t.Errorf("expected a fresh exchange for a nearly expired cached token, endpoint saw %d requests", h.endpoint.Requests())
	}
}

func TestExchange_ConfiguredTTLCapsProviderLifetime(t *testing.T) {
	// Fixture tokens live 10 minutes; the configured TTL must cap the
	// effective expiry anyway
	h := newExchangeHarness(t, func(cfg *exchange.Config) {
		cfg.DefaultTTL = time.Minute
	})

	result, err := h.service.Exchange(context.Background(), exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		JWTSubject:   "alice",
	})
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	want := h.clock.Now().Add(time.Minute)
	if !result.ExpiresAt.Equal(want) {
		t.Errorf("expected the configured TTL to cap the expiry at %v, got %v", want, result.ExpiresAt)
	}
}

func TestExchange_DelegatedClaimsAreNarrowed(t *testing.T) {
	h := newExchangeHarness(t, nil)

	result, err := h.service.Exchange(context.Background(), exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		Scopes:       []string{"reports:read"},
		JWTSubject:   "alice",
	})
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	if result.Claims.String("sub") != "alice" || result.Claims.String("aud") != downstream {
		t.Errorf("expected the delegated identity claims to survive, got %v", result.Claims)
	}
	for _, dropped := range []string{"iss", "iat"} {
		if _, ok := result.Claims[dropped]; ok {
			t.Errorf("expected claim %q to be dropped from the delegated payload", dropped)
		}
	}
}

func TestExchange_ProviderErrorIsSanitised(t *testing.T) {
	h := newExchangeHarness(t, nil)

	h.endpoint.FailWith(502, `{"error":"server_error","error_description":"ldap backend 10.0.0.5 unreachable"}`)

	_, err := h.service.Exchange(context.Background(), exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		JWTSubject:   "alice",
	})
	assertExchangeCode(t, err, exchange.CodeIDPError)

	// The provider response body stays out of the client-facing error
	exErr := err.(*exchange.Error)
	if strings.Contains(exErr.Message, "ldap") || strings.Contains(exErr.Message, "10.0.0.5") {
		t.Errorf("expected provider body to be withheld from the message, got %q", exErr.Message)
	}

	// The audit trail keeps the full detail
	entries := h.audit.Query(audit.Query{Action: "token_exchange"})
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if entries[0].Success {
		t.Error("expected a failed audit entry")
	}
	if !strings.Contains(entries[0].Error, "ldap backend") {
		t.Errorf("expected audit entry to carry the provider detail, got %q", entries[0].Error)
	}
}

func TestExchange_RateLimitWithoutCache(t *testing.T) {
	h := newExchangeHarness(t, func(cfg *exchange.Config) {
		cfg.RateInterval = time.Minute
		cfg.RateBurst = 1
	})

	req := exchange.Request{
		SubjectToken: h.subjectToken(t),
		Audience:     downstream,
		SessionID:    "sess-1",
		JWTSubject:   "alice",
	}

	if _, err := h.service.Exchange(context.Background(), req); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	_, err := h.service.Exchange(context.Background(), req)
	assertExchangeCode(t, err, exchange.CodeRateLimited)
}

func TestCacheKey_Canonicalisation(t *testing.T) {
	a := exchange.CacheKey("https://api.test", []string{"write read", "read"})
	b := exchange.CacheKey("https://api.test", []string{"read", "write"})
	if a != b {
		t.Errorf("expected canonicalised keys to match, got %q and %q", a, b)
	}

	c := exchange.CacheKey("https://other.test", []string{"read", "write"})
	if a == c {
		t.Error("expected different audiences to produce different keys")
	}
}
