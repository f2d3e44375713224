package authn_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/clock"
	"github.com/project-umbra/warden/internal/httpfixture"
)

const (
	testIssuer   = "https://idp.test"
	testJWKSURL  = "https://idp.test/keys"
	testAudience = "https://warden.test"
)

// testHarness bundles the fixture pieces most validator tests need
type testHarness struct {
	fixture   *httpfixture.JWKSFixture
	validator *authn.Validator
	clock     *clock.FakeClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	fixture, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  testIssuer,
		JWKSURL: testJWKSURL,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create JWKS fixture: %v", err)
	}

	transport := httpfixture.NewTransport(httpfixture.TransportConfig{
		Provider: fixture,
		Strict:   true,
	})

	issuer, err := authn.NewIssuer(context.Background(), authn.IssuerConfig{
		Name:       "test-idp",
		Issuer:     testIssuer,
		JWKSURL:    testJWKSURL,
		Audience:   testAudience,
		HTTPClient: transport.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	validator, err := authn.NewValidator(authn.ValidatorConfig{
		Issuers: []*authn.Issuer{issuer},
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	return &testHarness{fixture: fixture, validator: validator, clock: clk}
}

func (h *testHarness) signToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	token, err := h.fixture.CreateAndSignToken(claims)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// assertCode fails unless err is an authentication error with the code
func assertCode(t *testing.T, err error, want authn.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	authErr, ok := err.(*authn.Error)
	if !ok {
		t.Fatalf("expected *authn.Error, got %T: %v", err, err)
	}
	if authErr.Code != want {
		t.Errorf("expected code %s, got %s (%s)", want, authErr.Code, authErr.Message)
	}
}

func TestValidator_ValidToken(t *testing.T) {
	h := newTestHarness(t)

	raw := h.signToken(t, map[string]any{
		"sub": "alice",
		"aud": testAudience,
	})

	result, err := h.validator.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("expected valid token, got error: %v", err)
	}
	if result.Subject != "alice" {
		t.Errorf("expected subject alice, got %q", result.Subject)
	}
	if result.Issuer.IssuerURL() != testIssuer {
		t.Errorf("expected issuer %q, got %q", testIssuer, result.Issuer.IssuerURL())
	}
	if result.RawToken != raw {
		t.Error("expected result to carry the raw token")
	}
	if result.Payload.String("sub") != "alice" {
		t.Errorf("expected payload sub claim, got %v", result.Payload["sub"])
	}
}

func TestValidator_EmptyToken(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.validator.Validate(context.Background(), "")
	assertCode(t, err, authn.CodeMalformedToken)
}

func TestValidator_GarbageToken(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.validator.Validate(context.Background(), "not-a-jwt-at-all")
	assertCode(t, err, authn.CodeMalformedToken)
}

func TestValidator_AlgorithmNone(t *testing.T) {
	h := newTestHarness(t)

	// Unsigned token: {"alg":"none"} header, empty signature part
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"alice","iss":"` + testIssuer + `"}`))
	raw := header + "." + payload + "."

	_, err := h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeBadAlgorithm)
}

func TestValidator_SymmetricAlgorithmRejected(t *testing.T) {
	h := newTestHarness(t)

	// HS256 downgrade: symmetric algorithms are never acceptable for a
	// resource server validating against a public key set
	symKey, err := jwk.Import([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("failed to import symmetric key: %v", err)
	}
	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, testIssuer)
	_ = token.Set(jwt.SubjectKey, "alice")
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), symKey))
	if err != nil {
		t.Fatalf("failed to sign HS256 token: %v", err)
	}

	_, err = h.validator.Validate(context.Background(), string(signed))
	assertCode(t, err, authn.CodeBadAlgorithm)
}

func TestValidator_UnknownIssuer(t *testing.T) {
	h := newTestHarness(t)

	rogue, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  "https://rogue.test",
		JWKSURL: "https://rogue.test/keys",
		Clock:   h.clock,
	})
	if err != nil {
		t.Fatalf("failed to create rogue fixture: %v", err)
	}
	raw, err := rogue.CreateAndSignToken(map[string]any{
		"sub": "alice",
		"aud": testAudience,
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeUnknownIssuer)
}

func TestValidator_UnknownKeyID(t *testing.T) {
	h := newTestHarness(t)

	// Same trusted issuer, but signed by a key the served JWKS does not
	// contain. The validator retries with a forced refresh, still misses,
	// and reports the unknown key.
	imposter, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  testIssuer,
		JWKSURL: testJWKSURL,
		KeyID:   "imposter-key",
		Clock:   h.clock,
	})
	if err != nil {
		t.Fatalf("failed to create imposter fixture: %v", err)
	}
	raw, err := imposter.CreateAndSignToken(map[string]any{
		"sub": "alice",
		"aud": testAudience,
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeUnknownKey)
}

func TestValidator_ExpiredToken(t *testing.T) {
	h := newTestHarness(t)

	raw := h.signToken(t, map[string]any{
		"sub": "alice",
		"aud": testAudience,
	})

	// Default expiry is one hour out
	h.clock.Advance(2 * time.Hour)

	_, err := h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeExpired)
}

func TestValidator_TokenTooOld(t *testing.T) {
	h := newTestHarness(t)

	// exp is fine but iat exceeds the maximum token age (default 1 hour)
	expiry := h.clock.Now().Add(6 * time.Hour)
	raw, err := h.fixture.CreateAndSignTokenWithExpiry(map[string]any{
		"sub": "alice",
		"aud": testAudience,
	}, expiry)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	h.clock.Advance(90 * time.Minute)

	_, err = h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeExpired)
}

func TestValidator_FutureIssuedAt(t *testing.T) {
	h := newTestHarness(t)

	raw := h.signToken(t, map[string]any{
		"sub": "alice",
		"aud": testAudience,
	})

	// Wind the validator's view of time backwards past the clock tolerance
	h.clock.SetTime(h.clock.Now().Add(-10 * time.Minute))

	_, err := h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeClockSkew)
}

func TestValidator_BadAudience(t *testing.T) {
	h := newTestHarness(t)

	raw := h.signToken(t, map[string]any{
		"sub": "alice",
		"aud": "https://some-other-service.test",
	})

	_, err := h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeBadAudience)
}

func TestValidator_MissingSubject(t *testing.T) {
	h := newTestHarness(t)

	raw := h.signToken(t, map[string]any{
		"aud": testAudience,
	})

	_, err := h.validator.Validate(context.Background(), raw)
	assertCode(t, err, authn.CodeMalformedToken)
}

func TestValidator_RequireNotBefore(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	fixture, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  testIssuer,
		JWKSURL: testJWKSURL,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create JWKS fixture: %v", err)
	}
	transport := httpfixture.NewTransport(httpfixture.TransportConfig{Provider: fixture, Strict: true})

	issuer, err := authn.NewIssuer(context.Background(), authn.IssuerConfig{
		Name:       "strict-idp",
		Issuer:     testIssuer,
		JWKSURL:    testJWKSURL,
		Audience:   testAudience,
		Security:   authn.SecurityConfig{RequireNotBefore: true},
		HTTPClient: transport.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	validator, err := authn.NewValidator(authn.ValidatorConfig{
		Issuers: []*authn.Issuer{issuer},
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	t.Run("token without nbf is rejected", func(t *testing.T) {
		raw, err := fixture.CreateAndSignToken(map[string]any{
			"sub": "alice",
			"aud": testAudience,
		})
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		_, err = validator.Validate(context.Background(), raw)
		assertCode(t, err, authn.CodeMalformedToken)
	})

	t.Run("token with nbf passes", func(t *testing.T) {
		raw, err := fixture.CreateAndSignToken(map[string]any{
			"sub": "alice",
			"aud": testAudience,
			"nbf": clk.Now().Unix(),
		})
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		if _, err := validator.Validate(context.Background(), raw); err != nil {
			t.Fatalf("expected valid token, got %v", err)
		}
	})
}

func TestNewIssuer_ConfigValidation(t *testing.T) {
	fixture, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  testIssuer,
		JWKSURL: testJWKSURL,
	})
	if err != nil {
		t.Fatalf("failed to create JWKS fixture: %v", err)
	}
	client := httpfixture.NewTransport(httpfixture.TransportConfig{Provider: fixture, Strict: true}).Client()

	base := authn.IssuerConfig{
		Name:       "test-idp",
		Issuer:     testIssuer,
		JWKSURL:    testJWKSURL,
		Audience:   testAudience,
		HTTPClient: client,
	}

	t.Run("missing audience", func(t *testing.T) {
		cfg := base
		cfg.Audience = ""
		if _, err := authn.NewIssuer(context.Background(), cfg); err == nil {
			t.Error("expected error for missing audience")
		}
	})

	t.Run("forbidden algorithm", func(t *testing.T) {
		cfg := base
		cfg.Algorithms = []string{"HS256"}
		if _, err := authn.NewIssuer(context.Background(), cfg); err == nil {
			t.Error("expected error for symmetric algorithm")
		}
	})

	t.Run("clock tolerance out of range", func(t *testing.T) {
		cfg := base
		cfg.Security.ClockTolerance = 10 * time.Minute
		if _, err := authn.NewIssuer(context.Background(), cfg); err == nil {
			t.Error("expected error for excessive clock tolerance")
		}
	})

	t.Run("max token age out of range", func(t *testing.T) {
		cfg := base
		cfg.Security.MaxTokenAge = 3 * time.Hour
		if _, err := authn.NewIssuer(context.Background(), cfg); err == nil {
			t.Error("expected error for excessive max token age")
		}
	})
}
