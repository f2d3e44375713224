package httpfixture

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"
)

// TokenEndpointFixture serves an RFC 8693 token endpoint: every valid
// exchange request gets back a token signed by the fixture's key, carrying
// the audience from the request and the claims configured per subject.
type TokenEndpointFixture struct {
	url    string
	signer *JWKSFixture

	mu sync.Mutex

	// claimsBySubject adds extra claims to the delegated token for a
	// given subject, e.g. legacy_name
	claimsBySubject map[string]map[string]any

	// failWith, when set, makes the endpoint answer with this status and
	// body instead of exchanging
	failStatus int
	failBody   string

	// requests counts exchange requests served, failures included
	requests int

	// tokenTTL is the lifetime of issued tokens (default 10 minutes)
	tokenTTL time.Duration
}

// TokenEndpointFixtureConfig configures the fixture
type TokenEndpointFixtureConfig struct {
	// URL is the token endpoint address
	URL string

	// Signer signs the delegated tokens
	Signer *JWKSFixture

	// TokenTTL is the issued token lifetime (default 10 minutes)
	TokenTTL time.Duration
}

// NewTokenEndpointFixture creates the fixture
func NewTokenEndpointFixture(cfg TokenEndpointFixtureConfig) (*TokenEndpointFixture, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenEndpointFixture{
		url:             cfg.URL,
		signer:          cfg.Signer,
		claimsBySubject: make(map[string]map[string]any),
		tokenTTL:        ttl,
	}, nil
}

// SetSubjectClaims configures extra claims for tokens issued to a subject
func (f *TokenEndpointFixture) SetSubjectClaims(subject string, claims map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimsBySubject[subject] = claims
}

// FailWith makes the endpoint answer every request with the given status
// and body until cleared with FailWith(0, "")
func (f *TokenEndpointFixture) FailWith(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
	f.failBody = body
}

// Requests returns how many exchange requests the fixture has served
func (f *TokenEndpointFixture) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// GetFixture implements FixtureProvider
func (f *TokenEndpointFixture) GetFixture(req *http.Request) *Fixture {
	if req.Method != http.MethodPost || req.URL.String() != f.url {
		return nil
	}

	f.mu.Lock()
	f.requests++
	failStatus, failBody := f.failStatus, f.failBody
	f.mu.Unlock()

	if failStatus != 0 {
		return &Fixture{
			StatusCode: failStatus,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       failBody,
		}
	}

	if err := req.ParseForm(); err != nil {
		return errorFixture("invalid_request", "form is not parseable")
	}
	if req.PostFormValue("grant_type") != "urn:ietf:params:oauth:grant-type:token-exchange" {
		return errorFixture("unsupported_grant_type", "only token exchange is supported")
	}
	subjectToken := req.PostFormValue("subject_token")
	if subjectToken == "" {
		return errorFixture("invalid_request", "subject_token is required")
	}
	audience := req.PostFormValue("audience")

	subject := subjectOf(subjectToken)
	f.mu.Lock()
	extra := f.claimsBySubject[subject]
	f.mu.Unlock()

	claims := map[string]any{
		"sub": subject,
		"aud": audience,
	}
	if scope := req.PostFormValue("scope"); scope != "" {
		claims["scope"] = scope
	}
	for key, value := range extra {
		claims[key] = value
	}

	expiry := f.signer.Clock().Now().Add(f.tokenTTL)
	delegated, err := f.signer.CreateAndSignTokenWithExpiry(claims, expiry)
	if err != nil {
		return &Fixture{StatusCode: 500, Body: fmt.Sprintf(`{"error": %q}`, err.Error())}
	}

	body, _ := json.Marshal(map[string]any{
		"access_token":      delegated,
		"issued_token_type": "urn:ietf:params:oauth:token-type:jwt",
		"token_type":        "Bearer",
		"expires_in":        int(f.tokenTTL.Seconds()),
	})

	return &Fixture{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// subjectOf reads the sub claim out of a subject token without
// verification; the fixture is not a real authorization server
func subjectOf(rawToken string) string {
	token, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "unknown"
	}
	if sub, ok := token.Subject(); ok && sub != "" {
		return sub
	}
	return "unknown"
}

func errorFixture(code, description string) *Fixture {
	body, _ := json.Marshal(map[string]string{
		"error":             code,
		"error_description": description,
	})
	return &Fixture{
		StatusCode: 400,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
