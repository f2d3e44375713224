// Package exchange performs RFC 8693 token exchange against an identity
// provider: the validated requestor token goes in, a downstream delegated
// token comes out.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/claims"
	"github.com/project-umbra/warden/internal/clock"
	"github.com/project-umbra/warden/internal/ratelimit"
	"github.com/project-umbra/warden/internal/tokencache"
)

const (
	// RFC 8693 grant and token type identifiers
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeJWT           = "urn:ietf:params:oauth:token-type:jwt"

	auditSource = "exchange:service"

	// DefaultTimeout bounds the token endpoint round trip
	DefaultTimeout = 10 * time.Second

	// DefaultTTL applies when the provider response carries no usable
	// lifetime
	DefaultTTL = 5 * time.Minute

	// minRemaining is the shortest residual lifetime a cached token may
	// have and still be served; anything closer to expiry is re-exchanged
	minRemaining = 5 * time.Second

	// maxResponseBytes caps how much of a provider response is read
	maxResponseBytes = 1 << 20
)

// Observer receives exchange lifecycle events
type Observer interface {
	// ExchangePerformed fires on success; cached is true for cache hits
	ExchangePerformed(audience string, cached bool)

	// ExchangeFailed fires when an exchange fails
	ExchangeFailed(code Code, reason string)
}

// NoopObserver discards all events
type NoopObserver struct{}

func (NoopObserver) ExchangePerformed(string, bool) {}
func (NoopObserver) ExchangeFailed(Code, string)    {}

// Request describes one delegated token acquisition
type Request struct {
	// SubjectToken is the requestor's validated bearer token
	SubjectToken string

	// Audience is the downstream resource the delegated token is for
	Audience string

	// Scopes are the requested downstream scopes
	Scopes []string

	// SessionID scopes the cache; empty disables caching for this call
	SessionID string

	// JWTSubject is the requestor's subject, for audit and cache session
	// bookkeeping
	JWTSubject string
}

// Result is a delegated token
type Result struct {
	// AccessToken is the downstream token in compact form
	AccessToken string

	// ExpiresAt is the effective expiry used for caching decisions
	ExpiresAt time.Time

	// Claims is the unverified decoded payload of the downstream token.
	// The token is used, not trusted: authorization already happened
	// against the requestor's verified token.
	Claims claims.Claims
}

// Config configures the exchange service
type Config struct {
	// TokenURL is the identity provider token endpoint. Must be https
	// unless AllowInsecure is set.
	TokenURL string

	// ClientID and ClientSecret authenticate this resource server to the
	// token endpoint. ClientSecret arrives already resolved.
	ClientID     string
	ClientSecret string

	// ClientAuthInForm sends credentials as form fields instead of HTTP
	// basic auth, for providers that do not accept basic
	ClientAuthInForm bool

	// AllowInsecure permits http:// token endpoints. Development only.
	AllowInsecure bool

	// Timeout bounds the token endpoint round trip (default 10s)
	Timeout time.Duration

	// DefaultTTL is the assumed lifetime when the provider reports none
	DefaultTTL time.Duration

	// Cache enables encrypted result caching. Nil disables caching and
	// enables the per-session rate limit instead.
	Cache *tokencache.Cache

	// RateInterval and RateBurst shape the uncached per-session limit
	// (default: one exchange per second, burst 5)
	RateInterval time.Duration
	RateBurst    int

	// Audit receives an entry per exchange attempt (default: no-op)
	Audit *audit.Service

	// Observer receives lifecycle events (default: NoopObserver)
	Observer Observer

	// Clock is the time source (default: system clock)
	Clock clock.Clock

	// HTTPClient overrides the transport, for testing with fixtures
	HTTPClient *http.Client
}

// Service performs token exchanges with caching and rate limiting
type Service struct {
	tokenURL         string
	clientID         string
	clientSecret     string
	clientAuthInForm bool
	defaultTTL       time.Duration

	cache   *tokencache.Cache
	limiter *ratelimit.Keyed

	httpClient *http.Client
	audit      *audit.Service
	observer   Observer
	clock      clock.Clock
}

// NewService validates the configuration and creates the exchange service.
// Endpoint scheme and credential presence are checked here so a broken
// delegation setup fails at startup, not on the first user request.
func NewService(cfg Config) (*Service, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	u, err := url.Parse(cfg.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("token URL is not valid: %w", err)
	}
	if u.Scheme != "https" && !(cfg.AllowInsecure && u.Scheme == "http") {
		return nil, NewError(CodeInsecure, "token endpoint must use https")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	auditSvc := cfg.Audit
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	var limiter *ratelimit.Keyed
	if cfg.Cache == nil {
		interval := cfg.RateInterval
		if interval <= 0 {
			interval = time.Second
		}
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 5
		}
		limiter = ratelimit.NewKeyed(interval, burst)
	}

	return &Service{
		tokenURL:         cfg.TokenURL,
		clientID:         cfg.ClientID,
		clientSecret:     cfg.ClientSecret,
		clientAuthInForm: cfg.ClientAuthInForm,
		defaultTTL:       defaultTTL,
		cache:            cfg.Cache,
		limiter:          limiter,
		httpClient:       httpClient,
		audit:            auditSvc,
		observer:         observer,
		clock:            clk,
	}, nil
}

// CacheKey derives the cache key for an audience and scope set. Scopes are
// sorted and deduplicated so equivalent requests share one entry.
func CacheKey(audience string, scopes []string) string {
	canonical := canonicalScope(scopes)
	return "te:" + audience + ":" + canonical
}

func canonicalScope(scopes []string) string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, part := range strings.Fields(s) {
			if !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// cachedToken is the plaintext stored in the encrypted cache
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Exchange acquires a delegated token for the request, serving from the
// encrypted cache when possible
func (s *Service) Exchange(ctx context.Context, req Request) (*Result, error) {
	if req.SubjectToken == "" {
		return nil, s.fail(req, NewError(CodeHTTP, "subject token is required"))
	}
	if req.Audience == "" {
		return nil, s.fail(req, NewError(CodeHTTP, "audience is required"))
	}

	cacheKey := CacheKey(req.Audience, req.Scopes)
	useCache := s.cache != nil && req.SessionID != ""

	if useCache {
		if err := s.cache.ActivateSession(req.SessionID, req.SubjectToken, req.JWTSubject); err != nil {
			return nil, s.fail(req, NewError(CodeHTTP, "cache session activation failed").WithDetail(err))
		}
		if result, ok := s.fromCache(req, cacheKey); ok {
			s.observer.ExchangePerformed(req.Audience, true)
			s.logExchange(req, true, true, "")
			return result, nil
		}
	} else if s.limiter != nil {
		if !s.limiter.Allow(req.SessionID + "|" + req.Audience) {
			return nil, s.fail(req, NewError(CodeRateLimited, "exchange rate exceeded for this session"))
		}
	}

	result, err := s.performExchange(ctx, req)
	if err != nil {
		return nil, s.fail(req, err)
	}

	if useCache {
		plaintext, marshalErr := json.Marshal(cachedToken{
			AccessToken: result.AccessToken,
			ExpiresAt:   result.ExpiresAt,
		})
		if marshalErr == nil {
			// Cache write failure is not a delegation failure; the fresh
			// token is still returned
			_ = s.cache.Set(req.SessionID, cacheKey, plaintext, result.ExpiresAt, req.SubjectToken)
		}
	}

	s.observer.ExchangePerformed(req.Audience, false)
	s.logExchange(req, true, false, "")
	return result, nil
}

// fromCache attempts to serve the request from the encrypted cache. Tokens
// within minRemaining of expiry are not served.
func (s *Service) fromCache(req Request, cacheKey string) (*Result, bool) {
	plaintext, ok := s.cache.Get(req.SessionID, cacheKey, req.SubjectToken)
	if !ok {
		return nil, false
	}

	var cached cachedToken
	if err := json.Unmarshal(plaintext, &cached); err != nil {
		return nil, false
	}
	if s.clock.Now().Add(minRemaining).After(cached.ExpiresAt) {
		return nil, false
	}

	payload, err := decodeTokenClaims(cached.AccessToken)
	if err != nil {
		return nil, false
	}

	return &Result{
		AccessToken: cached.AccessToken,
		ExpiresAt:   cached.ExpiresAt,
		Claims:      payload,
	}, true
}

// tokenResponse is the token endpoint success body
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

// performExchange runs the RFC 8693 request against the token endpoint
func (s *Service) performExchange(ctx context.Context, req Request) (*Result, *Error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeTokenExchange)
	form.Set("subject_token", req.SubjectToken)
	form.Set("subject_token_type", TokenTypeJWT)
	form.Set("audience", req.Audience)
	if scope := canonicalScope(req.Scopes); scope != "" {
		form.Set("scope", scope)
	}
	if s.clientAuthInForm {
		form.Set("client_id", s.clientID)
		form.Set("client_secret", s.clientSecret)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(CodeHTTP, "failed to build exchange request").WithDetail(err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !s.clientAuthInForm {
		httpReq.SetBasicAuth(url.QueryEscape(s.clientID), url.QueryEscape(s.clientSecret))
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, NewError(CodeTimeout, "token endpoint did not respond in time").WithDetail(err)
		}
		return nil, NewError(CodeHTTP, "token endpoint request failed").WithDetail(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(CodeHTTP, "failed to read token endpoint response").WithDetail(err)
	}

	if resp.StatusCode != http.StatusOK {
		// The raw provider body goes to audit via the detail, never to the
		// client-facing message
		detail := fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
		return nil, NewError(CodeIDPError, "identity provider rejected the exchange").WithDetail(detail)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, NewError(CodeIDPError, "identity provider response is not decodable").WithDetail(err)
	}
	if tr.AccessToken == "" {
		return nil, NewError(CodeIDPError, "identity provider response is missing the token")
	}

	payload, err := decodeTokenClaims(tr.AccessToken)
	if err != nil {
		return nil, NewError(CodeIDPError, "delegated token is not decodable").WithDetail(err)
	}

	return &Result{
		AccessToken: tr.AccessToken,
		ExpiresAt:   s.effectiveExpiry(payload, tr.ExpiresIn),
		Claims:      payload,
	}, nil
}

// effectiveExpiry is the earliest of the configured TTL, the response's
// expires_in, and the token's own exp. The configured TTL caps the
// lifetime even when the provider grants a longer-lived token.
func (s *Service) effectiveExpiry(payload claims.Claims, expiresIn int64) time.Time {
	now := s.clock.Now()

	expiresAt := now.Add(s.defaultTTL)
	if expiresIn > 0 {
		if reported := now.Add(time.Duration(expiresIn) * time.Second); reported.Before(expiresAt) {
			expiresAt = reported
		}
	}

	if exp, ok := payload["exp"].(float64); ok && exp > 0 {
		if tokenExp := time.Unix(int64(exp), 0); tokenExp.Before(expiresAt) {
			expiresAt = tokenExp
		}
	}

	return expiresAt
}

// delegatedClaims is the closed set of claims a delegated token exposes to
// modules. Everything else in the unverified payload is dropped.
var delegatedClaims = claims.NewAllowList("sub", "aud", "exp", "scope", "legacy_name", "roles", "permissions")

// decodeTokenClaims decodes a delegated token's payload without
// verification and narrows it to the delegated claim set. Delegated tokens
// are presented downstream, not trusted for local authorization.
func decodeTokenClaims(rawToken string) (claims.Claims, error) {
	token, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	payload := claims.Claims{}
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return nil, err
	}
	return delegatedClaims.Filter(payload), nil
}

// fail records the failure in the audit trail and notifies the observer
func (s *Service) fail(req Request, err *Error) *Error {
	s.observer.ExchangeFailed(err.Code, err.Message)

	detail := err.Message
	if err.Detail != nil {
		detail = err.Message + ": " + err.Detail.Error()
	}
	s.logExchange(req, false, false, detail)
	return err
}

func (s *Service) logExchange(req Request, success, cached bool, detail string) {
	entry := audit.Entry{
		Source:   auditSource,
		UserID:   req.JWTSubject,
		Action:   "token_exchange",
		Resource: req.Audience,
		Success:  success,
		Metadata: map[string]any{"cached": cached},
	}
	if !success {
		entry.Error = detail
	}
	_ = s.audit.Log(entry)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
