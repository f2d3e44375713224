package authn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/time/rate"

	"github.com/project-umbra/warden/internal/mapper"
)

// Default validation bounds. Tolerance and max age are clamped to these
// ranges at construction time.
const (
	MinClockTolerance = 0
	MaxClockTolerance = 5 * time.Minute

	MinTokenAge     = 5 * time.Minute
	MaxTokenAge     = 2 * time.Hour
	DefaultTokenAge = 1 * time.Hour

	DefaultJWKSRefreshInterval = 15 * time.Minute

	// jwksFetchTimeout bounds every JWKS network operation
	jwksFetchTimeout = 10 * time.Second

	// kidRefreshInterval is the minimum spacing between forced JWKS
	// refreshes triggered by unknown key IDs. Protects the upstream from
	// a flood of garbage-kid tokens.
	kidRefreshInterval = 30 * time.Second
)

// allowedAlgorithms is the closed set of acceptable signing algorithms.
// Symmetric and unsigned algorithms are never acceptable for bearer tokens
// validated against a public key set.
var allowedAlgorithms = map[string]bool{
	"RS256": true,
	"ES256": true,
}

// SecurityConfig holds per-issuer validation hardening knobs
type SecurityConfig struct {
	// ClockTolerance is the acceptable skew for exp/nbf/iat checks
	// (0 to 5 minutes)
	ClockTolerance time.Duration

	// MaxTokenAge bounds iat-based token age (5 minutes to 2 hours,
	// default 1 hour)
	MaxTokenAge time.Duration

	// RequireNotBefore rejects tokens that do not carry an nbf claim
	RequireNotBefore bool
}

// ClaimMappings holds the compiled CEL extractors for an issuer's
// provider-specific claim shapes. Nil extractors fall back to well-known
// claim names.
type ClaimMappings struct {
	Roles          *mapper.CELExtractor
	Scopes         *mapper.CELExtractor
	Username       *mapper.CELExtractor
	LegacyUsername *mapper.CELExtractor
}

// IssuerConfig configures one trusted identity provider
type IssuerConfig struct {
	// Name is a short operator-chosen identifier for the provider
	Name string

	// Issuer is the expected iss claim value
	Issuer string

	// JWKSURL is the key set endpoint. If empty the standard OIDC
	// discovery location under the issuer is used.
	JWKSURL string

	// Audience is the expected aud claim value (this resource server's
	// identifier). Required.
	Audience string

	// Algorithms restricts acceptable signing algorithms. Only RS256 and
	// ES256 are permitted; empty means both.
	Algorithms []string

	// ClaimMappings are the compiled claim extractors for this provider
	ClaimMappings ClaimMappings

	// RoleMappings maps this provider's raw roles onto the primary taxonomy
	RoleMappings RoleMappings

	// Security holds the validation hardening knobs
	Security SecurityConfig

	// RefreshInterval for the JWKS cache (default: 15 minutes)
	RefreshInterval time.Duration

	// HTTPClient is an optional HTTP client for JWKS fetching. Useful for
	// testing with fixture transports.
	HTTPClient *http.Client
}

// Issuer is the runtime state for one trusted identity provider: its JWKS
// cache, algorithm allow-list, and validation settings.
type Issuer struct {
	name       string
	issuer     string
	jwksURL    string
	audience   string
	algorithms map[string]bool

	claimMappings ClaimMappings
	roleMappings  RoleMappings
	security      SecurityConfig

	cache *jwk.Cache

	// refreshLimiter spaces out forced refreshes on unknown-kid misses
	refreshLimiter *rate.Limiter
}

// NewIssuer validates the configuration, creates the JWKS cache, and
// performs the initial key fetch. Construction fails fast on an unreachable
// key set so misconfiguration surfaces at startup.
func NewIssuer(ctx context.Context, cfg IssuerConfig) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required for issuer %q", cfg.Issuer)
	}

	algorithms := make(map[string]bool)
	if len(cfg.Algorithms) == 0 {
		for alg := range allowedAlgorithms {
			algorithms[alg] = true
		}
	} else {
		for _, alg := range cfg.Algorithms {
			if !allowedAlgorithms[alg] {
				return nil, fmt.Errorf("algorithm %q is not permitted for issuer %q (allowed: RS256, ES256)", alg, cfg.Issuer)
			}
			algorithms[alg] = true
		}
	}

	security := cfg.Security
	if security.ClockTolerance < MinClockTolerance || security.ClockTolerance > MaxClockTolerance {
		return nil, fmt.Errorf("clock tolerance %s for issuer %q outside [0s, 5m]", security.ClockTolerance, cfg.Issuer)
	}
	if security.MaxTokenAge == 0 {
		security.MaxTokenAge = DefaultTokenAge
	}
	if security.MaxTokenAge < MinTokenAge || security.MaxTokenAge > MaxTokenAge {
		return nil, fmt.Errorf("max token age %s for issuer %q outside [5m, 2h]", security.MaxTokenAge, cfg.Issuer)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = DefaultJWKSRefreshInterval
	}

	cache, err := jwk.NewCache(context.Background(), httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	registerOpts := []jwk.RegisterOption{jwk.WithMinInterval(refreshInterval)}
	if cfg.HTTPClient != nil {
		registerOpts = append(registerOpts, jwk.WithHTTPClient(cfg.HTTPClient))
	}
	if err := cache.Register(context.Background(), jwksURL, registerOpts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS for issuer %q: %w", cfg.Issuer, err)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Issuer
	}

	return &Issuer{
		name:           name,
		issuer:         cfg.Issuer,
		jwksURL:        jwksURL,
		audience:       cfg.Audience,
		algorithms:     algorithms,
		claimMappings:  cfg.ClaimMappings,
		roleMappings:   cfg.RoleMappings,
		security:       security,
		cache:          cache,
		refreshLimiter: rate.NewLimiter(rate.Every(kidRefreshInterval), 1),
	}, nil
}

// Name returns the operator-chosen identifier for this provider
func (i *Issuer) Name() string { return i.name }

// IssuerURL returns the expected iss claim value
func (i *Issuer) IssuerURL() string { return i.issuer }

// Audience returns the expected aud claim value
func (i *Issuer) Audience() string { return i.audience }

// RoleMappings returns the role mapping configuration
func (i *Issuer) RoleMappings() RoleMappings { return i.roleMappings }

// Mappings returns the claim extractors
func (i *Issuer) Mappings() ClaimMappings { return i.claimMappings }

// keySet returns the current cached JWKS
func (i *Issuer) keySet(ctx context.Context) (jwk.Set, error) {
	return i.cache.Lookup(ctx, i.jwksURL)
}

// refreshKeySet forces a JWKS refetch, subject to the per-issuer refresh
// rate limit. Returns the refreshed set, or nil when the limit suppressed
// the refresh.
func (i *Issuer) refreshKeySet(ctx context.Context) (jwk.Set, error) {
	if !i.refreshLimiter.Allow() {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	return i.cache.Refresh(fetchCtx, i.jwksURL)
}
