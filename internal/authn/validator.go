package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/project-umbra/warden/internal/claims"
	"github.com/project-umbra/warden/internal/clock"
)

// Result is a successfully validated token
type Result struct {
	// Payload is the full decoded claim set
	Payload claims.Claims

	// Issuer is the trusted provider that signed the token
	Issuer *Issuer

	// KeyID is the kid the signature was verified with
	KeyID string

	// RawToken is the original compact serialization
	RawToken string

	// Subject is the token subject
	Subject string

	// ExpiresAt is the token expiry
	ExpiresAt time.Time
}

// Validator validates bearer tokens against a set of trusted issuers.
//
// Validation is strictly ordered so the cheapest checks run first and no
// signature work happens for tokens that are structurally broken, carry a
// forbidden algorithm, or name an untrusted issuer.
type Validator struct {
	issuers map[string]*Issuer
	clock   clock.Clock
}

// ValidatorConfig configures the validator
type ValidatorConfig struct {
	// Issuers are the trusted providers, keyed internally by iss URL
	Issuers []*Issuer

	// Clock is the time source (default: system clock)
	Clock clock.Clock
}

// NewValidator creates a validator over the given trusted issuers
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.Issuers) == 0 {
		return nil, fmt.Errorf("at least one trusted issuer is required")
	}

	issuers := make(map[string]*Issuer, len(cfg.Issuers))
	for _, iss := range cfg.Issuers {
		if _, dup := issuers[iss.issuer]; dup {
			return nil, fmt.Errorf("duplicate trusted issuer %q", iss.issuer)
		}
		issuers[iss.issuer] = iss
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &Validator{issuers: issuers, clock: clk}, nil
}

// Issuers returns the trusted issuers
func (v *Validator) Issuers() []*Issuer {
	out := make([]*Issuer, 0, len(v.issuers))
	for _, iss := range v.issuers {
		out = append(out, iss)
	}
	return out
}

// Validate checks a compact JWT end to end and returns the decoded result.
// Failures are always *Error values with a closed code.
//
// Order of checks:
//  1. compact structure (header parse)
//  2. algorithm allow-list, before any key fetch or signature check
//  3. issuer trust
//  4. key resolution by kid, with one rate-limited JWKS refresh on miss
//  5. signature, exp/nbf/aud/iss via the verified parse
//  6. iat freshness and nbf presence policy
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Result, error) {
	if rawToken == "" {
		return nil, NewError(CodeMalformedToken, "empty token")
	}

	msg, err := jws.Parse([]byte(rawToken))
	if err != nil {
		return nil, NewError(CodeMalformedToken, "token is not a valid JWS").WithDetail(err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, NewError(CodeMalformedToken, "token has no signature")
	}
	headers := sigs[0].ProtectedHeaders()

	alg, ok := headers.Algorithm()
	if !ok {
		return nil, NewError(CodeMalformedToken, "token header missing alg")
	}
	algName := alg.String()
	// Unsigned and symmetric algorithms are rejected before any issuer or
	// key work: a token carrying them is an attack, not a configuration
	// mismatch
	if algName == "none" || strings.HasPrefix(algName, "HS") {
		return nil, NewError(CodeBadAlgorithm, fmt.Sprintf("algorithm %q is not acceptable", algName))
	}

	issuerURL, err := peekIssuer(rawToken)
	if err != nil {
		return nil, NewError(CodeMalformedToken, "token payload is not decodable").WithDetail(err)
	}
	issuer, trusted := v.issuers[issuerURL]
	if !trusted {
		return nil, NewError(CodeUnknownIssuer, fmt.Sprintf("issuer %q is not trusted", issuerURL))
	}

	if !issuer.algorithms[algName] {
		return nil, NewError(CodeBadAlgorithm, fmt.Sprintf("algorithm %q is not acceptable for issuer %q", algName, issuerURL))
	}

	kid, ok := headers.KeyID()
	if !ok || kid == "" {
		return nil, NewError(CodeUnknownKey, "token header missing kid")
	}

	set, err := issuer.keySet(ctx)
	if err != nil {
		return nil, NewError(CodeUnknownKey, "key set unavailable").WithDetail(err)
	}
	if _, found := set.LookupKeyID(kid); !found {
		// The kid may belong to a freshly rotated key. One refresh attempt,
		// rate limited per issuer.
		refreshed, refreshErr := issuer.refreshKeySet(ctx)
		if refreshErr != nil {
			return nil, NewError(CodeUnknownKey, "key set refresh failed").WithDetail(refreshErr)
		}
		if refreshed != nil {
			set = refreshed
		}
		if _, found := set.LookupKeyID(kid); !found {
			return nil, NewError(CodeUnknownKey, fmt.Sprintf("no key %q for issuer %q", kid, issuerURL))
		}
	}

	token, err := jwt.Parse(
		[]byte(rawToken),
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer.issuer),
		jwt.WithAudience(issuer.audience),
		jwt.WithAcceptableSkew(issuer.security.ClockTolerance),
		jwt.WithClock(jwt.ClockFunc(func() time.Time {
			return v.clock.Now()
		})),
	)
	if err != nil {
		return nil, mapParseError(err)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, NewError(CodeMalformedToken, "token missing subject")
	}

	now := v.clock.Now()
	iat, ok := token.IssuedAt()
	if !ok {
		return nil, NewError(CodeMalformedToken, "token missing iat")
	}
	if iat.After(now.Add(issuer.security.ClockTolerance)) {
		return nil, NewError(CodeClockSkew, "token issued in the future")
	}
	if now.Sub(iat) > issuer.security.MaxTokenAge {
		return nil, NewError(CodeExpired, "token exceeds maximum age")
	}
	if issuer.security.RequireNotBefore {
		if _, ok := token.NotBefore(); !ok {
			return nil, NewError(CodeMalformedToken, "token missing nbf")
		}
	}

	payload, err := tokenClaims(token)
	if err != nil {
		return nil, NewError(CodeMalformedToken, "token claims are not decodable").WithDetail(err)
	}

	expiresAt, _ := token.Expiration()

	return &Result{
		Payload:   payload,
		Issuer:    issuer,
		KeyID:     kid,
		RawToken:  rawToken,
		Subject:   subject,
		ExpiresAt: expiresAt,
	}, nil
}

// peekIssuer decodes the payload without verification to read the iss claim.
// The value is only used to select the trust anchor; nothing from the
// unverified payload survives past the verified parse.
func peekIssuer(rawToken string) (string, error) {
	unverified, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", err
	}
	iss, ok := unverified.Issuer()
	if !ok || iss == "" {
		return "", fmt.Errorf("token missing issuer")
	}
	return iss, nil
}

// tokenClaims extracts the full claim set from a verified token
func tokenClaims(token jwt.Token) (claims.Claims, error) {
	serialized, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token claims: %w", err)
	}
	payload := claims.Claims{}
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	return payload, nil
}

// mapParseError maps verified-parse failures onto the closed code set
func mapParseError(err error) *Error {
	switch {
	case errors.Is(err, jwt.TokenExpiredError()):
		return NewError(CodeExpired, "token is expired").WithDetail(err)
	case errors.Is(err, jwt.TokenNotYetValidError()):
		return NewError(CodeNotYetValid, "token is not yet valid").WithDetail(err)
	case errors.Is(err, jwt.InvalidAudienceError()):
		return NewError(CodeBadAudience, "token audience does not match this resource").WithDetail(err)
	case errors.Is(err, jwt.InvalidIssuerError()):
		return NewError(CodeUnknownIssuer, "token issuer does not match").WithDetail(err)
	default:
		return NewError(CodeBadSignature, "token signature verification failed").WithDetail(err)
	}
}
