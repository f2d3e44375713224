package httpfixture

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/project-umbra/warden/internal/clock"
)

// JWKSFixture serves a generated key set at a JWKS URL and signs test
// tokens with the corresponding private key
type JWKSFixture struct {
	issuer     string
	jwksURL    string
	privateKey *rsa.PrivateKey
	publicKey  jwk.Key
	keyID      string
	algorithm  jwa.SignatureAlgorithm
	jwks       jwk.Set
	clock      clock.Clock
}

// JWKSFixtureConfig configures a JWKS fixture
type JWKSFixtureConfig struct {
	// Issuer is the iss claim value for signed tokens
	Issuer string

	// JWKSURL is where the key set is served
	JWKSURL string

	// KeyID is the kid (default "test-key-1")
	KeyID string

	// Algorithm is the signing algorithm (default RS256)
	Algorithm jwa.SignatureAlgorithm

	// Clock is the time source for token timestamps
	Clock clock.Clock
}

// NewJWKSFixture generates an RSA key pair and builds the fixture
func NewJWKSFixture(cfg JWKSFixtureConfig) (*JWKSFixture, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url is required")
	}

	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "test-key-1"
	}
	algorithm := cfg.Algorithm
	if algorithm == jwa.EmptySignatureAlgorithm() {
		algorithm = jwa.RS256()
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	publicKey, err := jwk.Import(privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	if err := publicKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := publicKey.Set(jwk.AlgorithmKey, algorithm); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}

	jwks := jwk.NewSet()
	if err := jwks.AddKey(publicKey); err != nil {
		return nil, fmt.Errorf("failed to add key to JWKS: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &JWKSFixture{
		issuer:     cfg.Issuer,
		jwksURL:    cfg.JWKSURL,
		privateKey: privateKey,
		publicKey:  publicKey,
		keyID:      keyID,
		algorithm:  algorithm,
		jwks:       jwks,
		clock:      clk,
	}, nil
}

// GetFixture serves the key set for requests to the JWKS URL
func (f *JWKSFixture) GetFixture(req *http.Request) *Fixture {
	if req.URL.String() != f.jwksURL {
		return nil
	}

	jwksJSON, err := json.Marshal(f.jwks)
	if err != nil {
		return &Fixture{
			StatusCode: 500,
			Body:       fmt.Sprintf(`{"error": "failed to serialize JWKS: %v"}`, err),
		}
	}

	return &Fixture{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(jwksJSON),
	}
}

// Issuer returns the issuer URL
func (f *JWKSFixture) Issuer() string { return f.issuer }

// JWKSURL returns the served key set URL
func (f *JWKSFixture) JWKSURL() string { return f.jwksURL }

// KeyID returns the kid
func (f *JWKSFixture) KeyID() string { return f.keyID }

// Clock returns the fixture's time source
func (f *JWKSFixture) Clock() clock.Clock { return f.clock }

// SignToken signs a prepared token with the fixture key
func (f *JWKSFixture) SignToken(token jwt.Token) (string, error) {
	key, err := jwk.Import(f.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to create JWK from private key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, f.keyID); err != nil {
		return "", fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, f.algorithm); err != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(f.algorithm, key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// CreateAndSignToken signs a token carrying the given claims. iss and iat
// come from the fixture; exp defaults to one hour out.
func (f *JWKSFixture) CreateAndSignToken(claims map[string]any) (string, error) {
	return f.CreateAndSignTokenWithExpiry(claims, f.clock.Now().Add(time.Hour))
}

// CreateAndSignTokenWithExpiry signs a token with an explicit expiry
func (f *JWKSFixture) CreateAndSignTokenWithExpiry(claims map[string]any, expiry time.Time) (string, error) {
	token := jwt.New()

	now := f.clock.Now()
	if err := token.Set(jwt.IssuedAtKey, now); err != nil {
		return "", fmt.Errorf("failed to set iat: %w", err)
	}
	if err := token.Set(jwt.ExpirationKey, expiry); err != nil {
		return "", fmt.Errorf("failed to set exp: %w", err)
	}
	if err := token.Set(jwt.IssuerKey, f.issuer); err != nil {
		return "", fmt.Errorf("failed to set iss: %w", err)
	}

	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", key, err)
		}
	}

	return f.SignToken(token)
}
