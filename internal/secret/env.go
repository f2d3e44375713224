package secret

import (
	"context"
	"os"
	"strings"
)

// EnvProvider resolves secrets from environment variables. The secret name
// is upper-cased, dashes become underscores, and the configured prefix is
// prepended: "idp-client-secret" with prefix "WARDEN_SECRET_" reads
// WARDEN_SECRET_IDP_CLIENT_SECRET.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment variable provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	key := p.prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}
