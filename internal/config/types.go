// Package config loads, resolves, and materialises the application
// configuration: file, environment, and flag layering, secret descriptor
// resolution, and lazy construction of the wired components.
package config

// Config is the root configuration
type Config struct {
	// Server configures the HTTP front end
	Server ServerConfig `koanf:"server"`

	// Resource identifies this protected resource
	Resource ResourceConfig `koanf:"resource"`

	// Issuers are the trusted identity providers
	Issuers []IssuerConfig `koanf:"issuers"`

	// TokenExchange configures delegated token acquisition
	TokenExchange TokenExchangeConfig `koanf:"token_exchange"`

	// Cache configures the encrypted token cache
	Cache CacheConfig `koanf:"cache"`

	// Audit configures the audit log
	Audit AuditConfig `koanf:"audit"`

	// Secrets configures the secret resolution chain
	Secrets SecretsConfig `koanf:"secrets"`

	// Observability configures logging
	Observability ObservabilityConfig `koanf:"observability"`

	// Modules are the delegation modules to register
	Modules []ModuleConfig `koanf:"modules"`

	// DevMode relaxes the https requirement on the token endpoint and
	// issuer URLs. Never for production.
	DevMode bool `koanf:"dev_mode"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Addr is the listen address
	Addr string `koanf:"addr"`

	// PublicURL is the externally visible base URL
	PublicURL string `koanf:"public_url"`

	// ShutdownGraceSeconds bounds graceful shutdown
	ShutdownGraceSeconds int `koanf:"shutdown_grace_seconds"`
}

// ResourceConfig identifies this protected resource
type ResourceConfig struct {
	// Identifier is the resource identifier clients use as audience
	Identifier string `koanf:"identifier"`

	// Scopes advertises the scopes tools may require
	Scopes []string `koanf:"scopes"`
}

// IssuerConfig is the wire form of one trusted identity provider
type IssuerConfig struct {
	Name    string `koanf:"name"`
	Issuer  string `koanf:"issuer"`
	JWKSURL string `koanf:"jwks_url"`

	// Audience defaults to resource.identifier when empty
	Audience string `koanf:"audience"`

	// Algorithms restricts signing algorithms (RS256, ES256)
	Algorithms []string `koanf:"algorithms"`

	// RefreshIntervalMinutes spaces JWKS refreshes (default 15)
	RefreshIntervalMinutes int `koanf:"refresh_interval_minutes"`

	ClaimMappings ClaimMappingsConfig `koanf:"claim_mappings"`
	RoleMappings  RoleMappingsConfig  `koanf:"role_mappings"`
	Security      SecurityConfig      `koanf:"security"`
}

// ClaimMappingsConfig holds per-issuer CEL extraction scripts
type ClaimMappingsConfig struct {
	Roles          string `koanf:"roles"`
	Scopes         string `koanf:"scopes"`
	Username       string `koanf:"username"`
	LegacyUsername string `koanf:"legacy_username"`
}

// RoleMappingsConfig maps raw provider roles onto the primary taxonomy
type RoleMappingsConfig struct {
	Admin []string `koanf:"admin"`
	User  []string `koanf:"user"`
	Guest []string `koanf:"guest"`

	DefaultRole         string `koanf:"default_role"`
	RejectUnmappedRoles bool   `koanf:"reject_unmapped_roles"`
}

// SecurityConfig holds per-issuer validation hardening knobs
type SecurityConfig struct {
	ClockToleranceSeconds int  `koanf:"clock_tolerance_seconds"`
	MaxTokenAgeSeconds    int  `koanf:"max_token_age_seconds"`
	RequireNotBefore      bool `koanf:"require_nbf"`
}

// TokenExchangeConfig configures delegated token acquisition
type TokenExchangeConfig struct {
	Enabled  bool   `koanf:"enabled"`
	TokenURL string `koanf:"token_url"`
	ClientID string `koanf:"client_id"`

	// ClientSecret normally arrives as a {"$secret": name} descriptor and
	// is resolved before unmarshalling
	ClientSecret string `koanf:"client_secret"`

	ClientAuthInForm bool `koanf:"client_auth_in_form"`

	TimeoutSeconds    int `koanf:"timeout_seconds"`
	DefaultTTLSeconds int `koanf:"default_ttl_seconds"`

	// RateIntervalMillis and RateBurst shape the uncached per-session
	// limit
	RateIntervalMillis int `koanf:"rate_interval_millis"`
	RateBurst          int `koanf:"rate_burst"`
}

// CacheConfig configures the encrypted token cache
type CacheConfig struct {
	Enabled bool `koanf:"enabled"`

	MaxEntriesPerSession int `koanf:"max_entries_per_session"`
	MaxTotalEntries      int `koanf:"max_total_entries"`

	SessionIdleMinutes int `koanf:"session_idle_minutes"`
	SweepSeconds       int `koanf:"sweep_seconds"`
}

// AuditConfig configures the audit log
type AuditConfig struct {
	// MaxEntries bounds in-memory retention
	MaxEntries int `koanf:"max_entries"`
}

// SecretsConfig configures the secret resolution chain. Providers are
// consulted file, env, then kms.
type SecretsConfig struct {
	// EnvPrefix for environment secrets (default "WARDEN_SECRET_")
	EnvPrefix string `koanf:"env_prefix"`

	// Dir for file secrets (default /run/secrets)
	Dir string `koanf:"dir"`

	// KMS enables the AWS KMS provider
	KMS KMSSecretsConfig `koanf:"kms"`
}

// KMSSecretsConfig configures the AWS KMS secret provider
type KMSSecretsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Region  string `koanf:"region"`

	// Ciphertexts maps secret names to base64 KMS ciphertext blobs
	Ciphertexts map[string]string `koanf:"ciphertexts"`
}

// ObservabilityConfig configures logging
type ObservabilityConfig struct {
	// Type selects the observer: "logging", "noop" (default "logging")
	Type string `koanf:"type"`

	LogFormat string `koanf:"log_format"`
	LogLevel  string `koanf:"log_level"`

	// EventLevels overrides the level per event name
	EventLevels map[string]string `koanf:"event_levels"`
}

// ModuleConfig declares one delegation module and its invocation gate
type ModuleConfig struct {
	// Name is the registry key and the tool name exposing the module
	Name string `koanf:"name"`

	// Type selects the adapter: "sql", "kerberos", or "http"
	Type string `koanf:"type"`

	// Description is shown in tool listings
	Description string `koanf:"description"`

	// RequiredRoles gates invocation; any one suffices
	RequiredRoles []string `koanf:"required_roles"`

	// RequiredScopes gates invocation; all are required
	RequiredScopes []string `koanf:"required_scopes"`

	// Config is the adapter-specific subtree, decoded by the module
	Config map[string]any `koanf:"config"`
}
