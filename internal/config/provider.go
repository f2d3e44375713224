package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/authz"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/delegation/httpdelegate"
	"github.com/project-umbra/warden/internal/delegation/krbdelegate"
	"github.com/project-umbra/warden/internal/delegation/sqldelegate"
	"github.com/project-umbra/warden/internal/exchange"
	"github.com/project-umbra/warden/internal/mapper"
	"github.com/project-umbra/warden/internal/metadata"
	"github.com/project-umbra/warden/internal/observe"
	"github.com/project-umbra/warden/internal/secret"
	"github.com/project-umbra/warden/internal/server"
	"github.com/project-umbra/warden/internal/tokencache"
)

// Provider constructs all application components from configuration.
// This is the main entry point for building a configured warden instance.
type Provider struct {
	config *Config

	// Lazily constructed components (cached after first call)
	secretResolver *secret.Resolver
	logger         *slog.Logger
	observer       observe.Observer
	auditService   *audit.Service
	issuers        []*authn.Issuer
	validator      *authn.Validator
	authService    *authn.Service
	tokenCache     *tokencache.Cache
	cacheBuilt     bool
	exchangeSvc    *exchange.Service
	exchangeBuilt  bool
	registry       *delegation.Registry
	registryBuilt  bool
	toolSet        *authz.ToolSet

	// httpClient overrides the transport for all outbound HTTP, for
	// hermetic testing with fixtures
	httpClient *http.Client
}

// NewProvider creates a new provider from configuration
func NewProvider(config *Config) *Provider {
	return &Provider{config: config}
}

// SetObserver sets the application observer for all components built by
// this provider. Must be called before AuthService() or anything that
// depends on the observer.
func (p *Provider) SetObserver(observer observe.Observer) {
	p.observer = observer
}

// SetHTTPClient overrides the HTTP client used for JWKS fetching and token
// exchange. Must be called before Issuers() or ExchangeService().
func (p *Provider) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// Config returns the raw configuration
func (p *Provider) Config() *Config {
	return p.config
}

// SecretResolver returns the configured secret resolution chain:
// files, environment, then KMS when enabled
func (p *Provider) SecretResolver(ctx context.Context) (*secret.Resolver, error) {
	if p.secretResolver != nil {
		return p.secretResolver, nil
	}

	resolver, err := NewSecretResolver(ctx, p.config.Secrets)
	if err != nil {
		return nil, err
	}
	p.secretResolver = resolver
	return resolver, nil
}

// NewSecretResolver builds the secret resolution chain from the secrets
// subtree alone: files, environment, then KMS when enabled. Used at
// bootstrap, before the full configuration can be decoded.
func NewSecretResolver(ctx context.Context, cfg SecretsConfig) (*secret.Resolver, error) {
	envPrefix := cfg.EnvPrefix
	if envPrefix == "" {
		envPrefix = "WARDEN_SECRET_"
	}

	providers := []secret.Provider{
		secret.NewFileProvider(cfg.Dir),
		secret.NewEnvProvider(envPrefix),
	}

	if cfg.KMS.Enabled {
		kms, err := secret.NewKMSProvider(ctx, secret.KMSProviderConfig{
			Region:      cfg.KMS.Region,
			Ciphertexts: cfg.KMS.Ciphertexts,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS secret provider: %w", err)
		}
		providers = append(providers, kms)
	}

	return secret.NewResolver(providers...), nil
}

// Logger returns the application logger
func (p *Provider) Logger() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	p.logger = observe.NewLogger(observe.LoggerConfig{
		Format:      p.config.Observability.LogFormat,
		Level:       p.config.Observability.LogLevel,
		EventLevels: p.config.Observability.EventLevels,
	})
	return p.logger
}

// Observer returns the configured application observer. If SetObserver was
// called, returns that observer; otherwise builds one from config.
func (p *Provider) Observer() observe.Observer {
	if p.observer != nil {
		return p.observer
	}

	switch p.config.Observability.Type {
	case "noop":
		p.observer = observe.Noop{}
	default:
		p.observer = observe.NewLogging(p.Logger())
	}
	return p.observer
}

// Audit returns the audit service
func (p *Provider) Audit() *audit.Service {
	if p.auditService != nil {
		return p.auditService
	}
	p.auditService = audit.NewService(audit.Config{
		MaxEntries: p.config.Audit.MaxEntries,
	})
	return p.auditService
}

// Issuers builds the trusted identity providers. Construction performs the
// initial JWKS fetch per issuer, so an unreachable provider fails startup.
func (p *Provider) Issuers(ctx context.Context) ([]*authn.Issuer, error) {
	if p.issuers != nil {
		return p.issuers, nil
	}
	if len(p.config.Issuers) == 0 {
		return nil, fmt.Errorf("at least one trusted issuer must be configured")
	}

	issuers := make([]*authn.Issuer, 0, len(p.config.Issuers))
	for _, issuerCfg := range p.config.Issuers {
		issuer, err := p.buildIssuer(ctx, issuerCfg)
		if err != nil {
			return nil, fmt.Errorf("issuer %q: %w", issuerCfg.Name, err)
		}
		issuers = append(issuers, issuer)
	}

	p.issuers = issuers
	return issuers, nil
}

func (p *Provider) buildIssuer(ctx context.Context, cfg IssuerConfig) (*authn.Issuer, error) {
	mappings, err := buildClaimMappings(cfg.ClaimMappings)
	if err != nil {
		return nil, err
	}

	audience := cfg.Audience
	if audience == "" {
		audience = p.config.Resource.Identifier
	}

	return authn.NewIssuer(ctx, authn.IssuerConfig{
		Name:       cfg.Name,
		Issuer:     cfg.Issuer,
		JWKSURL:    cfg.JWKSURL,
		Audience:   audience,
		Algorithms: cfg.Algorithms,

		ClaimMappings: mappings,
		RoleMappings: authn.RoleMappings{
			Admin:               cfg.RoleMappings.Admin,
			User:                cfg.RoleMappings.User,
			Guest:               cfg.RoleMappings.Guest,
			DefaultRole:         authn.ParseRole(cfg.RoleMappings.DefaultRole),
			RejectUnmappedRoles: cfg.RoleMappings.RejectUnmappedRoles,
		},
		Security: authn.SecurityConfig{
			ClockTolerance:   time.Duration(cfg.Security.ClockToleranceSeconds) * time.Second,
			MaxTokenAge:      time.Duration(cfg.Security.MaxTokenAgeSeconds) * time.Second,
			RequireNotBefore: cfg.Security.RequireNotBefore,
		},

		RefreshInterval: time.Duration(cfg.RefreshIntervalMinutes) * time.Minute,
		HTTPClient:      p.httpClient,
	})
}

// buildClaimMappings compiles the configured CEL extraction scripts.
// Empty scripts leave the extractor nil, falling back to well-known claims.
func buildClaimMappings(cfg ClaimMappingsConfig) (authn.ClaimMappings, error) {
	var mappings authn.ClaimMappings

	compile := func(field, script string) (*mapper.CELExtractor, error) {
		if script == "" {
			return nil, nil
		}
		extractor, err := mapper.NewCELExtractor(script)
		if err != nil {
			return nil, fmt.Errorf("claim mapping %s: %w", field, err)
		}
		return extractor, nil
	}

	var err error
	if mappings.Roles, err = compile("roles", cfg.Roles); err != nil {
		return mappings, err
	}
	if mappings.Scopes, err = compile("scopes", cfg.Scopes); err != nil {
		return mappings, err
	}
	if mappings.Username, err = compile("username", cfg.Username); err != nil {
		return mappings, err
	}
	if mappings.LegacyUsername, err = compile("legacy_username", cfg.LegacyUsername); err != nil {
		return mappings, err
	}
	return mappings, nil
}

// Validator returns the token validator over all trusted issuers
func (p *Provider) Validator(ctx context.Context) (*authn.Validator, error) {
	if p.validator != nil {
		return p.validator, nil
	}

	issuers, err := p.Issuers(ctx)
	if err != nil {
		return nil, err
	}

	validator, err := authn.NewValidator(authn.ValidatorConfig{Issuers: issuers})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	p.validator = validator
	return validator, nil
}

// AuthService returns the authentication service
func (p *Provider) AuthService(ctx context.Context) (*authn.Service, error) {
	if p.authService != nil {
		return p.authService, nil
	}

	validator, err := p.Validator(ctx)
	if err != nil {
		return nil, err
	}

	service, err := authn.NewService(authn.ServiceConfig{
		Validator: validator,
		Audit:     p.Audit(),
		Observer:  p.Observer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authentication service: %w", err)
	}

	p.authService = service
	return service, nil
}

// TokenCache returns the encrypted token cache, or nil when disabled.
// The caller owns Run and Close.
func (p *Provider) TokenCache() *tokencache.Cache {
	if p.cacheBuilt {
		return p.tokenCache
	}
	p.cacheBuilt = true

	if !p.config.Cache.Enabled {
		return nil
	}

	p.tokenCache = tokencache.New(tokencache.Config{
		MaxEntriesPerSession: p.config.Cache.MaxEntriesPerSession,
		MaxTotalEntries:      p.config.Cache.MaxTotalEntries,
		SessionIdleTimeout:   time.Duration(p.config.Cache.SessionIdleMinutes) * time.Minute,
		SweepInterval:        time.Duration(p.config.Cache.SweepSeconds) * time.Second,
	})
	return p.tokenCache
}

// ExchangeService returns the token exchange service, or nil when token
// exchange is not configured
func (p *Provider) ExchangeService() (*exchange.Service, error) {
	if p.exchangeBuilt {
		return p.exchangeSvc, nil
	}

	if !p.config.TokenExchange.Enabled {
		p.exchangeBuilt = true
		return nil, nil
	}

	cfg := p.config.TokenExchange
	service, err := exchange.NewService(exchange.Config{
		TokenURL:         cfg.TokenURL,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		ClientAuthInForm: cfg.ClientAuthInForm,
		AllowInsecure:    p.config.DevMode,

		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		DefaultTTL: time.Duration(cfg.DefaultTTLSeconds) * time.Second,

		Cache:        p.TokenCache(),
		RateInterval: time.Duration(cfg.RateIntervalMillis) * time.Millisecond,
		RateBurst:    cfg.RateBurst,

		Audit:      p.Audit(),
		Observer:   p.Observer(),
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange service: %w", err)
	}

	p.exchangeSvc = service
	p.exchangeBuilt = true
	return service, nil
}

// Registry builds the delegation registry and initializes every configured
// module. Module initialization failures fail startup.
func (p *Provider) Registry(ctx context.Context) (*delegation.Registry, error) {
	if p.registryBuilt {
		return p.registry, nil
	}

	registry := delegation.NewRegistry(delegation.RegistryConfig{
		Audit:    p.Audit(),
		Observer: p.Observer(),
	})

	for _, moduleCfg := range p.config.Modules {
		module, err := p.buildModule(moduleCfg)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", moduleCfg.Name, err)
		}
		if err := module.Initialize(ctx, moduleCfg.Config); err != nil {
			return nil, fmt.Errorf("module %q: initialization failed: %w", moduleCfg.Name, err)
		}
		if err := registry.Register(module); err != nil {
			return nil, err
		}
	}

	p.registry = registry
	p.registryBuilt = true
	return registry, nil
}

func (p *Provider) buildModule(cfg ModuleConfig) (delegation.Module, error) {
	switch cfg.Type {
	case "sql":
		return sqldelegate.New(cfg.Name), nil
	case "kerberos":
		return krbdelegate.New(cfg.Name), nil
	case "http":
		if p.httpClient != nil {
			return httpdelegate.NewWithClient(cfg.Name, p.httpClient), nil
		}
		return httpdelegate.New(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown module type %q (supported: sql, kerberos, http)", cfg.Type)
	}
}

// ToolSet builds the tool set: one tool per delegation module, gated by the
// module's configured roles and scopes
func (p *Provider) ToolSet(ctx context.Context) (*authz.ToolSet, error) {
	if p.toolSet != nil {
		return p.toolSet, nil
	}

	registry, err := p.Registry(ctx)
	if err != nil {
		return nil, err
	}
	exchanger, err := p.ExchangeService()
	if err != nil {
		return nil, err
	}

	toolSet := authz.NewToolSet(p.Audit())
	for _, moduleCfg := range p.config.Modules {
		tool := moduleTool(moduleCfg, registry, exchanger)
		if err := toolSet.Register(tool); err != nil {
			return nil, err
		}
	}

	p.toolSet = toolSet
	return toolSet, nil
}

// moduleTool wraps one delegation module as an invokable tool
func moduleTool(cfg ModuleConfig, registry *delegation.Registry, exchanger *exchange.Service) *authz.Tool {
	name := cfg.Name
	description := cfg.Description
	if description == "" {
		description = fmt.Sprintf("%s delegation", cfg.Type)
	}

	return &authz.Tool{
		Name:           name,
		Description:    description,
		RequiredRoles:  cfg.RequiredRoles,
		RequiredScopes: cfg.RequiredScopes,
		Handle: func(ctx context.Context, session *authn.UserSession, params map[string]any) (any, *authz.Error) {
			action, _ := params["action"].(string)
			if action == "" {
				return nil, authz.NewError(http.StatusBadRequest, authz.CodeInvalidInput, "action is required")
			}
			actionParams, _ := params["params"].(map[string]any)

			dctx := &delegation.Context{SessionID: session.SessionID}
			if exchanger != nil {
				dctx.Exchanger = exchanger
			}

			result, err := registry.Delegate(ctx, name, session, action, actionParams, dctx)
			if err != nil {
				return nil, authz.NewError(http.StatusBadGateway, authz.CodeDelegationFailed, "delegation failed").WithDetail(err)
			}
			if !result.Success {
				if result.Error == delegation.ErrorModuleNotFound {
					return nil, authz.NewError(http.StatusNotFound, authz.CodeModuleNotAvailable, "module is not available")
				}
				return nil, authz.NewError(http.StatusBadGateway, authz.CodeDelegationFailed, result.Error)
			}
			return result.Data, nil
		},
	}
}

// Metadata builds the protected resource metadata document
func (p *Provider) Metadata() (metadata.Document, error) {
	authServers := make([]string, 0, len(p.config.Issuers))
	for _, issuerCfg := range p.config.Issuers {
		authServers = append(authServers, issuerCfg.Issuer)
	}
	return metadata.New(p.config.Resource.Identifier, authServers, p.config.Resource.Scopes)
}

// Server builds the fully wired HTTP server
func (p *Provider) Server(ctx context.Context) (*server.Server, error) {
	authService, err := p.AuthService(ctx)
	if err != nil {
		return nil, err
	}
	toolSet, err := p.ToolSet(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := p.Registry(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := p.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to build resource metadata: %w", err)
	}

	return server.New(server.Config{
		Addr:          p.config.Server.Addr,
		ResourceURL:   p.config.Server.PublicURL,
		Metadata:      doc,
		Auth:          authService,
		Tools:         toolSet,
		Registry:      registry,
		Cache:         p.TokenCache(),
		Logger:        p.Logger(),
		ShutdownGrace: time.Duration(p.config.Server.ShutdownGraceSeconds) * time.Second,
	})
}
