package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/project-umbra/warden/internal/config"
)

// srvShutdownTimeout bounds module teardown after the server stops
const srvShutdownTimeout = 15 * time.Second

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden server",
		Long: `Start the warden HTTP server.

The server will:
  - Serve protected resource metadata (RFC 9728)
  - Authenticate bearer tokens from the configured identity providers
  - Execute tool invocations with per-tool authorization
  - Delegate downstream access on behalf of the authenticated user

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (WARDEN_*)
  3. Configuration file (if --config or WARDEN_CONFIG is set)
  4. Built-in defaults

Examples:
  # Start with a config file
  warden serve --config /etc/warden/config.yaml

  # Override the listen address
  warden serve --config ./config.yaml --addr :9000

  # Development mode against a local identity provider
  warden serve --config ./dev.yaml --dev-mode`,
		RunE: runServe,
	}

	// Auto-register all config flags
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Determine config file path
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("WARDEN_CONFIG")
	}

	// 2. Load configuration (file + env vars + flags)
	loader, err := config.NewLoaderWithFlags(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 3. Resolve secret descriptors before unmarshalling. The resolver
	// chain comes from the secrets subtree alone: its own settings cannot
	// be secrets, and descriptors elsewhere in the tree only decode after
	// resolution.
	secretsCfg, err := loader.Secrets()
	if err != nil {
		return fmt.Errorf("failed to parse secrets config: %w", err)
	}
	resolver, err := config.NewSecretResolver(ctx, secretsCfg)
	if err != nil {
		return fmt.Errorf("failed to build secret resolver: %w", err)
	}
	loader.SetSecretResolver(resolver)

	cfg, err := loader.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// 4. Create provider to build all components from config
	provider := config.NewProvider(cfg)

	logger := provider.Logger()

	// 5. Build components via provider. Issuer construction performs the
	// initial JWKS fetch, so unreachable providers fail here.
	srv, err := provider.Server(ctx)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	// 6. Start the token cache sweeper if caching is enabled
	if cache := provider.TokenCache(); cache != nil {
		go cache.Run()
		defer cache.Close()
	}

	registry, err := provider.Registry(ctx)
	if err != nil {
		return fmt.Errorf("failed to build delegation registry: %w", err)
	}

	logger.Info("warden is running",
		"addr", cfg.Server.Addr,
		"resource", cfg.Resource.Identifier,
		"issuers", len(cfg.Issuers),
		"modules", len(cfg.Modules),
		"config", configPath,
	)

	// 7. Run until interrupted
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(runCtx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")

	// 8. Graceful shutdown: destroy modules, then flush the audit log
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), srvShutdownTimeout)
	defer shutdownCancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("module shutdown reported errors", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
