package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/project-umbra/warden/internal/config"
)

// NewCheckConfigCmd creates the check-config command
func NewCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration without starting the server",
		Long: `Load and validate the configuration, including secret descriptor
resolution. Exits non-zero on any error.

Network-dependent checks (JWKS reachability, database connectivity) are
not performed; those run at server startup.`,
		RunE: runCheckConfig,
	}
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("WARDEN_CONFIG")
	}

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

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

	provider := config.NewProvider(cfg)

	// Structural checks that need no network
	if _, err := provider.Metadata(); err != nil {
		return fmt.Errorf("resource metadata: %w", err)
	}
	for _, issuerCfg := range cfg.Issuers {
		if issuerCfg.Name == "" || issuerCfg.Issuer == "" {
			return fmt.Errorf("issuer entries require name and issuer")
		}
	}
	for _, moduleCfg := range cfg.Modules {
		switch moduleCfg.Type {
		case "sql", "kerberos", "http":
		default:
			return fmt.Errorf("module %q: unknown type %q", moduleCfg.Name, moduleCfg.Type)
		}
	}

	fmt.Printf("config OK (%d issuers, %d modules)\n", len(cfg.Issuers), len(cfg.Modules))
	return nil
}
