package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/project-umbra/warden/internal/secret"
)

// Loader is a lightweight wrapper around koanf for loading configuration
// from files, environment variables, and command-line flags
type Loader struct {
	k          *koanf.Koanf
	configPath string
	resolver   *secret.Resolver
}

// NewLoader creates a configuration loader that reads from a file and
// overlays environment variable overrides with WARDEN_ prefix.
//
// The file format (YAML, JSON, or TOML) is auto-detected from the extension.
// Environment variables like WARDEN_SERVER__ADDR map to server.addr.
// If configPath is empty, only environment variables and defaults are loaded.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WARDEN_*)
//  2. Configuration file (if provided)
//  3. Built-in defaults
func NewLoader(configPath string) (*Loader, error) {
	return newLoader(configPath, nil)
}

// NewLoaderWithFlags creates a configuration loader with command-line flag
// support. Flags take precedence over environment variables.
func NewLoaderWithFlags(configPath string, flags *pflag.FlagSet) (*Loader, error) {
	return newLoader(configPath, flags)
}

// getDefaults returns the default configuration values
func getDefaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":                     ":8080",
		"server.shutdown_grace_seconds":   10,
		"token_exchange.timeout_seconds":  10,
		"token_exchange.rate_burst":       5,
		"cache.enabled":                   true,
		"audit.max_entries":               10000,
		"secrets.env_prefix":              "WARDEN_SECRET_",
		"secrets.dir":                     secret.DefaultSecretDir,
		"observability.type":              "logging",
		"observability.log_format":        "json",
		"observability.log_level":         "info",
	}
}

// newLoader is the internal loader implementation
func newLoader(configPath string, flags *pflag.FlagSet) (*Loader, error) {
	k := koanf.New(".")

	// Load defaults (lowest precedence)
	if err := k.Load(confmap.Provider(getDefaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Load from file if provided
	if configPath != "" {
		parser, err := getParserForFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(configPath), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Load environment variable overrides with WARDEN_ prefix.
	// Double underscore (__) nests: WARDEN_SERVER__ADDR -> server.addr.
	// Single underscore stays part of the field name.
	if err := k.Load(env.Provider("WARDEN_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Load command-line flags (highest precedence)
	if flags != nil {
		flagMapping := GetFlagMapping()

		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			configKey, ok := flagMapping[f.Name]
			if !ok {
				return "", nil
			}
			// Only override if the flag was explicitly set
			if !f.Changed {
				return "", nil
			}
			return configKey, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load command-line flags: %w", err)
		}
	}

	return &Loader{
		k:          k,
		configPath: configPath,
	}, nil
}

// SetSecretResolver installs the resolver used to replace {"$secret": name}
// descriptors before unmarshalling. Without one, descriptors are left in
// place and strict decoding rejects them.
func (l *Loader) SetSecretResolver(r *secret.Resolver) {
	l.resolver = r
}

// Get resolves secret descriptors and unmarshals the configuration.
// Unknown keys are an error so typos fail at startup rather than being
// silently ignored.
func (l *Loader) Get(ctx context.Context) (*Config, error) {
	raw := l.k.Raw()

	if l.resolver != nil {
		resolved, err := l.resolver.ResolveObject(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secrets: %w", err)
		}
		resolvedMap, ok := resolved.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("secret resolution produced a non-map root")
		}
		raw = resolvedMap
	}

	resolved := koanf.New(".")
	if err := resolved.Load(confmap.Provider(raw, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to stage resolved config: %w", err)
	}

	var cfg Config
	if err := resolved.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Secrets unmarshals only the secrets subtree, without any descriptor
// resolution. The resolver chain is configured here, so its own settings
// are never {"$secret"} descriptors; descriptors elsewhere in the tree
// must not break this pass.
func (l *Loader) Secrets() (SecretsConfig, error) {
	var cfg SecretsConfig
	if err := l.k.UnmarshalWithConf("secrets", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal secrets config: %w", err)
	}
	return cfg, nil
}

// Watch watches the config file for changes and calls onChange with the new
// config. Runs until the context is cancelled.
//
// Not all components can be safely hot-reloaded. If no config file is
// configured this blocks until the context is cancelled.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config) error) error {
	if l.configPath == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	fp := file.Provider(l.configPath)

	if err := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			fmt.Printf("config watch error: %v\n", err)
			return
		}

		parser, err := getParserForFile(l.configPath)
		if err != nil {
			fmt.Printf("config parser error: %v\n", err)
			return
		}

		k := koanf.New(".")
		if err := k.Load(confmap.Provider(getDefaults(), "."), nil); err != nil {
			fmt.Printf("config reload error: %v\n", err)
			return
		}
		if err := k.Load(fp, parser); err != nil {
			fmt.Printf("config reload error: %v\n", err)
			return
		}
		if err := k.Load(env.Provider("WARDEN_", ".", envTransform), nil); err != nil {
			fmt.Printf("env reload error: %v\n", err)
			return
		}

		l.k = k

		cfg, err := l.Get(ctx)
		if err != nil {
			fmt.Printf("config reload error: %v\n", err)
			return
		}
		if err := onChange(cfg); err != nil {
			fmt.Printf("config onChange error: %v\n", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// getParserForFile returns the appropriate koanf parser based on file extension
func getParserForFile(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .toml)", ext)
	}
}

// envTransform transforms environment variable names to config keys:
//
//	WARDEN_SERVER__ADDR -> server.addr
//	WARDEN_DEV_MODE     -> dev_mode
//
// WARDEN_SECRET_* variables belong to the environment secret provider and
// are excluded from the config tree.
func envTransform(s string) string {
	if strings.HasPrefix(s, "WARDEN_SECRET_") {
		return ""
	}
	s = strings.TrimPrefix(s, "WARDEN_")
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", ".")
	return s
}
