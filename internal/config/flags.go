package config

import "github.com/spf13/pflag"

// flagSpec declares one command-line flag and the config key it overrides
type flagSpec struct {
	name      string
	configKey string
	usage     string
}

// flagSpecs is the full set of config-backed flags. Only scalar settings
// get flags; structured settings (issuers, modules) come from the file.
var flagSpecs = []flagSpec{
	{"addr", "server.addr", "listen address for the HTTP server"},
	{"public-url", "server.public_url", "externally visible base URL"},
	{"resource", "resource.identifier", "protected resource identifier"},
	{"dev-mode", "dev_mode", "allow plain-HTTP endpoints (development only)"},
	{"log-level", "observability.log_level", "log level (debug, info, warn, error)"},
	{"log-format", "observability.log_format", "log format (json, text)"},
}

// RegisterFlags registers all config-backed flags on the flag set
func RegisterFlags(flags *pflag.FlagSet) {
	for _, spec := range flagSpecs {
		switch spec.name {
		case "dev-mode":
			flags.Bool(spec.name, false, spec.usage)
		default:
			flags.String(spec.name, "", spec.usage)
		}
	}
}

// GetFlagMapping returns the flag-name to config-key mapping used when
// layering flag values over the loaded configuration
func GetFlagMapping() map[string]string {
	mapping := make(map[string]string, len(flagSpecs))
	for _, spec := range flagSpecs {
		mapping[spec.name] = spec.configKey
	}
	return mapping
}
