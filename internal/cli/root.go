// Package cli wires the command-line interface
package cli

import (
	"github.com/spf13/cobra"
)

// configFile is the --config flag value, shared by subcommands
var configFile string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "OAuth 2.1 resource server with on-behalf-of delegation",
		Long: `warden authenticates bearer tokens from trusted identity providers,
authorizes tool invocations, and delegates downstream access (SQL,
Kerberos, HTTP) on behalf of the authenticated user via RFC 8693
token exchange.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (YAML, JSON, or TOML)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCheckConfigCmd())

	return cmd
}
