package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the Tessera admin CLI. Subcommands
// (tenants, audit) are attached here.
var rootCmd = &cobra.Command{
	Use:           "tessera",
	Short:         "Tessera admin CLI",
	Long:          "Administrative utilities for the Tessera data-access layer (tenant registry checks, pool health, audit trail).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
