package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "gateway.yaml"

// Execute runs the CLI until ctx is cancelled.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Aggregate MCP tool servers behind one authenticated endpoint",
		Long: "mcp-gateway bridges client sessions to subprocess, stream and request tool servers " +
			"listed in a registry document, and serves their tools as one namespaced catalog.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the gateway document (YAML, JSON or TOML)")

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newCatalogCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
