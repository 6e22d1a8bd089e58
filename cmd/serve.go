package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/config"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/gateway"
)

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: "Start the gateway on the configured listen address. A document that fails to " +
			"parse or validate stops the gateway before it listens.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			doc, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}

			opts := []gateway.Option{gateway.WithVersion(Version)}
			if !noWatch {
				opts = append(opts, gateway.WithConfigPath(path))
			}
			gw, err := gateway.New(doc, opts...)
			if err != nil {
				return fmt.Errorf("start gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the backend registry when the document changes")
	return cmd
}
