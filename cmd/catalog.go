package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/config"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/router"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

func newCatalogCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query every backend once and print the aggregated tool catalog as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			doc, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			logger, err := logging.NewFromConfig(cmd.ErrOrStderr(), "warn", doc.Gateway.LogFormat)
			if err != nil {
				return err
			}

			store := registry.NewStore(logger)
			if _, err := store.Load(registry.SourceFunc(doc.Descriptors)); err != nil {
				return err
			}
			adapters := transport.NewSet(transport.Options{
				Logger:                logger,
				GracePeriod:           doc.Gateway.SubprocessGracePeriod,
				DialTimeout:           timeout,
				DefaultRequestTimeout: doc.Gateway.RequestDeadline,
			})
			defer func() { _ = adapters.Close() }()

			r := router.New(store, nil, adapters, router.Options{CatalogTimeout: timeout, Logger: logger})
			defer r.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*timeout)
			defer cancel()
			cat := r.Rebuild(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cat)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-backend listing timeout")
	return cmd
}
