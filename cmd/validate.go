package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the gateway document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			doc, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			descs, err := doc.Descriptors()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s: ok, %d backends\n", path, len(descs)); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRANSPORT\tPREFIX\tENDPOINT")
			for _, d := range descs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Kind, d.ToolPrefix(), d.Endpoint())
			}
			return tw.Flush()
		},
	}
}
