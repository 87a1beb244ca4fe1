package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/gating"
	"github.com/spf13/cobra"
)

func newGatingCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "gating",
		Short: "Show the gating artifact as the daemon would read it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := orDefault(path, func(c *config.Config) string { return c.Gating.ArtifactPath })
			if err != nil {
				return err
			}
			status, loadErr := gating.Load(p)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintln(out, headerStyle.Render("Gating artifact"), mutedStyle.Render(p))
			if loadErr != nil {
				fmt.Fprintln(out, warnStyle.Render("using defaults: "+loadErr.Error()))
			}
			enforced := mutedStyle.Render("advisory")
			if status.ClassificationEnforced {
				enforced = errStyle.Render("enforced")
			}
			fmt.Fprintf(out, "  classification     %s\n", enforced)
			fmt.Fprintf(out, "  sidecar only       %s\n", flagStyle(status.SidecarOnly))
			fmt.Fprintf(out, "  checksum match     %s\n", flagStyle(status.ChecksumMatch))
			fmt.Fprintf(out, "  retrieval enabled  %s\n", flagStyle(status.RetrievalEnabled))
			if status.Source != "" {
				fmt.Fprintf(out, "  source             %s\n", status.Source)
			}
			if status.Version != "" {
				fmt.Fprintf(out, "  version            %s\n", status.Version)
			}
			if !status.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "  updated            %s\n", status.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "artifact path (defaults to GATING_ARTIFACT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the artifact as JSON")
	return cmd
}
