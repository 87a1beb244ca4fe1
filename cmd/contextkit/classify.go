package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/policy"
	"github.com/spf13/cobra"
)

func newClassifyCmd() *cobra.Command {
	var policyFile string

	cmd := &cobra.Command{
		Use:   "classify [tool-id...]",
		Short: "Show the safety class of tools",
		Long: `Show the safety class the built-in table and the policy file assign to
each tool. With no arguments every known tool is listed. Tools that are not
known are treated as mutating.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := orDefault(policyFile, func(c *config.Config) string { return c.PolicyFile })
			if err != nil {
				return err
			}
			overrides, err := policy.LoadOverrides(path)
			if err != nil {
				return err
			}
			classifier := policy.NewClassifier(overrides, policy.DefaultMinReasonLength)

			ids := args
			if len(ids) == 0 {
				known := policy.BuiltinTable()
				maps.Copy(known, overrides)
				ids = slices.Sorted(maps.Keys(known))
			}

			out := cmd.OutOrStdout()
			width := len("TOOL")
			for _, id := range ids {
				width = max(width, len(id))
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-*s  %s", width, "TOOL", "CLASS")))
			for _, id := range ids {
				c := classifier.Classify(id)
				line := fmt.Sprintf("%-*s  %s", width, id, classStyle(c).Render(string(c)))
				if _, ok := overrides[id]; ok {
					line += mutedStyle.Render("  (policy file)")
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy", "", "YAML policy override file (defaults to POLICY_FILE)")
	return cmd
}
