package main

import (
	"fmt"

	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "contextkit",
		Short: "Assistant tool-execution core",
		Long: `contextkit gates, queues and records the tool calls an assistant makes
against a context repository, and streams replies back to the UI.

  contextkit serve                 # run the daemon
  contextkit classify pr.prepare   # show a tool's safety class
  contextkit gating                # show the gating artifact
  contextkit telemetry --limit 20  # read recorded tool invocations`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
				return nil
			}
			// A missing .env is fine; the environment is used as is.
			_ = godotenv.Load()
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file")

	cmd.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newGatingCmd(),
		newTelemetryCmd(),
	)
	return cmd
}

// orDefault returns flag when set, otherwise the configured value.
func orDefault(flag string, fromConfig func(*config.Config) string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return fromConfig(cfg), nil
}
