package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/store"
	"github.com/spf13/cobra"
)

func newTelemetryCmd() *cobra.Command {
	var (
		dbPath string
		filter store.Filter
		kind   string
		since  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "List recorded telemetry events",
		Long: `List telemetry events from the persisted store, newest first.

  contextkit telemetry --session 0f3c... --limit 20
  contextkit telemetry --kind tool --since 1h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := orDefault(dbPath, func(c *config.Config) string { return c.Telemetry.DBPath })
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no telemetry store at %s", p)
			}
			repo, err := store.NewSQLite(p)
			if err != nil {
				return err
			}
			defer repo.Close()

			filter.Kind = domain.EventKind(kind)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := repo.ListEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, ev := range events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			}
			if len(events) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("No events."))
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tPHASE\tTOOL\tSESSION\tDURATION\tERROR")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
					ev.Kind, ev.Phase, dash(ev.ToolID), dash(shortID(ev.SessionID)),
					duration(ev.DurationMs), dash(ev.ErrorCode))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "telemetry database (defaults to TELEMETRY_DB)")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&filter.ToolID, "tool", "", "filter by tool id")
	cmd.Flags().StringVar(&filter.InvocationID, "invocation", "", "filter by invocation id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func duration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
