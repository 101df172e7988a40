package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"querywatch/bootstrap"
	"querywatch/core"
	"querywatch/notify"
	"querywatch/storage"
	"querywatch/tracker"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// now is replaced in tests.
var now = time.Now

func newQueriesCmd() *cobra.Command {
	queriesCmd := &cobra.Command{
		Use:     "queries",
		Aliases: []string{"q"},
		Short:   "Inspect tracked queries",
	}

	queriesCmd.AddCommand(newRunningCmd())
	queriesCmd.AddCommand(newGetCmd())

	return queriesCmd
}

func newRunningCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "running",
		Short: "List queries still marked RUNNING",
		Long:  "Lists the RUNNING queries started after --since, tracker.lookback ago by default.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				current := now().UTC()
				from := current.Add(-app.Config.Tracker.Lookback)
				if since != "" {
					t, err := time.Parse(time.RFC3339, since)
					if err != nil {
						return fmt.Errorf("invalid --since, want RFC3339: %w", err)
					}
					if t.After(current) {
						return fmt.Errorf("--since %s is in the future", since)
					}
					if current.Sub(t) > tracker.MaxListWindow {
						return fmt.Errorf("--since %s is more than %s ago", since, tracker.MaxListWindow)
					}
					from = t
				}

				// Listing needs neither the engine nor the publisher.
				lister := tracker.New(app.Storage.Store, nil, nil, tracker.Config{Lookback: app.Config.Tracker.Lookback}, app.Sugar)
				queries, err := lister.ListRunning(ctx, current, from)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if outputJSON {
					if queries == nil {
						queries = []*core.Query{}
					}
					return outputAsJSON(w, queries)
				}
				renderQueriesTable(w, queries, current)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only queries started at or after this RFC3339 time")

	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <start_date> <start_timestamp>",
		Short:   "Show one query record",
		Example: `  querywatch queries get 2019-01-17 "2019-01-17 11:57:30"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				q, err := app.Storage.Store.Get(ctx, args[0], args[1])
				if errors.Is(err, storage.ErrQueryNotFound) {
					return fmt.Errorf("no query started at %s", args[1])
				}
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if outputJSON {
					return outputAsJSON(w, q)
				}
				renderQueryDetails(w, q, app.Config.Notify.Threshold.PricePerTB)
				return nil
			})
		},
	}
}

func renderQueriesTable(w io.Writer, queries []*core.Query, current time.Time) {
	if len(queries) == 0 {
		warningColor.Fprintln(w, "No running queries")
		return
	}

	headerColor.Fprintln(w, "RUNNING QUERIES")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-38s %-20s %-21s %-10s\n", "Execution ID", "User", "Started", "Running")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, q := range queries {
		running := "?"
		if started, err := q.StartTime(); err == nil {
			running = formatDuration(current.Sub(started))
		}

		user := q.ExecutingUser
		if len(user) > 19 {
			user = user[:16] + "..."
		}

		fmt.Fprintf(w, "%-38s %-20s %-21s %-10s\n", q.ExecutionID, user, q.StartTimestamp, running)
	}

	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%d running\n", len(queries))
}

func renderQueryDetails(w io.Writer, q *core.Query, pricePerTB float64) {
	headerColor.Fprintf(w, "  Query %s\n", q.ExecutionID)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", 6+len(q.ExecutionID)))

	printField(w, "State", formatState(q.State))
	printField(w, "User", q.ExecutingUser)
	printField(w, "Started", q.StartTimestamp)
	printField(w, "Partition", q.StartDate)
	printField(w, "Data scanned", fmt.Sprintf("%d bytes (%d GB)", q.DataScanned, notify.DataScannedGB(q.DataScanned)))
	printField(w, "Estimated cost", fmt.Sprintf("$%.2f", notify.EstimateCost(q.DataScanned, pricePerTB)))
	printField(w, "SQL", q.SQL())
}

func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-16s %s\n", key+":", value)
}

func formatState(s core.QueryState) string {
	switch s {
	case core.QueryStateSucceeded:
		return color.New(color.FgGreen).Sprint(s)
	case core.QueryStateFailed:
		return color.New(color.FgRed).Sprint(s)
	case core.QueryStateCancelled:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
