package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"querywatch/bootstrap"
	"querywatch/tracker"

	"github.com/briandowns/spinner"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

type pollOutput struct {
	Checked int      `json:"checked"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

func newPollCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle over the running queries",
		Long: `Checks every RUNNING query started within tracker.lookback against the engine,
records the ones that finished and publishes their lifecycle events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				if err := app.InitTracker(); err != nil {
					return err
				}

				var s *spinner.Spinner
				if showProgress && !outputJSON && !quiet {
					s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
					s.Suffix = " Polling running queries..."
					s.Start()
				}

				result, err := app.Tracker.Poll(ctx)

				if s != nil {
					s.Stop()
				}

				if err != nil {
					return fmt.Errorf("poll failed: %w", err)
				}
				return renderPollResult(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}

func renderPollResult(w io.Writer, result *tracker.PollResult) error {
	out := pollOutput{Checked: result.Checked, Updated: result.Updated, Failed: result.Failed}
	if merr, ok := result.Err.(*multierror.Error); ok {
		for _, e := range merr.WrappedErrors() {
			out.Errors = append(out.Errors, e.Error())
		}
	} else if result.Err != nil {
		out.Errors = []string{result.Err.Error()}
	}

	if outputJSON {
		if err := outputAsJSON(w, out); err != nil {
			return err
		}
	} else {
		headerColor.Fprintln(w, "POLL CYCLE")
		headerColor.Fprintln(w, strings.Repeat("=", 40))
		fmt.Fprintf(w, "  %-10s %d\n", "Checked:", out.Checked)
		successColor.Fprintf(w, "  %-10s %d\n", "Updated:", out.Updated)
		if out.Failed > 0 {
			errorColor.Fprintf(w, "  %-10s %d\n", "Failed:", out.Failed)
			for _, e := range out.Errors {
				warningColor.Fprintf(w, "    - %s\n", e)
			}
		} else {
			fmt.Fprintf(w, "  %-10s %d\n", "Failed:", out.Failed)
		}
	}

	if out.Failed > 0 {
		return fmt.Errorf("%d of %d queries could not be resolved", out.Failed, out.Checked)
	}
	return nil
}
