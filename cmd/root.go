// Package cmd provides the querywatch command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"querywatch/bootstrap"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	logLevel   string
	outputJSON bool
	noColor    bool
	quiet      bool
)

// defaultTimeout bounds every one-shot command.
const defaultTimeout = 5 * time.Minute

// newApp is replaced in tests.
var newApp = func(ctx context.Context) (*bootstrap.App, error) {
	return bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: configFile, LogLevel: logLevel})
}

// NewRootCmd creates the querywatch command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "querywatch",
		Short: "Track Athena queries and alert on expensive ones",
		Long: `querywatch records every Athena query started in the account, polls the
engine until each query finishes, and notifies Slack when a query scanned more
data than the configured thresholds or when a per-user anomaly alarm fires.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default querywatch.yaml in . or ./config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPollCmd())
	root.AddCommand(newNotifyCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newQueriesCmd())

	return root
}

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// withApp runs fn against a freshly built app and shuts it down afterwards.
func withApp(fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	return fn(ctx, app)
}
