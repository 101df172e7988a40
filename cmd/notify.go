package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"querywatch/bootstrap"
	"querywatch/messaging"

	"github.com/spf13/cobra"
)

// maxBatchFileSize protects against reading an unbounded document into memory.
const maxBatchFileSize = 10 * 1024 * 1024

func newNotifyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Route a batch of lifecycle events or alarm notifications",
		Long: `Reads a {"Records": [...]} document, classifies every record and sends the
resulting Slack notifications. Exits non-zero when any record cannot be routed
or a notificator fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				if err := app.InitNotify(ctx); err != nil {
					return err
				}
				if err := app.Notify.Router.HandleBatch(ctx, batch); err != nil {
					return fmt.Errorf("notification batch failed: %w", err)
				}
				if !quiet {
					successColor.Fprintf(cmd.OutOrStdout(), "Routed %d records\n", len(batch.Records))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Batch document to route, - for stdin")

	return cmd
}

func readBatch(stdin io.Reader, file string) (messaging.Batch, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return messaging.Batch{}, fmt.Errorf("failed to open batch file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return messaging.DecodeBatch(io.LimitReader(r, maxBatchFileSize))
}
