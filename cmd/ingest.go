package cmd

import (
	"context"
	"fmt"

	"querywatch/bootstrap"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	var bucket, key string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record the queries started in one CloudTrail log object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				app.InitIngest()
				res, err := app.Ingest.ProcessObject(ctx, bucket, key)
				if err != nil {
					return fmt.Errorf("ingest failed: %w", err)
				}

				w := cmd.OutOrStdout()
				if outputJSON {
					return outputAsJSON(w, map[string]int{"inserted": res.Inserted, "skipped": res.Skipped})
				}
				if !quiet {
					infoColor.Fprintf(w, "s3://%s/%s\n", bucket, key)
				}
				successColor.Fprintf(w, "  Inserted: %d\n", res.Inserted)
				if res.Skipped > 0 {
					warningColor.Fprintf(w, "  Skipped:  %d\n", res.Skipped)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket holding the CloudTrail log")
	cmd.Flags().StringVar(&key, "key", "", "Object key of the CloudTrail log")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
