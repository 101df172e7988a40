package metrics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
)

// CloudWatchConfig names the per-user bytes scanned metric.
// Anomaly detection alarms are defined on this metric outside this service.
type CloudWatchConfig struct {
	Namespace  string
	MetricName string
	Dimension  string
}

// CloudWatchReporter publishes the bytes scanned by each finished query.
type CloudWatchReporter struct {
	client cloudwatchiface.CloudWatchAPI
	cfg    CloudWatchConfig
}

// NewCloudWatchReporter creates a reporter.
func NewCloudWatchReporter(client cloudwatchiface.CloudWatchAPI, cfg CloudWatchConfig) *CloudWatchReporter {
	if cfg.Dimension == "" {
		cfg.Dimension = "athena_user"
	}
	return &CloudWatchReporter{client: client, cfg: cfg}
}

// ReportQuery puts one Bytes datapoint for user.
func (r *CloudWatchReporter) ReportQuery(ctx context.Context, user string, bytesScanned int64) error {
	_, err := r.client.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.cfg.Namespace),
		MetricData: []*cloudwatch.MetricDatum{
			{
				MetricName: aws.String(r.cfg.MetricName),
				Dimensions: []*cloudwatch.Dimension{
					{
						Name:  aws.String(r.cfg.Dimension),
						Value: aws.String(user),
					},
				},
				Unit:  aws.String(cloudwatch.StandardUnitBytes),
				Value: aws.Float64(float64(bytesScanned)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put metric data for %s: %w", user, err)
	}
	return nil
}
