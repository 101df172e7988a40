// Package engine talks to the managed query engine.
package engine

import (
	"context"
	"fmt"

	"querywatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls request pacing against the Athena API.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// AthenaClient resolves execution details through GetQueryExecution.
type AthenaClient struct {
	api     athenaiface.AthenaAPI
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewAthenaClient wraps api with a token bucket limiter. A non-positive rate disables limiting.
func NewAthenaClient(api athenaiface.AthenaAPI, cfg Config, logger *zap.SugaredLogger) *AthenaClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &AthenaClient{
		api:     api,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// GetExecutionDetails returns the state, bytes scanned and SQL text of an execution.
// Missing statistics are reported as zero bytes.
func (c *AthenaClient) GetExecutionDetails(ctx context.Context, executionID string) (*core.ExecutionDetails, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	out, err := c.api.GetQueryExecutionWithContext(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(executionID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get query execution %s: %w", executionID, err)
	}

	exec := out.QueryExecution
	if exec == nil || exec.Status == nil {
		return nil, fmt.Errorf("query execution %s: empty status in response", executionID)
	}

	state, err := core.ParseQueryState(aws.StringValue(exec.Status.State))
	if err != nil {
		return nil, fmt.Errorf("query execution %s: %w", executionID, err)
	}

	details := &core.ExecutionDetails{
		State: state,
		SQL:   aws.StringValue(exec.Query),
	}
	if exec.Statistics != nil {
		details.DataScanned = aws.Int64Value(exec.Statistics.DataScannedInBytes)
	}

	c.logger.Debugw("Fetched query execution",
		"execution_id", executionID,
		"state", state,
		"data_scanned", details.DataScanned)
	return details, nil
}

