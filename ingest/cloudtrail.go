// Package ingest records newly started queries from CloudTrail audit logs.
package ingest

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"querywatch/core"
	"querywatch/messaging"
	"querywatch/metrics"
	"querywatch/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	// CloudTrailTimeLayout is the layout of CloudTrail eventTime values.
	CloudTrailTimeLayout = "2006-01-02T15:04:05Z"
	// StartQueryExecution is the audited call that starts an engine query.
	StartQueryExecution = "StartQueryExecution"
)

type cloudTrailLog struct {
	Records []cloudTrailRecord `json:"Records"`
}

type cloudTrailRecord struct {
	EventName    string `json:"eventName"`
	EventTime    string `json:"eventTime"`
	UserIdentity *struct {
		Type     string `json:"type"`
		UserName string `json:"userName"`
	} `json:"userIdentity"`
	ResponseElements *struct {
		QueryExecutionID string `json:"queryExecutionId"`
	} `json:"responseElements"`
}

// S3Event is an S3 event notification document.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

// S3EventRecord is one object notification.
type S3EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// Result counts what one log object produced.
type Result struct {
	Inserted int
	Skipped  int
}

// CloudTrailHandler reads gzipped CloudTrail logs from S3 and inserts a RUNNING
// record for every started query.
type CloudTrailHandler struct {
	s3     s3iface.S3API
	store  storage.QueryStore
	logger *zap.SugaredLogger
}

func NewCloudTrailHandler(client s3iface.S3API, store storage.QueryStore, logger *zap.SugaredLogger) *CloudTrailHandler {
	return &CloudTrailHandler{s3: client, store: store, logger: logger}
}

// ProcessObject ingests one log object. A body that is not a gzipped JSON log
// is logged and skipped without error.
func (h *CloudTrailHandler) ProcessObject(ctx context.Context, bucket, key string) (*Result, error) {
	out, err := h.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			h.logger.Debugf("Failed to close object body: %v", err)
		}
	}()

	res := &Result{}
	zr, err := gzip.NewReader(out.Body)
	if err != nil {
		h.logger.Warnw("Not a gzipped cloudtrail file", "bucket", bucket, "key", key, "error", err)
		return res, nil
	}
	defer zr.Close()

	var trail cloudTrailLog
	if err := json.NewDecoder(zr).Decode(&trail); err != nil {
		h.logger.Warnw("Not a valid cloudtrail json file", "bucket", bucket, "key", key, "error", err)
		return res, nil
	}

	var errs *multierror.Error
	for i := range trail.Records {
		rec := &trail.Records[i]
		if rec.EventName != StartQueryExecution {
			continue
		}
		query, ok := h.toQuery(rec)
		if !ok {
			res.Skipped++
			metrics.QueriesIngested.WithLabelValues("skipped").Inc()
			continue
		}
		if err := h.store.Insert(ctx, query); err != nil {
			metrics.QueriesIngested.WithLabelValues("failed").Inc()
			errs = multierror.Append(errs, fmt.Errorf("query %s: %w", query.ExecutionID, err))
			continue
		}
		res.Inserted++
		metrics.QueriesIngested.WithLabelValues("inserted").Inc()
	}

	h.logger.Infow("Processed cloudtrail log",
		"bucket", bucket,
		"key", key,
		"inserted", res.Inserted,
		"skipped", res.Skipped)
	return res, errs.ErrorOrNil()
}

func (h *CloudTrailHandler) toQuery(rec *cloudTrailRecord) (*core.Query, bool) {
	if rec.ResponseElements == nil || rec.UserIdentity == nil || rec.ResponseElements.QueryExecutionID == "" {
		return nil, false
	}
	started, err := time.Parse(CloudTrailTimeLayout, rec.EventTime)
	if err != nil {
		h.logger.Warnw("Invalid cloudtrail event time",
			"query_execution_id", rec.ResponseElements.QueryExecutionID,
			"event_time", rec.EventTime)
		return nil, false
	}
	return core.NewRunningQuery(rec.ResponseElements.QueryExecutionID, rec.UserIdentity.UserName, started), true
}

// HandleS3Event ingests every object named by an S3 event notification.
func (h *CloudTrailHandler) HandleS3Event(ctx context.Context, event S3Event) error {
	var errs *multierror.Error
	for _, rec := range event.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}
		if _, err := h.ProcessObject(ctx, rec.S3.Bucket.Name, key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// HandleBatch treats each record body as an S3 event notification delivered
// through an SQS queue.
func (h *CloudTrailHandler) HandleBatch(ctx context.Context, batch messaging.Batch) error {
	var errs *multierror.Error
	for i, rec := range batch.Records {
		var event S3Event
		if err := json.Unmarshal([]byte(rec.Body), &event); err != nil {
			h.logger.Warnw("Skipping message that is not an S3 event", "index", i, "error", err)
			continue
		}
		if err := h.HandleS3Event(ctx, event); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

var _ messaging.Handler = (*CloudTrailHandler)(nil)
