package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"querywatch/util/goroutine"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"go.uber.org/zap"
)

// SourceKind says how the messages of a queue are shaped.
type SourceKind string

const (
	// SourceSQS queues carry lifecycle events sent directly to SQS.
	SourceSQS SourceKind = "sqs"
	// SourceSNS queues are subscribed to an SNS topic and carry notification envelopes.
	SourceSNS SourceKind = "sns"
)

// Source is one inbound queue.
type Source struct {
	Name     string     `mapstructure:"name" validate:"required"`
	QueueURL string     `mapstructure:"queue_url" validate:"required"`
	Kind     SourceKind `mapstructure:"kind" validate:"oneof=sqs sns"`
	// ARN is stamped on every record as eventSourceARN (sqs) or EventSubscriptionArn (sns).
	ARN string `mapstructure:"arn" validate:"required"`
}

// ConsumerConfig configures long polling.
type ConsumerConfig struct {
	Sources         []Source
	WaitTimeSeconds int64
	MaxMessages     int64
	// ErrorBackoff is the pause after a failed receive or a rejected batch.
	ErrorBackoff time.Duration
}

// Consumer long-polls its source queues and hands each received batch to a Handler.
// Messages are deleted only after the handler accepted the whole batch, so a
// rejected batch is redelivered and eventually dead-lettered by SQS.
type Consumer struct {
	client  sqsiface.SQSAPI
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.SugaredLogger
}

// NewConsumer creates a consumer. Zero config values get SQS-friendly defaults.
func NewConsumer(client sqsiface.SQSAPI, cfg ConsumerConfig, handler Handler, logger *zap.SugaredLogger) *Consumer {
	if cfg.WaitTimeSeconds <= 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Run polls every source until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range c.cfg.Sources {
		src := src
		goroutine.Go(&wg, "consumer-"+src.Name, c.logger, func() {
			c.loop(ctx, src)
		})
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context, src Source) {
	c.logger.Infow("Queue consumer started", "source", src.Name, "kind", src.Kind)
	for ctx.Err() == nil {
		if _, err := c.PollOnce(ctx, src); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Errorw("Queue poll failed", "source", src.Name, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
		}
	}
	c.logger.Infow("Queue consumer stopped", "source", src.Name)
}

// PollOnce receives one batch from src, dispatches it and deletes it on success.
// It returns the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context, src Source) (int, error) {
	out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(src.QueueURL),
		MaxNumberOfMessages: aws.Int64(c.cfg.MaxMessages),
		WaitTimeSeconds:     aws.Int64(c.cfg.WaitTimeSeconds),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive from %s: %w", src.Name, err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	batch := Batch{Records: make([]Record, 0, len(out.Messages))}
	for _, msg := range out.Messages {
		batch.Records = append(batch.Records, toRecord(src, msg))
	}

	if err := c.handler.HandleBatch(ctx, batch); err != nil {
		return len(out.Messages), fmt.Errorf("batch from %s rejected, leaving %d messages for redelivery: %w",
			src.Name, len(out.Messages), err)
	}

	c.deleteBatch(ctx, src, out.Messages)
	return len(out.Messages), nil
}

func (c *Consumer) deleteBatch(ctx context.Context, src Source, msgs []*sqs.Message) {
	entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(msgs))
	for i, msg := range msgs {
		entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: msg.ReceiptHandle,
		})
	}

	out, err := c.client.DeleteMessageBatchWithContext(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(src.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		c.logger.Errorw("Failed to delete processed messages", "source", src.Name, "error", err)
		return
	}
	for _, failed := range out.Failed {
		c.logger.Warnw("Processed message was not deleted",
			"source", src.Name,
			"id", aws.StringValue(failed.Id),
			"code", aws.StringValue(failed.Code))
	}
}

func toRecord(src Source, msg *sqs.Message) Record {
	rec := Record{
		MessageID:     aws.StringValue(msg.MessageId),
		ReceiptHandle: aws.StringValue(msg.ReceiptHandle),
	}

	switch src.Kind {
	case SourceSNS:
		var env SNSEnvelope
		if err := json.Unmarshal([]byte(aws.StringValue(msg.Body)), &env); err != nil {
			// Left without markers on purpose: the router rejects it.
			rec.Body = aws.StringValue(msg.Body)
			return rec
		}
		rec.EventSource = "aws:sns"
		rec.EventVersion = "1.0"
		rec.EventSubscriptionArn = aws.String(src.ARN)
		rec.Sns = &env
	default:
		rec.EventSource = "aws:sqs"
		rec.EventSourceARN = aws.String(src.ARN)
		rec.Body = aws.StringValue(msg.Body)
	}
	return rec
}
