package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"querywatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventIDAttribute is the message attribute carrying a unique id per published event.
const EventIDAttribute = "event_id"

// Publisher sends lifecycle events to the query events queue.
type Publisher struct {
	client   sqsiface.SQSAPI
	queueURL string
	logger   *zap.SugaredLogger
}

// NewPublisher creates a publisher for queueURL.
func NewPublisher(client sqsiface.SQSAPI, queueURL string, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishQueryUpdated sends the JSON form of q as the message body.
func (p *Publisher) PublishQueryUpdated(ctx context.Context, q *core.Query) error {
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal query %s: %w", q.ExecutionID, err)
	}

	eventID := uuid.NewString()
	out, err := p.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			EventIDAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish query %s: %w", q.ExecutionID, err)
	}

	p.logger.Infow("Published query lifecycle event",
		"execution_id", q.ExecutionID,
		"state", q.State,
		"event_id", eventID,
		"message_id", aws.StringValue(out.MessageId))
	return nil
}
