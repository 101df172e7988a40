// Package messaging carries lifecycle events and alarm notifications between
// the tracker and the notification router over SQS.
//
// Inbound messages are normalised into the shape of a Lambda event so the
// router can classify them by the same structural markers whether they come
// from an SQS queue (eventSourceARN) or from an SNS subscription
// (EventSubscriptionArn).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// SNSEnvelope is the SNS part of a subscription record.
type SNSEnvelope struct {
	Type      string `json:"Type,omitempty"`
	MessageID string `json:"MessageId,omitempty"`
	TopicArn  string `json:"TopicArn,omitempty"`
	Subject   string `json:"Subject,omitempty"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp,omitempty"`
}

// Record is one inbound message. SQS records carry Body and EventSourceARN,
// SNS records carry EventSubscriptionArn and Sns.
type Record struct {
	MessageID      string  `json:"messageId,omitempty"`
	ReceiptHandle  string  `json:"receiptHandle,omitempty"`
	Body           string  `json:"body,omitempty"`
	EventSource    string  `json:"eventSource,omitempty"`
	EventSourceARN *string `json:"eventSourceARN,omitempty"`

	EventVersion         string       `json:"EventVersion,omitempty"`
	EventSubscriptionArn *string      `json:"EventSubscriptionArn,omitempty"`
	Sns                  *SNSEnvelope `json:"Sns,omitempty"`
}

// Batch is a group of records delivered in one invocation.
type Batch struct {
	Records []Record `json:"Records"`
}

// DecodeBatch reads a {"Records": [...]} document.
func DecodeBatch(r io.Reader) (Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("failed to decode batch: %w", err)
	}
	return b, nil
}

// Handler processes one batch. An error means the batch must not be acknowledged.
type Handler interface {
	HandleBatch(ctx context.Context, batch Batch) error
}
