// Package notify classifies inbound lifecycle and anomaly messages and turns
// them into Slack channel posts and direct messages.
package notify

import (
	"context"
	"errors"
	"fmt"

	"querywatch/core"
	"querywatch/messaging"
	"querywatch/metrics"

	"go.uber.org/zap"
)

// Notificator handles one kind of inbound record. Matches must only inspect
// structural markers of the record so that notificators stay disjoint.
type Notificator interface {
	Name() string
	Matches(record messaging.Record) bool
	Handle(ctx context.Context, record messaging.Record) error
}

// Router dispatches each record of a batch to the first matching notificator.
type Router struct {
	notificators []Notificator
	logger       *zap.SugaredLogger
}

// NewRouter returns a router that evaluates notificators in the given order.
func NewRouter(logger *zap.SugaredLogger, notificators ...Notificator) *Router {
	return &Router{notificators: notificators, logger: logger}
}

// Classify returns the notificator for record, or ErrUnroutableMessage.
func (r *Router) Classify(record messaging.Record) (Notificator, error) {
	for _, n := range r.notificators {
		if n.Matches(record) {
			return n, nil
		}
	}
	return nil, ErrUnroutableMessage
}

// HandleBatch classifies every record before handling any of them, so a batch
// with an unknown record produces no notifications at all. Records are then
// handled in delivery order. A record whose payload cannot be decoded is
// logged and skipped; any other handler error aborts the batch.
func (r *Router) HandleBatch(ctx context.Context, batch messaging.Batch) error {
	targets := make([]Notificator, len(batch.Records))
	for i, rec := range batch.Records {
		n, err := r.Classify(rec)
		if err != nil {
			metrics.UnroutableMessages.Inc()
			r.logger.Errorw("Unroutable message in batch",
				"index", i,
				"message_id", rec.MessageID)
			return fmt.Errorf("record %d: %w", i, err)
		}
		targets[i] = n
	}

	for i, rec := range batch.Records {
		n := targets[i]
		metrics.MessagesRouted.WithLabelValues(n.Name()).Inc()
		if err := n.Handle(ctx, rec); err != nil {
			if undecodable(err) {
				metrics.InvalidMessages.WithLabelValues(n.Name()).Inc()
				r.logger.Warnw("Skipping undecodable message",
					"index", i,
					"message_id", rec.MessageID,
					"notificator", n.Name(),
					"error", err)
				continue
			}
			return fmt.Errorf("record %d (%s): %w", i, n.Name(), err)
		}
	}
	return nil
}

// undecodable reports errors that redelivery cannot fix.
func undecodable(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, core.ErrInvalidAlarm) ||
		errors.Is(err, core.ErrDimensionNotFound)
}

var _ messaging.Handler = (*Router)(nil)
