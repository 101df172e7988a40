package storage

import (
	"context"
	"fmt"
	"time"

	"querywatch/core"
)

// QueryStore persists query records partitioned by start date.
type QueryStore interface {
	// Insert writes a new record, overwriting any record with the same key.
	// A nil QuerySQL is not persisted at all.
	Insert(ctx context.Context, q *core.Query) error
	// UpdateTerminal overwrites state, data scanned, executing user and SQL text
	// of an existing record. It returns ErrQueryNotFound instead of creating one.
	UpdateTerminal(ctx context.Context, q *core.Query) error
	// ListRunning returns the RUNNING records of the partition holding
	// partitionDate whose start timestamp is at or after since.
	ListRunning(ctx context.Context, partitionDate, since time.Time) ([]*core.Query, error)
	// Get returns a single record or ErrQueryNotFound.
	Get(ctx context.Context, startDate, startTimestamp string) (*core.Query, error)
}

func validateKey(q *core.Query) error {
	if q == nil || q.StartDate == "" || q.StartTimestamp == "" {
		return fmt.Errorf("%w: start_date and start_timestamp are required", ErrInvalidQuery)
	}
	if q.ExecutionID == "" {
		return fmt.Errorf("%w: query_execution_id is required", ErrInvalidQuery)
	}
	return nil
}
