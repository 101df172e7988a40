package core

import (
	"fmt"
	"time"
)

const (
	// PartitionLayout is the layout of the start_date partition key.
	PartitionLayout = "2006-01-02"
	// TimestampLayout is the layout of the start_timestamp sort key.
	TimestampLayout = "2006-01-02 15:04:05"
)

// QueryState is the lifecycle state reported by the query engine.
type QueryState string

const (
	QueryStateQueued    QueryState = "QUEUED"
	QueryStateRunning   QueryState = "RUNNING"
	QueryStateSucceeded QueryState = "SUCCEEDED"
	QueryStateFailed    QueryState = "FAILED"
	QueryStateCancelled QueryState = "CANCELLED"
)

// String returns the string representation
func (s QueryState) String() string {
	return string(s)
}

// IsValid checks if the state is one of the known lifecycle values
func (s QueryState) IsValid() bool {
	switch s {
	case QueryStateQueued, QueryStateRunning, QueryStateSucceeded, QueryStateFailed, QueryStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a query in this state will never change again.
func (s QueryState) IsTerminal() bool {
	switch s {
	case QueryStateSucceeded, QueryStateFailed, QueryStateCancelled:
		return true
	default:
		return false
	}
}

// ParseQueryState converts an engine-reported state into a QueryState.
func ParseQueryState(s string) (QueryState, error) {
	state := QueryState(s)
	if !state.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueryState, s)
	}
	return state, nil
}

// Query is a tracked engine query.
type Query struct {
	StartDate      string     `json:"start_date" dynamodbav:"start_date"`
	StartTimestamp string     `json:"start_timestamp" dynamodbav:"start_timestamp"`
	ExecutionID    string     `json:"query_execution_id" dynamodbav:"query_execution_id"`
	State          QueryState `json:"query_state" dynamodbav:"query_state"`
	ExecutingUser  string     `json:"executing_user" dynamodbav:"executing_user"`
	DataScanned    int64      `json:"data_scanned" dynamodbav:"data_scanned"`
	// QuerySQL stays nil until the engine reports the resolved query text.
	QuerySQL *string `json:"query_sql,omitempty" dynamodbav:"query_sql,omitempty"`
}

// NewRunningQuery builds the record ingestion inserts for a freshly started query.
func NewRunningQuery(executionID, user string, startedAt time.Time) *Query {
	return &Query{
		StartDate:      PartitionKey(startedAt),
		StartTimestamp: SortKey(startedAt),
		ExecutionID:    executionID,
		State:          QueryStateRunning,
		ExecutingUser:  user,
	}
}

// PartitionKey returns the start_date partition for t, in UTC.
func PartitionKey(t time.Time) string {
	return t.UTC().Format(PartitionLayout)
}

// SortKey returns the start_timestamp sort key for t, in UTC.
func SortKey(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// StartTime parses the record's sort key back into a time.
func (q *Query) StartTime() (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, q.StartTimestamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start timestamp %q: %w", q.StartTimestamp, err)
	}
	return t, nil
}

// SQL returns the query text, or "" when it has not been resolved yet.
func (q *Query) SQL() string {
	if q.QuerySQL == nil {
		return ""
	}
	return *q.QuerySQL
}

// SetSQL stores the resolved query text; an empty string clears it.
func (q *Query) SetSQL(sql string) {
	if sql == "" {
		q.QuerySQL = nil
		return
	}
	q.QuerySQL = &sql
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	c := *q
	if q.QuerySQL != nil {
		sql := *q.QuerySQL
		c.QuerySQL = &sql
	}
	return &c
}

// ExecutionDetails is what the query engine reports about one execution.
type ExecutionDetails struct {
	State       QueryState
	DataScanned int64
	SQL         string
}
