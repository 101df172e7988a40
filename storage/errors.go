package storage

import "errors"

// Storage error constants
var (
	// ErrQueryNotFound is returned when no record exists for a (start_date, start_timestamp) key
	ErrQueryNotFound = errors.New("query not found")

	// ErrInvalidQuery is returned when a record is missing its key attributes
	ErrInvalidQuery = errors.New("invalid query record")
)
