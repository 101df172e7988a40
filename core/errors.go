package core

import "errors"

var (
	// ErrUnknownQueryState is returned when the engine reports a state outside the lifecycle
	ErrUnknownQueryState = errors.New("unknown query state")

	// ErrInvalidAlarm is returned when an alarm payload cannot be decoded
	ErrInvalidAlarm = errors.New("invalid anomaly alarm")

	// ErrDimensionNotFound is returned when the alarm carries no dimension for the user key
	ErrDimensionNotFound = errors.New("alarm dimension not found")
)
