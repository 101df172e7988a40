package notify

import "errors"

var (
	// ErrUnroutableMessage is returned when no notificator recognises an inbound record.
	ErrUnroutableMessage = errors.New("no notificator matches message")
	// ErrInvalidEvent is returned for lifecycle events that fail schema validation.
	ErrInvalidEvent = errors.New("invalid lifecycle event")
)
