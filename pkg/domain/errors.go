package domain

import "errors"

// ErrInvalidTransition is returned when a requested state change is not in the
// transition table. The entity is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrOperationNotFound is returned when an operation id (or id/session pair)
// cannot be resolved in the store.
var ErrOperationNotFound = errors.New("operation not found")

// ErrItemNotFound is returned when an item id cannot be resolved in the store.
var ErrItemNotFound = errors.New("item not found")

// ErrScheduleNotFound is returned when a schedule id cannot be resolved in the store.
var ErrScheduleNotFound = errors.New("schedule not found")

// ErrActiveOperationExists is returned when starting an operation for a session
// that already has a non-terminal one.
var ErrActiveOperationExists = errors.New("session already has an active operation")

// ErrConditionExpired is returned when a monitored item's expiration timestamp
// has passed. Terminal, no retry.
var ErrConditionExpired = errors.New("monitored condition expired")
