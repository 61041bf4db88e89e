package models

import "errors"

var (
	// ErrTransient marks failures worth retrying (network, timeouts, 5xx).
	ErrTransient = errors.New("transient network error")
	// ErrValidation marks failures that retrying cannot fix.
	ErrValidation = errors.New("validation error")
	// ErrConnectionLost is reported to observers while the real-time link is down.
	ErrConnectionLost = errors.New("real-time connection lost")
	// ErrInvalidState is returned for operations illegal in the current phase.
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrNotFound     = errors.New("not found")
)
