package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a booking owned by the backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known lifecycle values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus normalizes and validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown booking status %q", ErrValidation, raw)
	}
	return s, nil
}

// BookingRecord is the coordinator's read-only mirror of a backend booking.
type BookingRecord struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusEvent is one append-only status transition for a booking.
type StatusEvent struct {
	BookingID string    `json:"bookingId"`
	Status    Status    `json:"status"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Subscription describes local interest in a booking room.
type Subscription struct {
	BookingID          string `json:"bookingId"`
	LocalObserverCount int    `json:"localObserverCount"`
}
