package domain

import (
	"context"
	"time"

	"bookingcoord/internal/events"
	"bookingcoord/internal/models"
)

// BookingBackend is the slot/booking system of record.
type BookingBackend interface {
	GetAvailableSlots(ctx context.Context, category string, date time.Time) ([]string, error)
	CreateBooking(ctx context.Context, draft models.BookingDraft, token string) (models.BookingRecord, error)
	GetBooking(ctx context.Context, id string, token string) (models.BookingRecord, error)
	CancelBooking(ctx context.Context, id string, token string) (models.BookingRecord, error)
}

type Assistant interface {
	Ask(ctx context.Context, question string, token string) (string, error)
}

// DraftStore persists orchestrator snapshots between sessions.
type DraftStore interface {
	GetDraft(ctx context.Context, id string) (*models.DraftSnapshot, error)
	SaveDraft(ctx context.Context, snap *models.DraftSnapshot, ttl time.Duration) error
	DeleteDraft(ctx context.Context, id string) error
}

// Publisher sends an event over the real-time link. ok is false when the
// event was dropped because the link is down.
type Publisher interface {
	Publish(ev events.Event) (session uint64, ok bool)
}

type EventSubscriber interface {
	Subscribe(t events.Type, h events.Handler) func()
}

type ConnectionObserver interface {
	OnConnect(fn func(session uint64)) func()
	State() models.ConnectionState
}

// RoomWatcher is the per-booking view of the room registry.
type RoomWatcher interface {
	Watch(bookingID string, h events.Handler) (func(), error)
}

// Outbox parks broadcasts made while disconnected.
type Outbox interface {
	Enqueue(ctx context.Context, ev events.Event) error
}
