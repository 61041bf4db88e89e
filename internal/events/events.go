package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bookingcoord/internal/models"
)

// Type names a real-time event on the wire.
type Type string

const (
	TypeJoinBookingRoom     Type = "joinBookingRoom"
	TypeLeaveBookingRoom    Type = "leaveBookingRoom"
	TypeBookingStatusUpdate Type = "bookingStatusUpdate"
	TypeBookingNew          Type = "booking:new"
)

// ErrUnknownType is returned by Decode for frames this coordinator does not understand.
var ErrUnknownType = errors.New("unknown event type")

// Event is implemented by every typed payload exchanged with the event backend.
type Event interface {
	EventType() Type
}

// JoinBookingRoom asks the backend to start forwarding a booking's updates.
type JoinBookingRoom struct {
	BookingID string `json:"bookingId"`
}

// LeaveBookingRoom stops forwarding of a booking's updates.
type LeaveBookingRoom struct {
	BookingID string `json:"bookingId"`
}

// BookingStatusUpdate announces a status transition.
type BookingStatusUpdate struct {
	BookingID string        `json:"bookingId"`
	Status    models.Status `json:"status"`
	EmittedAt time.Time     `json:"emittedAt,omitempty"`
}

// BookingNew announces a freshly created booking to other observers.
type BookingNew struct {
	Booking models.BookingRecord `json:"booking"`
}

func (JoinBookingRoom) EventType() Type     { return TypeJoinBookingRoom }
func (LeaveBookingRoom) EventType() Type    { return TypeLeaveBookingRoom }
func (BookingStatusUpdate) EventType() Type { return TypeBookingStatusUpdate }
func (BookingNew) EventType() Type          { return TypeBookingNew }

// StatusEvent converts the update into the domain event.
func (u BookingStatusUpdate) StatusEvent() models.StatusEvent {
	return models.StatusEvent{BookingID: u.BookingID, Status: u.Status, EmittedAt: u.EmittedAt}
}

// Frame is the JSON envelope carried by the transport.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a typed event into a frame.
func Encode(ev Event) (Frame, error) {
	if ev == nil {
		return Frame{}, errors.New("nil event")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return Frame{Type: ev.EventType(), Payload: raw}, nil
}

// Decode turns a frame into its typed event. This is the only place wire
// payloads are interpreted.
func Decode(f Frame) (Event, error) {
	switch f.Type {
	case TypeJoinBookingRoom:
		var ev JoinBookingRoom
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		return ev, requireID(f.Type, ev.BookingID)
	case TypeLeaveBookingRoom:
		var ev LeaveBookingRoom
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		return ev, requireID(f.Type, ev.BookingID)
	case TypeBookingStatusUpdate:
		var ev BookingStatusUpdate
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if err := requireID(f.Type, ev.BookingID); err != nil {
			return nil, err
		}
		status, err := models.ParseStatus(string(ev.Status))
		if err != nil {
			return nil, err
		}
		ev.Status = status
		if ev.EmittedAt.IsZero() {
			ev.EmittedAt = time.Now().UTC()
		}
		return ev, nil
	case TypeBookingNew:
		var ev BookingNew
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if err := requireID(f.Type, ev.Booking.ID); err != nil {
			return nil, err
		}
		if ev.Booking.Status == "" {
			ev.Booking.Status = models.StatusPending
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

func unmarshal(f Frame, out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame without payload", models.ErrValidation, f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", models.ErrValidation, f.Type, err)
	}
	return nil
}

func requireID(t Type, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s payload without booking id", models.ErrValidation, t)
	}
	return nil
}

// Handler reacts to a decoded event.
type Handler func(ev Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus provides in-process ordered fan-out of typed events.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[Type][]subscriber
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]subscriber)}
}

// Subscribe registers a handler for an event type. Handlers of one type are
// called in subscription order. The returned func removes the handler and
// is safe to call more than once.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[t] = append(b.subscribers[t], subscriber{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subscribers, t)
			} else {
				b.subscribers[t] = next
			}
			return
		}
	}
}

// Publish delivers ev to the current subscribers of its type and returns how
// many handlers ran. Handlers run synchronously on the caller's goroutine.
func (b *Bus) Publish(ev Event) int {
	if b == nil || ev == nil {
		return 0
	}
	b.mu.RLock()
	handlers := append([]subscriber(nil), b.subscribers[ev.EventType()]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		s.handler(ev)
	}
	return len(handlers)
}

// Count returns the number of handlers registered for t.
func (b *Bus) Count(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[t])
}
