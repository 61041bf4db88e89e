package service

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"bookingcoord/internal/domain"
	"bookingcoord/internal/events"
	"bookingcoord/internal/models"
)

const updatesBuffer = 16

// Projection mirrors the status of one booking from the events of its room.
type Projection struct {
	bookingID string
	stop      func()

	mu       sync.Mutex
	current  models.Status
	history  []models.StatusEvent
	updates  chan models.StatusEvent
	detached bool
	once     sync.Once
}

// AttachProjection joins the booking's room and starts projecting from initial.
func AttachProjection(rooms domain.RoomWatcher, bookingID string, initial models.Status) (*Projection, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking id is required", models.ErrValidation)
	}
	if initial == "" {
		initial = models.StatusPending
	}
	if !initial.Valid() {
		return nil, fmt.Errorf("%w: unknown booking status %q", models.ErrValidation, initial)
	}

	p := &Projection{
		bookingID: bookingID,
		current:   initial,
		updates:   make(chan models.StatusEvent, updatesBuffer),
	}
	stop, err := rooms.Watch(bookingID, p.onEvent)
	if err != nil {
		return nil, err
	}
	p.stop = stop
	return p, nil
}

func (p *Projection) BookingID() string {
	return p.bookingID
}

func (p *Projection) onEvent(ev events.Event) {
	upd, ok := ev.(events.BookingStatusUpdate)
	if !ok {
		return
	}
	p.apply(upd.StatusEvent())
}

// apply records ev as the latest known state. Events for other bookings are ignored.
func (p *Projection) apply(ev models.StatusEvent) bool {
	if ev.BookingID != p.bookingID || !ev.Status.Valid() {
		return false
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return false
	}
	p.current = ev.Status
	p.history = append(p.history, ev)
	select {
	case p.updates <- ev:
	default:
	}
	return true
}

func (p *Projection) Current() models.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// History returns the received events, oldest first.
func (p *Projection) History() []models.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.history)
}

// Updates delivers received events without blocking the sender; when the
// reader falls behind, events are skipped but Current stays exact.
func (p *Projection) Updates() <-chan models.StatusEvent {
	return p.updates
}

// Detach leaves the room and closes Updates. It is safe to call more than once.
func (p *Projection) Detach() {
	p.once.Do(func() {
		p.stop()
		p.mu.Lock()
		p.detached = true
		close(p.updates)
		p.mu.Unlock()
	})
}
