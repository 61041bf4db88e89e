package dispatch

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"bookingcoord/internal/config"
	"bookingcoord/internal/domain"
	"bookingcoord/internal/events"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/models"
	"bookingcoord/internal/service"

	"github.com/rs/zerolog"
)

// Deps are the collaborators of a Board. Conn and Backend are optional;
// without them tracked bookings do not catch up after a reconnect.
type Deps struct {
	Events  domain.EventSubscriber
	Rooms   domain.RoomWatcher
	Conn    domain.ConnectionObserver
	Backend domain.BookingBackend
}

// Entry is a point-in-time view of one booking on the board.
type Entry struct {
	BookingID   string               `json:"bookingId"`
	Status      models.Status        `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
	AnnouncedAt time.Time            `json:"announcedAt"`
	Live        bool                 `json:"live"`
	History     []models.StatusEvent `json:"history"`
}

type tracked struct {
	rec         models.BookingRecord
	announcedAt time.Time
	tracker     *service.StatusTracker

	// set once the booking reached a terminal status
	final   models.Status
	history []models.StatusEvent
}

// Board follows every booking announced on booking:new until it completes
// or is cancelled. At most maxTracked bookings are kept; the oldest is
// dropped first.
type Board struct {
	deps       Deps
	maxTracked int
	policy     config.RetryPolicyConfig
	logger     *zerolog.Logger

	mu          sync.Mutex
	entries     map[string]*tracked
	order       []string
	unsubscribe func()
	stopped     bool
	wg          sync.WaitGroup
}

func NewBoard(deps Deps, cfg config.DispatchConfig, retry config.RetryPolicyConfig, logger *zerolog.Logger) *Board {
	maxTracked := cfg.MaxTracked
	if maxTracked <= 0 {
		maxTracked = 500
	}
	return &Board{
		deps:       deps,
		maxTracked: maxTracked,
		policy:     retry,
		logger:     logging.Component(logger, "board"),
		entries:    make(map[string]*tracked),
	}
}

// Start subscribes to booking announcements.
func (b *Board) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribe != nil || b.stopped {
		return
	}
	b.unsubscribe = b.deps.Events.Subscribe(events.TypeBookingNew, b.onBookingNew)
	b.logger.Info().Int("max_tracked", b.maxTracked).Msg("dispatch board started")
}

func (b *Board) onBookingNew(ev events.Event) {
	announced, ok := ev.(events.BookingNew)
	if !ok {
		return
	}
	if err := b.Track(announced.Booking); err != nil {
		b.logger.Warn().Err(err).Str("booking_id", announced.Booking.ID).Msg("ignoring announced booking")
	}
}

// Track adds rec to the board. Bookings already on the board are left alone.
func (b *Board) Track(rec models.BookingRecord) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return fmt.Errorf("%w: booking id is required", models.ErrValidation)
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown booking status %q", models.ErrValidation, rec.Status)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return fmt.Errorf("%w: board stopped", models.ErrInvalidState)
	}
	if _, ok := b.entries[rec.ID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	t := &tracked{rec: rec, announcedAt: time.Now().UTC()}
	if rec.Status.Terminal() {
		t.final = rec.Status
	} else {
		conn := b.deps.Conn
		if b.deps.Backend == nil {
			conn = nil
		}
		tracker, err := service.NewStatusTracker(b.deps.Rooms, conn, b.deps.Backend, rec, service.TrackerOptions{
			ActionPolicy: b.policy.Policy(),
			Logger:       b.logger,
		})
		if err != nil {
			return err
		}
		t.tracker = tracker
	}

	b.mu.Lock()
	if _, ok := b.entries[rec.ID]; ok || b.stopped {
		b.mu.Unlock()
		if t.tracker != nil {
			t.tracker.Close()
		}
		return nil
	}
	b.entries[rec.ID] = t
	b.order = append(b.order, rec.ID)
	evicted := b.evictLocked()
	if t.tracker != nil {
		b.wg.Add(1)
		go b.follow(rec.ID, t.tracker)
	}
	b.mu.Unlock()

	for _, ev := range evicted {
		if ev.tracker != nil {
			ev.tracker.Close()
		}
	}
	b.logger.Info().Str("booking_id", rec.ID).Str("status", string(rec.Status)).Msg("booking tracked")
	return nil
}

func (b *Board) evictLocked() []*tracked {
	var evicted []*tracked
	for len(b.order) > b.maxTracked {
		id := b.order[0]
		b.order = b.order[1:]
		evicted = append(evicted, b.entries[id])
		delete(b.entries, id)
		b.logger.Debug().Str("booking_id", id).Msg("booking evicted from board")
	}
	return evicted
}

// follow waits for a terminal status and then stops tracking, keeping the
// final state on the board.
func (b *Board) follow(id string, tracker *service.StatusTracker) {
	defer b.wg.Done()
	for range tracker.Updates() {
		status := tracker.Current()
		if !status.Terminal() {
			continue
		}
		tracker.Close()
		b.mu.Lock()
		if t, ok := b.entries[id]; ok && t.tracker == tracker {
			t.final = status
			t.history = tracker.History()
			t.tracker = nil
		}
		b.mu.Unlock()
		b.logger.Info().Str("booking_id", id).Str("status", string(status)).Msg("booking finished")
		return
	}
}

// Get returns the board entry for id.
func (b *Board) Get(id string) (Entry, bool) {
	b.mu.Lock()
	t, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	return b.entry(t), true
}

// Snapshot lists the board, oldest announcement first.
func (b *Board) Snapshot() []Entry {
	b.mu.Lock()
	list := make([]*tracked, 0, len(b.order))
	for _, id := range b.order {
		list = append(list, b.entries[id])
	}
	b.mu.Unlock()

	out := make([]Entry, 0, len(list))
	for _, t := range list {
		out = append(out, b.entry(t))
	}
	return out
}

func (b *Board) entry(t *tracked) Entry {
	b.mu.Lock()
	tracker := t.tracker
	e := Entry{
		BookingID:   t.rec.ID,
		Status:      t.final,
		CreatedAt:   t.rec.CreatedAt,
		AnnouncedAt: t.announcedAt,
		History:     slices.Clone(t.history),
	}
	b.mu.Unlock()

	if tracker != nil {
		e.Live = true
		e.Status = tracker.Current()
		e.History = tracker.History()
	}
	if e.History == nil {
		e.History = []models.StatusEvent{}
	}
	return e
}

// Stop unsubscribes from announcements and stops tracking every booking.
func (b *Board) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	var trackers []*service.StatusTracker
	for _, t := range b.entries {
		if t.tracker != nil {
			trackers = append(trackers, t.tracker)
		}
	}
	b.mu.Unlock()

	for _, tracker := range trackers {
		tracker.Close()
	}
	b.wg.Wait()
	b.logger.Info().Msg("dispatch board stopped")
}
