package realtime

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"bookingcoord/internal/events"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"

	"github.com/rs/zerolog"
)

const maxRoomHistory = 100

// Connection is the part of Manager the registry depends on.
type Connection interface {
	Publish(ev events.Event) (uint64, bool)
	Subscribe(t events.Type, h events.Handler) func()
	OnConnect(fn func(session uint64)) func()
}

type roomHandler struct {
	id uint64
	fn events.Handler
}

type bookingRoom struct {
	count int
	// joinedOn is the session the join was last sent on; 0 when it was dropped.
	joinedOn uint64
	history  []models.StatusEvent
	handlers []roomHandler
}

// Registry reference-counts local interest in booking rooms and fans inbound
// status updates out to the watchers of each booking.
type Registry struct {
	conn   Connection
	logger *zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*bookingRoom
	nextID uint64

	stop []func()
}

func NewRegistry(conn Connection, logger *zerolog.Logger) *Registry {
	r := &Registry{
		conn:   conn,
		logger: logging.Component(logger, "rooms"),
		rooms:  make(map[string]*bookingRoom),
	}
	r.stop = append(r.stop,
		conn.Subscribe(events.TypeBookingStatusUpdate, r.onEvent),
		conn.OnConnect(r.onConnect),
	)
	return r
}

// Close detaches the registry from the connection. Rooms are not left.
func (r *Registry) Close() {
	for _, fn := range r.stop {
		fn()
	}
}

// Join adds one local observer to the booking's room.
func (r *Registry) Join(bookingID string) error {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return fmt.Errorf("%w: booking id is required", models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(bookingID)
	return nil
}

// Leave removes one local observer. Leaving a room nobody joined is a no-op.
func (r *Registry) Leave(bookingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(strings.TrimSpace(bookingID))
}

// Watch joins the booking's room and registers h for its status updates.
// The returned stop func unregisters h and leaves; it may be called more than once.
func (r *Registry) Watch(bookingID string, h events.Handler) (func(), error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking id is required", models.ErrValidation)
	}

	r.mu.Lock()
	rm := r.joinLocked(bookingID)
	r.nextID++
	id := r.nextID
	rm.handlers = append(rm.handlers, roomHandler{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if rm, ok := r.rooms[bookingID]; ok {
				rm.handlers = slices.DeleteFunc(rm.handlers, func(h roomHandler) bool { return h.id == id })
			}
			r.leaveLocked(bookingID)
		})
	}, nil
}

func (r *Registry) joinLocked(bookingID string) *bookingRoom {
	rm, ok := r.rooms[bookingID]
	if !ok {
		rm = &bookingRoom{}
		r.rooms[bookingID] = rm
	}
	rm.count++
	if rm.count == 1 {
		if session, sent := r.conn.Publish(events.JoinBookingRoom{BookingID: bookingID}); sent {
			rm.joinedOn = session
		}
		r.logger.Debug().Str("booking_id", bookingID).Uint64("session", rm.joinedOn).Msg("joined room")
		metrics.SetRoomsJoined(len(r.rooms))
	}
	return rm
}

func (r *Registry) leaveLocked(bookingID string) {
	rm, ok := r.rooms[bookingID]
	if !ok {
		return
	}
	rm.count--
	if rm.count > 0 {
		return
	}
	delete(r.rooms, bookingID)
	r.conn.Publish(events.LeaveBookingRoom{BookingID: bookingID})
	r.logger.Debug().Str("booking_id", bookingID).Msg("left room")
	metrics.SetRoomsJoined(len(r.rooms))
}

func (r *Registry) onEvent(ev events.Event) {
	upd, ok := ev.(events.BookingStatusUpdate)
	if !ok {
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[upd.BookingID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("booking_id", upd.BookingID).Msg("status update for unwatched booking")
		return
	}
	rm.history = append(rm.history, upd.StatusEvent())
	if len(rm.history) > maxRoomHistory {
		rm.history = rm.history[len(rm.history)-maxRoomHistory:]
	}
	handlers := slices.Clone(rm.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h.fn(upd)
	}
}

// onConnect re-joins every live room once per session.
func (r *Registry) onConnect(session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		rm := r.rooms[id]
		if rm.count == 0 || rm.joinedOn == session {
			continue
		}
		if sent, ok := r.conn.Publish(events.JoinBookingRoom{BookingID: id}); ok {
			rm.joinedOn = sent
		}
	}
	r.logger.Info().Uint64("session", session).Int("rooms", len(ids)).Msg("rooms rejoined")
}

func (r *Registry) Count(bookingID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[bookingID]; ok {
		return rm.count
	}
	return 0
}

// Rooms lists the rooms with local observers, sorted by booking id.
func (r *Registry) Rooms() []models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Subscription, 0, len(r.rooms))
	for id, rm := range r.rooms {
		out = append(out, models.Subscription{BookingID: id, LocalObserverCount: rm.count})
	}
	slices.SortFunc(out, func(a, b models.Subscription) int { return strings.Compare(a.BookingID, b.BookingID) })
	return out
}

// History returns the buffered status events of a joined room, oldest first.
func (r *Registry) History(bookingID string) []models.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[bookingID]; ok {
		return slices.Clone(rm.history)
	}
	return nil
}
