package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/domain"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/models"

	"github.com/rs/zerolog"
)

const refreshTimeout = 10 * time.Second

type TrackerOptions struct {
	Token        string
	ActionPolicy backoff.Policy
	Logger       *zerolog.Logger
}

// StatusTracker is a projection of one booking plus the actions a requester
// can take on it. It catches up from the backend after every reconnect.
type StatusTracker struct {
	*Projection

	backend domain.BookingBackend
	policy  backoff.Policy
	token   string
	logger  *zerolog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	removeHook func()

	mu     sync.Mutex
	closed bool
}

// NewStatusTracker starts tracking rec. conn may be nil, in which case no
// automatic refresh happens on reconnect.
func NewStatusTracker(
	rooms domain.RoomWatcher,
	conn domain.ConnectionObserver,
	backend domain.BookingBackend,
	rec models.BookingRecord,
	opts TrackerOptions,
) (*StatusTracker, error) {
	proj, err := AttachProjection(rooms, rec.ID, rec.Status)
	if err != nil {
		return nil, err
	}

	logger := logging.Component(opts.Logger, "tracker").With().Str("booking_id", proj.BookingID()).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	t := &StatusTracker{
		Projection: proj,
		backend:    backend,
		policy:     instrument(defaultPolicy(opts.ActionPolicy, 3, 500*time.Millisecond), "tracker", &logger),
		token:      opts.Token,
		logger:     &logger,
		ctx:        ctx,
		cancel:     cancel,
		removeHook: func() {},
	}
	if conn != nil {
		t.removeHook = conn.OnConnect(t.onReconnect)
	}
	return t, nil
}

func (t *StatusTracker) onReconnect(uint64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, refreshTimeout)
		defer cancel()
		if err := t.Refresh(ctx); err != nil && t.ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("catch-up after reconnect failed")
		}
	}()
}

// Refresh reads the booking from the backend and records its status when it
// differs from the current one.
func (t *StatusTracker) Refresh(ctx context.Context) error {
	rec, err := backoff.Execute(ctx, t.policy, func(ctx context.Context) (models.BookingRecord, error) {
		return t.backend.GetBooking(ctx, t.BookingID(), t.token)
	})
	if err != nil {
		return err
	}
	t.observe(rec)
	return nil
}

// Cancel asks the backend to cancel the booking.
func (t *StatusTracker) Cancel(ctx context.Context) (models.BookingRecord, error) {
	if current := t.Current(); current.Terminal() {
		return models.BookingRecord{}, fmt.Errorf("%w: booking is already %s", models.ErrInvalidState, current)
	}
	rec, err := backoff.Execute(ctx, t.policy, func(ctx context.Context) (models.BookingRecord, error) {
		return t.backend.CancelBooking(ctx, t.BookingID(), t.token)
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("cancel booking failed")
		return models.BookingRecord{}, err
	}
	t.observe(rec)
	return rec, nil
}

func (t *StatusTracker) observe(rec models.BookingRecord) {
	if rec.ID != t.BookingID() || rec.Status == t.Current() {
		return
	}
	t.apply(models.StatusEvent{BookingID: rec.ID, Status: rec.Status, EmittedAt: time.Now().UTC()})
}

// Close stops reconnect catch-ups and detaches the projection.
func (t *StatusTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.removeHook()
	t.cancel()
	t.wg.Wait()
	t.Detach()
}
