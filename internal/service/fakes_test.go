package service

import (
	"context"
	"sync"
	"time"

	"bookingcoord/internal/events"
	"bookingcoord/internal/models"

	"github.com/stretchr/testify/mock"
)

type fakeBackend struct {
	mu          sync.Mutex
	slotCalls   int
	createCalls int

	slotsFn  func(ctx context.Context, category string, date time.Time) ([]string, error)
	createFn func(ctx context.Context, draft models.BookingDraft) (models.BookingRecord, error)
}

func (b *fakeBackend) GetAvailableSlots(ctx context.Context, category string, date time.Time) ([]string, error) {
	b.mu.Lock()
	b.slotCalls++
	fn := b.slotsFn
	b.mu.Unlock()
	if fn == nil {
		return []string{}, nil
	}
	return fn(ctx, category, date)
}

func (b *fakeBackend) CreateBooking(ctx context.Context, draft models.BookingDraft, _ string) (models.BookingRecord, error) {
	b.mu.Lock()
	b.createCalls++
	fn := b.createFn
	b.mu.Unlock()
	if fn == nil {
		return models.BookingRecord{ID: "bk-1", Status: models.StatusPending}, nil
	}
	return fn(ctx, draft)
}

func (b *fakeBackend) GetBooking(context.Context, string, string) (models.BookingRecord, error) {
	return models.BookingRecord{}, models.ErrNotFound
}

func (b *fakeBackend) CancelBooking(context.Context, string, string) (models.BookingRecord, error) {
	return models.BookingRecord{}, models.ErrNotFound
}

func (b *fakeBackend) counts() (slots, creates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slotCalls, b.createCalls
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) GetAvailableSlots(ctx context.Context, category string, date time.Time) ([]string, error) {
	args := m.Called(ctx, category, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockBackend) CreateBooking(ctx context.Context, draft models.BookingDraft, token string) (models.BookingRecord, error) {
	args := m.Called(ctx, draft, token)
	return args.Get(0).(models.BookingRecord), args.Error(1)
}

func (m *mockBackend) GetBooking(ctx context.Context, id string, token string) (models.BookingRecord, error) {
	args := m.Called(ctx, id, token)
	return args.Get(0).(models.BookingRecord), args.Error(1)
}

func (m *mockBackend) CancelBooking(ctx context.Context, id string, token string) (models.BookingRecord, error) {
	args := m.Called(ctx, id, token)
	return args.Get(0).(models.BookingRecord), args.Error(1)
}

type fakeAssistant struct{}

func (fakeAssistant) Ask(_ context.Context, question string, _ string) (string, error) {
	return "answer to " + question, nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	queued []events.Event
}

func (o *fakeOutbox) Enqueue(_ context.Context, ev events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = append(o.queued, ev)
	return nil
}

// fakeLink stands in for the real-time connection manager.
type fakeLink struct {
	bus *events.Bus

	mu        sync.Mutex
	connected bool
	session   uint64
	published []events.Event
	hooks     map[int]func(uint64)
	nextHook  int
}

func newFakeLink(connected bool) *fakeLink {
	l := &fakeLink{bus: events.NewBus(), connected: connected, hooks: make(map[int]func(uint64))}
	if connected {
		l.session = 1
	}
	return l
}

func (l *fakeLink) Publish(ev events.Event) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return l.session, false
	}
	l.published = append(l.published, ev)
	return l.session, true
}

func (l *fakeLink) Subscribe(t events.Type, h events.Handler) func() {
	return l.bus.Subscribe(t, h)
}

func (l *fakeLink) OnConnect(fn func(uint64)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextHook++
	id := l.nextHook
	l.hooks[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.hooks, id)
	}
}

func (l *fakeLink) State() models.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.ConnectionState{Connected: l.connected, Session: l.session}
}

func (l *fakeLink) reconnect() {
	l.mu.Lock()
	l.connected = true
	l.session++
	session := l.session
	hooks := make([]func(uint64), 0, len(l.hooks))
	for _, h := range l.hooks {
		hooks = append(hooks, h)
	}
	l.mu.Unlock()
	for _, h := range hooks {
		h(session)
	}
}

func (l *fakeLink) deliver(id string, status models.Status) {
	l.bus.Publish(events.BookingStatusUpdate{BookingID: id, Status: status, EmittedAt: time.Now().UTC()})
}

func (l *fakeLink) sent() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.published...)
}
