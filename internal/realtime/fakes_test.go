package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bookingcoord/internal/events"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan events.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []events.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan events.Frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Send(f events.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive() (events.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return events.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, ev events.Event) {
	t.Helper()
	f, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.in <- f
}

func (c *fakeConn) sentFrames() []events.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Frame(nil), c.sent...)
}

func (c *fakeConn) sentOfType(t events.Type) int {
	n := 0
	for _, f := range c.sentFrames() {
		if f.Type == t {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    chan *fakeConn
}

func newFakeTransport(failures int) *fakeTransport {
	return &fakeTransport{failures: failures, conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, _ Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.dials++
	if t.failures > 0 {
		t.failures--
		t.mu.Unlock()
		return nil, errRefused
	}
	t.mu.Unlock()

	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatalf("no connection dialed")
		return nil
	}
}

// fakeConnection drives the registry without a reader goroutine.
type fakeConnection struct {
	bus *events.Bus

	mu        sync.Mutex
	connected bool
	session   uint64
	published []events.Event
	hooks     []func(uint64)
}

func newFakeConnection(connected bool) *fakeConnection {
	c := &fakeConnection{bus: events.NewBus(), connected: connected}
	if connected {
		c.session = 1
	}
	return c
}

func (c *fakeConnection) Publish(ev events.Event) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.session, false
	}
	c.published = append(c.published, ev)
	return c.session, true
}

func (c *fakeConnection) Subscribe(t events.Type, h events.Handler) func() {
	return c.bus.Subscribe(t, h)
}

func (c *fakeConnection) OnConnect(fn func(uint64)) func() {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeConnection) disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeConnection) reconnect() uint64 {
	c.mu.Lock()
	c.connected = true
	c.session++
	session := c.session
	hooks := append(([]func(uint64))(nil), c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(session)
	}
	return session
}

func (c *fakeConnection) replayHooks() {
	c.mu.Lock()
	session := c.session
	hooks := append(([]func(uint64))(nil), c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(session)
	}
}

func (c *fakeConnection) deliver(ev events.Event) {
	c.bus.Publish(ev)
}

func (c *fakeConnection) count(t events.Type, bookingID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.published {
		if ev.EventType() != t {
			continue
		}
		switch e := ev.(type) {
		case events.JoinBookingRoom:
			if e.BookingID == bookingID {
				n++
			}
		case events.LeaveBookingRoom:
			if e.BookingID == bookingID {
				n++
			}
		}
	}
	return n
}
