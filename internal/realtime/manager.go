package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/events"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"

	"github.com/rs/zerolog"
)

// Credentials identify the real-time endpoint and the caller.
type Credentials struct {
	URL    string
	Origin string
	Token  string
}

// Transport opens connections to the real-time server. Dial returns only after
// the handshake has been confirmed.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one established connection. Receive blocks until a frame arrives
// or the connection fails; Close must unblock a pending Receive.
type Conn interface {
	Send(f events.Frame) error
	Receive() (events.Frame, error)
	Close() error
}

type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *zerolog.Logger
}

type connectHook struct {
	id uint64
	fn func(session uint64)
}

// Manager owns the single logical connection to the real-time server and
// keeps it alive until Disconnect.
type Manager struct {
	transport Transport
	schedule  backoff.Schedule
	logger    *zerolog.Logger
	bus       *events.Bus

	mu         sync.Mutex
	running    bool
	conn       Conn
	connected  bool
	attempts   int
	session    uint64
	hooks      []connectHook
	nextHookID uint64
	cancel     context.CancelFunc
	done       chan struct{}
	// stopping is closed once an in-flight Disconnect has finished
	stopping chan struct{}

	sendMu sync.Mutex
}

func NewManager(transport Transport, opts Options) *Manager {
	base := opts.ReconnectBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := opts.ReconnectMax
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Manager{
		transport: transport,
		schedule:  backoff.Schedule{Initial: base, Max: maxDelay, Factor: 2},
		logger:    logging.Component(opts.Logger, "realtime"),
		bus:       events.NewBus(),
	}
}

// Connect starts the connection loop. It is a no-op while a loop is running;
// while a Disconnect is in progress it waits for it and then starts a new loop.
func (m *Manager) Connect(creds Credentials) {
	m.mu.Lock()
	for m.stopping != nil {
		stopped := m.stopping
		m.mu.Unlock()
		<-stopped
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, creds, m.done)
}

// Disconnect stops the loop, closes the connection and waits for the loop to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if stopped := m.stopping; stopped != nil {
		m.mu.Unlock()
		<-stopped
		return
	}
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	conn := m.conn
	done := m.done
	stopped := make(chan struct{})
	m.stopping = stopped
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	m.running = false
	m.conn = nil
	m.connected = false
	m.attempts = 0
	m.stopping = nil
	m.mu.Unlock()
	close(stopped)
	metrics.SetConnected(false)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Attempts is the number of failed dials or drops since the last handshake.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ConnectionState{Connected: m.connected, Attempts: m.attempts, Session: m.session}
}

// Publish sends ev on the current connection. Events published while
// disconnected are dropped and ok is false.
func (m *Manager) Publish(ev events.Event) (uint64, bool) {
	m.mu.Lock()
	conn, session, connected := m.conn, m.session, m.connected
	m.mu.Unlock()

	eventType := string(ev.EventType())
	if !connected || conn == nil {
		metrics.IncPublish(eventType, "dropped")
		m.logger.Debug().Str("type", eventType).Msg("publish dropped: not connected")
		return session, false
	}

	frame, err := events.Encode(ev)
	if err != nil {
		m.logger.Error().Err(err).Str("type", eventType).Msg("encode event")
		return session, false
	}

	m.sendMu.Lock()
	err = conn.Send(frame)
	m.sendMu.Unlock()
	if err != nil {
		metrics.IncPublish(eventType, "dropped")
		m.logger.Warn().Err(err).Str("type", eventType).Msg("publish failed")
		return session, false
	}
	metrics.IncPublish(eventType, "sent")
	return session, true
}

// Subscribe registers h for inbound events of type t. Handlers run on the
// reader goroutine in subscription order.
func (m *Manager) Subscribe(t events.Type, h events.Handler) func() {
	return m.bus.Subscribe(t, h)
}

// OnConnect registers fn to run after every successful handshake.
func (m *Manager) OnConnect(fn func(session uint64)) func() {
	m.mu.Lock()
	m.nextHookID++
	id := m.nextHookID
	m.hooks = append(m.hooks, connectHook{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, h := range m.hooks {
				if h.id == id {
					m.hooks = append(m.hooks[:i:i], m.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) loop(ctx context.Context, creds Credentials, done chan struct{}) {
	defer close(done)

	for {
		conn, err := m.transport.Dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.retryAfter(ctx, err) {
				return
			}
			continue
		}

		session, hooks, ok := m.establish(ctx, conn)
		if !ok {
			_ = conn.Close()
			return
		}
		for _, h := range hooks {
			h.fn(session)
		}

		err = m.read(conn)
		m.drop(conn)
		if ctx.Err() != nil {
			return
		}
		if !m.retryAfter(ctx, err) {
			return
		}
	}
}

func (m *Manager) establish(ctx context.Context, conn Conn) (uint64, []connectHook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return 0, nil, false
	}
	m.conn = conn
	m.connected = true
	if m.session > 0 {
		metrics.IncReconnect()
	}
	m.session++
	m.attempts = 0
	metrics.SetConnected(true)
	m.logger.Info().Uint64("session", m.session).Msg("real-time connection established")
	return m.session, append([]connectHook(nil), m.hooks...), true
}

func (m *Manager) drop(conn Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected = false
	}
	m.mu.Unlock()
	metrics.SetConnected(false)
}

// retryAfter records a failed dial or a drop and waits for the next attempt.
func (m *Manager) retryAfter(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	delay := m.schedule.Next(attempt)
	m.logger.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("real-time connection lost, reconnecting")
	return backoff.Wait(ctx, delay)
}

func (m *Manager) read(conn Conn) error {
	for {
		frame, err := conn.Receive()
		if errors.Is(err, ErrMalformedFrame) {
			m.logger.Warn().Err(err).Msg("skipping malformed frame")
			continue
		}
		if err != nil {
			return err
		}
		ev, err := events.Decode(frame)
		if err != nil {
			if errors.Is(err, events.ErrUnknownType) {
				m.logger.Debug().Str("type", string(frame.Type)).Msg("skipping unknown frame")
			} else {
				m.logger.Warn().Err(err).Str("type", string(frame.Type)).Msg("skipping malformed frame")
			}
			continue
		}
		if n := m.bus.Publish(ev); n > 0 {
			metrics.IncDelivered(string(ev.EventType()))
		}
	}
}
