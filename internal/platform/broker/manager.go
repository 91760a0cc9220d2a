package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Defaults for the initial connection policy.
const (
	DefaultExchangeKind = "topic"
	DefaultMaxRetries   = 10
	DefaultRetryDelay   = 5 * time.Second
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("broker: manager closed")
	// ErrNotConnected is returned when the connection dropped between Connect and use.
	ErrNotConnected = errors.New("broker: not connected")
)

// Config describes the broker endpoint and exchange topology.
type Config struct {
	URL          string
	Exchange     string
	ExchangeKind string

	// MaxRetries and RetryDelay bound the initial connection attempt only.
	MaxRetries int
	RetryDelay time.Duration
}

// Manager owns the single connection and channel to the broker. It declares
// the exchange and reconnects on its own after the connection is lost.
type Manager struct {
	cfg       Config
	dial      Dialer
	reconnect Backoff
	logger    *slog.Logger

	// connectMu serializes connection attempts so concurrent callers wait for
	// the one in flight instead of dialing again.
	connectMu sync.Mutex

	mu     sync.RWMutex
	conn   Connection
	ch     Channel
	closed bool

	blocked    atomic.Bool
	flowPaused atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the AMQP dialer, mostly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReconnectBackoff sets the delay policy used after an established
// connection is lost. Reconnection never gives up until Close.
func WithReconnectBackoff(b Backoff) Option {
	return func(m *Manager) { m.reconnect = b }
}

// NewManager returns an unconnected Manager. The first Connect (or the first
// publish/consume) opens the connection.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = DefaultExchangeKind
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	m := &Manager{
		cfg:       cfg,
		dial:      DialAMQP,
		reconnect: ExponentialJitter{Initial: 500 * time.Millisecond, Max: 30 * time.Second},
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Exchange returns the name of the declared exchange.
func (m *Manager) Exchange() string { return m.cfg.Exchange }

// Connected reports whether a live connection and channel are held.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && m.ch != nil
}

// Blocked reports whether the broker has asked publishers to hold off, either
// through connection.blocked or channel.flow.
func (m *Manager) Blocked() bool {
	return m.blocked.Load() || m.flowPaused.Load()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Connect opens the connection and channel and declares the exchange. It is a
// no-op when already connected, and waits for an attempt already in flight.
// A failed attempt is retried MaxRetries times, RetryDelay apart, before the
// error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	if m.Connected() {
		return nil
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	for attempt := 0; ; attempt++ {
		if m.isClosed() {
			return ErrClosed
		}
		if m.Connected() {
			return nil
		}

		err := m.open()
		if err == nil {
			m.logger.Info("Broker connected", "exchange", m.cfg.Exchange)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		m.logger.Error("Broker connection failed", "attempt", attempt+1, "error", err)
		if attempt >= m.cfg.MaxRetries {
			return fmt.Errorf("broker: connect: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case <-time.After(m.cfg.RetryDelay):
		}
	}
}

// Channel connects if needed and returns the live channel.
func (m *Manager) Channel(ctx context.Context) (Channel, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	ch := m.ch
	m.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}
	return ch, nil
}

// open dials once. Callers hold connectMu.
func (m *Manager) open() error {
	conn, err := m.dial(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(m.cfg.Exchange, m.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %q: %w", m.cfg.Exchange, err)
	}

	w := watch{
		conn:     conn,
		ch:       ch,
		connErr:  conn.NotifyClose(make(chan *amqp.Error, 1)),
		chanErr:  ch.NotifyClose(make(chan *amqp.Error, 1)),
		blocking: conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		flow:     ch.NotifyFlow(make(chan bool, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn, m.ch = conn, ch
	m.blocked.Store(false)
	m.flowPaused.Store(false)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.observe(w)
	return nil
}

type watch struct {
	conn     Connection
	ch       Channel
	connErr  chan *amqp.Error
	chanErr  chan *amqp.Error
	blocking chan amqp.Blocking
	flow     chan bool
	returns  chan amqp.Return
}

// observe follows one connection until it closes. An unexpected close drops
// the references and starts reconnecting; a close we asked for ends quietly.
func (m *Manager) observe(w watch) {
	defer m.wg.Done()

	for {
		select {
		case b, ok := <-w.blocking:
			if !ok {
				w.blocking = nil
				continue
			}
			m.blocked.Store(b.Active)
			if b.Active {
				m.logger.Warn("Broker blocked publishing", "reason", b.Reason)
			} else {
				m.logger.Info("Broker unblocked publishing")
			}

		case active, ok := <-w.flow:
			if !ok {
				w.flow = nil
				continue
			}
			m.flowPaused.Store(!active)
			m.logger.Warn("Broker channel flow changed", "active", active)

		case r, ok := <-w.returns:
			if !ok {
				w.returns = nil
				continue
			}
			m.logger.Warn("Broker returned unroutable message",
				"exchange", r.Exchange, "routingKey", r.RoutingKey, "messageID", r.MessageId, "reason", r.ReplyText)

		case amqpErr, ok := <-w.chanErr:
			if !ok {
				w.chanErr = nil
				continue
			}
			if amqpErr == nil {
				continue
			}
			m.logger.Error("Broker channel error", "error", amqpErr)
			m.reset(w.conn)
			_ = w.conn.Close()
			m.reconnectLoop()
			return

		case amqpErr, ok := <-w.connErr:
			if !ok || amqpErr == nil {
				// Graceful close, initiated by Close or by the channel branch above.
				m.reset(w.conn)
				return
			}
			m.logger.Error("Broker connection error", "error", amqpErr)
			m.logger.Info("Broker connection closed. Reconnecting...")
			m.reset(w.conn)
			m.reconnectLoop()
			return
		}
	}
}

// reset drops the references if they still belong to conn.
func (m *Manager) reset(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
		m.ch = nil
	}
	m.blocked.Store(false)
	m.flowPaused.Store(false)
}

// reconnectLoop retries without limit, backing off between attempts, until a
// connection is up again or the manager is closed.
func (m *Manager) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		m.connectMu.Lock()
		if m.isClosed() {
			m.connectMu.Unlock()
			return
		}
		if m.Connected() {
			m.connectMu.Unlock()
			return
		}
		err := m.open()
		m.connectMu.Unlock()

		if err == nil {
			m.logger.Info("Broker reconnected", "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		delay := m.reconnect.Delay(attempt)
		m.logger.Warn("Broker reconnect failed", "attempt", attempt, "retryIn", delay, "error", err)
		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}
	}
}

// Close closes the channel and then the connection. Errors are logged, never
// returned, so shutdown always proceeds.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	conn, ch := m.conn, m.ch
	m.conn, m.ch = nil, nil
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Error("Broker channel close error", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Error("Broker connection close error", "error", err)
		}
	}

	m.wg.Wait()
	m.logger.Info("Broker connection closed")
}
