package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by Channel when the broker connection is not
// currently established. Callers are expected to degrade gracefully; a
// background reconnect attempt is already underway.
var ErrNotConnected = errors.New("broker not connected")

// ConnState describes the broker connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns a human readable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// BrokerConnection is the subset of an AMQP connection the manager uses.
type BrokerConnection interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// BrokerChannel is the subset of an AMQP channel the pipeline uses: topology
// declaration, persistent publish, and the bounded pull/ack/nack cycle the
// drain consumer relies on.
type BrokerChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Dialer opens a broker connection. Swapped out in tests.
type Dialer func(cfg BrokerConfig) (BrokerConnection, error)

// amqpConnection adapts *amqp.Connection to BrokerConnection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (BrokerChannel, error) {
	return c.Connection.Channel()
}

// DialBroker opens a real AMQP connection, using TLS when configured.
func DialBroker(cfg BrokerConfig) (BrokerConnection, error) {
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.NewTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("broker TLS config: %w", err)
		}
		conn, err := amqp.DialTLS(cfg.URL, tlsCfg)
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnManager owns one long-lived broker connection and its shared publish
// channel. It reconnects in the background after any loss, with a fixed delay
// between attempts, and never gives up. Emitters read the shared channel via
// Channel; the drain consumer borrows a dedicated channel via Acquire.
type ConnManager struct {
	cfg  BrokerConfig
	dial Dialer

	mu    sync.RWMutex
	state ConnState
	conn  BrokerConnection
	ch    BrokerChannel

	// dialMu serializes actual dial attempts so a synchronous Acquire and
	// the background loop never race, without blocking Channel readers.
	dialMu  sync.Mutex
	looping bool

	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewConnManager creates a manager for the given broker configuration. The
// connection is established lazily on first use.
func NewConnManager(cfg BrokerConfig, opts ...ConnOption) *ConnManager {
	m := &ConnManager{
		cfg:     cfg,
		dial:    DialBroker,
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConnOption customizes a ConnManager.
type ConnOption func(*ConnManager)

// WithDialer overrides how broker connections are opened.
func WithDialer(dial Dialer) ConnOption {
	return func(m *ConnManager) { m.dial = dial }
}

// State reports the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Channel returns the shared publish channel, or ErrNotConnected when the
// broker is unavailable. A miss schedules a background reconnect, so the
// caller never waits on broker I/O.
func (m *ConnManager) Channel() (BrokerChannel, error) {
	m.mu.RLock()
	if m.state == StateConnected {
		ch := m.ch
		m.mu.RUnlock()
		return ch, nil
	}
	m.mu.RUnlock()

	m.kick()
	return nil, ErrNotConnected
}

// Acquire returns a dedicated channel for a drain cycle, connecting
// synchronously if needed. The returned release func closes only that
// channel; the underlying connection stays with the manager.
func (m *ConnManager) Acquire() (BrokerChannel, func(), error) {
	if m.State() != StateConnected {
		if err := m.connect(); err != nil {
			return nil, nil, fmt.Errorf("broker unavailable: %w", err)
		}
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open drain channel: %w", err)
	}
	// Idempotent declare so a drain works even when no producer has
	// created the queue yet.
	if _, err := ch.QueueDeclare(m.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare queue %q: %w", m.cfg.Queue, err)
	}

	release := func() {
		if err := ch.Close(); err != nil {
			log.Printf("[broker] error closing drain channel: %v", err)
		}
	}
	return ch, release, nil
}

// Close shuts the manager down and waits for background goroutines.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closing)
	conn := m.conn
	m.conn = nil
	m.ch = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}

// kick starts the background reconnect loop unless one is already running.
func (m *ConnManager) kick() {
	m.mu.Lock()
	if m.closed || m.looping || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.looping = true
	m.state = StateConnecting
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reconnectLoop()
}

// reconnectLoop retries connect with a fixed delay until it succeeds or the
// manager closes. There is no retry bound.
func (m *ConnManager) reconnectLoop() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.looping = false
		m.mu.Unlock()
	}()

	for {
		err := m.connect()
		if err == nil {
			return
		}
		log.Printf("[broker] connect failed, retrying in %s: %v", m.cfg.ReconnectDelay, err)

		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-m.closing:
			return
		}
	}
}

// connect establishes the connection, shared channel and topology. It is a
// no-op when already connected.
func (m *ConnManager) connect() error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.RLock()
	if m.state == StateConnected {
		m.mu.RUnlock()
		return nil
	}
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return errors.New("connection manager closed")
	}

	conn, err := m.dial(m.cfg)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, m.cfg); err != nil {
		conn.Close()
		return err
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	m.conn = conn
	m.ch = ch
	m.state = StateConnected
	m.wg.Add(1)
	m.mu.Unlock()

	log.Printf("[broker] connected to %s (exchange=%s queue=%s)", redactURL(m.cfg.URL), m.cfg.Exchange, m.cfg.Queue)

	go m.watch(conn, closeCh)
	return nil
}

// watch waits for the connection to drop and schedules reconnection.
func (m *ConnManager) watch(conn BrokerConnection, closeCh chan *amqp.Error) {
	defer m.wg.Done()

	select {
	case amqpErr := <-closeCh:
		m.mu.Lock()
		// A stale watcher for an already replaced connection must not
		// tear down the current one.
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.conn = nil
		m.ch = nil
		m.state = StateDisconnected
		m.mu.Unlock()

		if amqpErr != nil {
			log.Printf("[broker] connection lost: %v", amqpErr)
		} else {
			log.Printf("[broker] connection closed")
		}
		m.kick()
	case <-m.closing:
	}
}

// declareTopology ensures the durable fanout exchange, the durable queue and
// their binding exist. All declares are idempotent.
func declareTopology(ch BrokerChannel, cfg BrokerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, "", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to exchange %q: %w", cfg.Queue, cfg.Exchange, err)
	}
	return nil
}
