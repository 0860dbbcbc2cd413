// Package session owns the authenticated connection to Telegram.
//
// A Manager wraps one Backend and turns it into a domain.Session: it tracks
// the connection state, exposes inbound messages as a channel that closes
// when the connection ends, and makes Disconnect idempotent. A Manager is
// single-use; after the connection ends a new one must be created.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tgrelay/internal/domain"
	"tgrelay/internal/metrics"
)

// Backend is a concrete messaging client.
//
// Start performs the handshake and returns once the account is connected.
// After a successful Start, sink is called for every inbound message until
// Wait returns; it is never called afterwards. Wait blocks until the
// connection ends and returns nil only when Stop was requested.
type Backend interface {
	Name() string
	Start(ctx context.Context, sink func(domain.InboundMessage)) (domain.Identity, error)
	Wait() error
	Stop()
}

// Options configures a Manager.
type Options struct {
	BufferSize int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Manager implements domain.Session on top of a Backend.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    domain.ConnState
	identity domain.Identity
	started  bool
	stopping bool
	err      error

	events     chan domain.InboundMessage
	sinkMu     sync.RWMutex
	sinkClosed bool
	quit       chan struct{}
	quitOnce   sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func NewManager(backend Backend, opts Options) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	m := &Manager{
		backend: backend,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		state:   domain.StateDisconnected,
		events:  make(chan domain.InboundMessage, opts.BufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.metrics.SetSessionState(domain.StateDisconnected)
	return m
}

// Connect authenticates through the backend.
func (m *Manager) Connect(ctx context.Context) (domain.Identity, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return domain.Identity{}, domain.ErrSessionActive
	}
	if m.stopping {
		m.mu.Unlock()
		return domain.Identity{}, fmt.Errorf("session closed: %w", domain.ErrNotConnected)
	}
	m.started = true
	m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()

	m.logger.Info("connecting to telegram", "backend", m.backend.Name())

	id, err := m.backend.Start(ctx, m.sink)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(domain.StateFailed)
		m.err = err
		m.mu.Unlock()
		m.finish()
		return domain.Identity{}, err
	}

	m.mu.Lock()
	if m.stopping {
		// Disconnect raced with the handshake.
		m.mu.Unlock()
		m.backend.Stop()
		m.watch()
		return domain.Identity{}, fmt.Errorf("connect: %w", domain.ErrNotConnected)
	}
	m.identity = id
	m.setStateLocked(domain.StateConnected)
	m.mu.Unlock()

	go m.watch()
	return id, nil
}

// watch waits for the backend to end and closes the event stream.
func (m *Manager) watch() {
	err := m.backend.Wait()

	m.mu.Lock()
	if m.stopping {
		m.setStateLocked(domain.StateDisconnected)
	} else {
		m.err = &domain.StreamTerminationError{Err: err}
		m.setStateLocked(domain.StateFailed)
	}
	m.mu.Unlock()

	m.finish()
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() {
		m.quitOnce.Do(func() { close(m.quit) })
		m.sinkMu.Lock()
		m.sinkClosed = true
		close(m.events)
		m.sinkMu.Unlock()
		close(m.done)
	})
}

func (m *Manager) sink(msg domain.InboundMessage) {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	if m.sinkClosed {
		return
	}
	select {
	case m.events <- msg:
	case <-m.quit:
	}
}

// Events returns inbound messages in arrival order. The channel is closed
// when the connection ends.
func (m *Manager) Events() <-chan domain.InboundMessage { return m.events }

// Done is closed once the event stream has been closed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err reports why the event stream ended: nil after Disconnect, a
// *domain.StreamTerminationError after a connection loss, or the Connect error.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Disconnect releases the connection and waits for the backend to stop.
// It is safe to call more than once, before Connect, and after a failure.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.stopping = true
	started := m.started
	connected := m.state == domain.StateConnected
	m.mu.Unlock()

	m.quitOnce.Do(func() { close(m.quit) })

	switch {
	case !started:
		m.mu.Lock()
		m.setStateLocked(domain.StateDisconnected)
		m.mu.Unlock()
		m.finish()
	case connected:
		m.logger.Info("disconnecting from telegram", "backend", m.backend.Name())
		m.backend.Stop()
	}
	<-m.done
}

// Identity returns the connected account.
func (m *Manager) Identity() (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected {
		return domain.Identity{}, domain.ErrNotConnected
	}
	return m.identity, nil
}

func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setStateLocked(s domain.ConnState) {
	m.state = s
	m.metrics.SetSessionState(s)
}

var _ domain.Session = (*Manager)(nil)
