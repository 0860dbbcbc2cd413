package bus

import (
	"log/slog"
	"sync"
	"time"

	"tgrelay/internal/domain"
)

// InMemoryBus is a bounded Go-channel queue between ingestion and delivery.
type InMemoryBus struct {
	events      chan domain.RelayEvent
	waitTimeout time.Duration
	onDrop      func(domain.RelayEvent)
	mu          sync.RWMutex
	closed      bool
	logger      *slog.Logger
}

// Options configures an InMemoryBus.
type Options struct {
	BufferSize  int
	WaitTimeout time.Duration          // how long Publish waits on a full buffer
	OnDrop      func(domain.RelayEvent) // optional
	Logger      *slog.Logger
}

// New creates a new InMemoryBus.
func New(opts Options) *InMemoryBus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.OnDrop == nil {
		opts.OnDrop = func(domain.RelayEvent) {}
	}
	return &InMemoryBus{
		events:      make(chan domain.RelayEvent, opts.BufferSize),
		waitTimeout: opts.WaitTimeout,
		onDrop:      opts.OnDrop,
		logger:      opts.Logger,
	}
}

// Publish enqueues ev. If the buffer is full it waits up to the configured
// timeout, then drops ev and returns false.
func (b *InMemoryBus) Publish(ev domain.RelayEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "message_id", ev.MessageID)
		return false
	}

	select {
	case b.events <- ev:
		return true
	default:
	}

	b.logger.Warn("dispatch queue full, waiting", "sender_id", ev.SenderID, "message_id", ev.MessageID)
	timer := time.NewTimer(b.waitTimeout)
	defer timer.Stop()
	select {
	case b.events <- ev:
		b.logger.Info("event queued after wait", "message_id", ev.MessageID)
		return true
	case <-timer.C:
		b.logger.Error("event dropped: dispatch queue full",
			"sender_id", ev.SenderID,
			"message_id", ev.MessageID,
			"waited", b.waitTimeout,
		)
		b.onDrop(ev)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.RelayEvent {
	return b.events
}

// Len returns the number of queued events.
func (b *InMemoryBus) Len() int { return len(b.events) }

// Close stops accepting events. Subscribers drain what is buffered and
// then see the channel closed.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

var _ domain.EventQueue = (*InMemoryBus)(nil)
