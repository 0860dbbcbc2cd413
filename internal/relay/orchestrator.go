// Package relay runs the process lifecycle: it brings up the liveness server,
// connects the session, forwards direct messages to the webhook, and shuts
// everything down in order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"tgrelay/internal/bus"
	"tgrelay/internal/domain"
	"tgrelay/internal/metrics"
	"tgrelay/internal/normalize"
	"tgrelay/internal/webhook"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateInit            State = "init"
	StateConfigValidated State = "config_validated"
	StateConnected       State = "connected"
	StateRelaying        State = "relaying"
	StateShuttingDown    State = "shutting_down"
	StateFatal           State = "fatal"
)

// Dispatch modes. Ordered delivers one event at a time. Concurrent starts
// deliveries in queue order but lets them overlap, so the webhook may
// receive requests out of order.
const (
	ModeOrdered    = "ordered"
	ModeConcurrent = "concurrent"
)

// Dispatcher delivers relay events.
type Dispatcher interface {
	Deliver(ctx context.Context, ev domain.RelayEvent) webhook.Attempt
	URL() string
}

// Liveness is started before the session connects and stops when ctx ends.
type Liveness interface {
	Start(ctx context.Context) error
}

// PanicError is returned by Run when message handling panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("relay panic: %v", e.Value) }

// Config wires the orchestrator's collaborators.
type Config struct {
	Session    domain.Session
	Normalizer *normalize.Normalizer
	Dispatcher Dispatcher
	Health     Liveness // optional
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	Mode            string // ordered (default) or concurrent
	Concurrency     int
	QueueSize       int
	EnqueueTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Orchestrator owns the session for the lifetime of one Run.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Orchestrator {
	if cfg.Mode == "" {
		cfg.Mode = ModeOrdered
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = webhook.DefaultTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(nil)
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger, state: StateInit}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("relay state changed", "from", prev, "to", s)
}

// Run blocks until ctx is cancelled or the session ends. It returns nil on
// a requested or clean shutdown and the fatal cause otherwise. The session
// is always disconnected before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.validate(); err != nil {
		o.setState(StateFatal)
		return err
	}
	o.setState(StateConfigValidated)

	healthCtx, stopHealth := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHealth()
	if o.cfg.Health != nil {
		if err := o.cfg.Health.Start(healthCtx); err != nil {
			o.setState(StateFatal)
			return err
		}
	}

	defer o.cfg.Session.Disconnect()

	id, err := o.cfg.Session.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.setState(StateShuttingDown)
			o.logger.Info("shutdown requested while connecting")
			return nil
		}
		o.setState(StateFatal)
		return err
	}
	o.setState(StateConnected)
	o.banner(id)

	o.setState(StateRelaying)
	err = o.relay(ctx)
	if err != nil {
		o.setState(StateFatal)
		var pe *PanicError
		if errors.As(err, &pe) {
			o.logger.Error("relay loop panicked", "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			o.logger.Error("relay loop failed", "err", err)
		}
		return err
	}
	o.setState(StateShuttingDown)
	o.logger.Info("relay stopped")
	return nil
}

func (o *Orchestrator) validate() error {
	var fields []string
	if o.cfg.Session == nil {
		fields = append(fields, "session is not configured")
	}
	if o.cfg.Dispatcher == nil {
		fields = append(fields, "dispatcher is not configured")
	}
	if o.cfg.Mode != ModeOrdered && o.cfg.Mode != ModeConcurrent {
		fields = append(fields, fmt.Sprintf("DISPATCH_MODE: must be %s or %s, got %q", ModeOrdered, ModeConcurrent, o.cfg.Mode))
	}
	if len(fields) > 0 {
		return &domain.ConfigurationError{Fields: fields}
	}
	return nil
}

func (o *Orchestrator) banner(id domain.Identity) {
	username := id.Username
	if username == "" {
		username = normalize.NoUsername
	}
	target := o.cfg.Dispatcher.URL()
	if target == "" {
		target = "(disabled)"
	}
	o.logger.Info("relay connected",
		"account", id.DisplayName,
		"username", username,
		"account_id", id.ID,
		"webhook", target,
		"dispatch_mode", o.cfg.Mode,
	)
}

// relay consumes the session until it ends, then drains the dispatch queue.
func (o *Orchestrator) relay(ctx context.Context) error {
	queue := bus.New(bus.Options{
		BufferSize:  o.cfg.QueueSize,
		WaitTimeout: o.cfg.EnqueueTimeout,
		OnDrop:      func(domain.RelayEvent) { o.cfg.Metrics.EventDropped() },
		Logger:      o.logger,
	})

	fatal := make(chan error, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		o.dispatch(ctx, queue.Subscribe(), fatal)
	}()

	err := o.ingest(ctx, queue, fatal)

	o.cfg.Session.Disconnect()
	queue.Close()

	pending := queue.Len()
	timer := time.NewTimer(o.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		o.logger.Warn("shutdown timeout reached, abandoning queued events",
			"pending", pending, "timeout", o.cfg.ShutdownTimeout)
	}

	if err == nil {
		select {
		case err = <-fatal:
		default:
		}
	}
	return err
}

func (o *Orchestrator) ingest(ctx context.Context, queue *bus.InMemoryBus, fatal <-chan error) error {
	events := o.cfg.Session.Events()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutdown requested")
			return nil
		case err := <-fatal:
			return err
		case msg, ok := <-events:
			if !ok {
				if err := o.cfg.Session.Err(); err != nil {
					return err
				}
				o.logger.Info("session disconnected")
				return nil
			}
			if err := o.handle(msg, queue); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) handle(msg domain.InboundMessage, queue *bus.InMemoryBus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	o.cfg.Metrics.MessageReceived(msg.Origin)
	ev, src, ok := o.cfg.Normalizer.NormalizeDetailed(msg)
	if !ok {
		o.logger.Debug("ignoring non-direct message", "origin", msg.Origin, "message_id", msg.MessageID)
		return nil
	}
	o.logger.Info("direct message received",
		"sender_id", ev.SenderID,
		"sender_name", ev.SenderName,
		"message_id", ev.MessageID,
		"timestamp_source", src,
	)
	if queue.Publish(ev) {
		o.cfg.Metrics.EventRelayed()
	}
	return nil
}

// dispatch delivers queued events until the queue is closed and empty.
func (o *Orchestrator) dispatch(ctx context.Context, events <-chan domain.RelayEvent, fatal chan<- error) {
	if o.cfg.Mode == ModeOrdered {
		for ev := range events {
			o.deliver(ctx, ev, fatal)
		}
		return
	}

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for ev := range events {
		sem <- struct{}{}
		wg.Add(1)
		started := make(chan struct{})
		go func(ev domain.RelayEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			close(started)
			o.deliver(ctx, ev, fatal)
		}(ev)
		// Deliveries begin in queue order.
		<-started
	}
	wg.Wait()
}

func (o *Orchestrator) deliver(ctx context.Context, ev domain.RelayEvent, fatal chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case fatal <- &PanicError{Value: r, Stack: debug.Stack()}:
			default:
			}
		}
	}()
	o.cfg.Dispatcher.Deliver(ctx, ev)
}
