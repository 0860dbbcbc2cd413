package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgrelay/internal/domain"
	"tgrelay/internal/health"
	"tgrelay/internal/logging"
	"tgrelay/internal/metrics"
	"tgrelay/internal/normalize"
	"tgrelay/internal/webhook"
)

// fakeSession is a domain.Session driven by the test.
type fakeSession struct {
	id         domain.Identity
	connectErr error
	connecting chan struct{}
	release    chan struct{}

	events      chan domain.InboundMessage
	closeOnce   sync.Once
	mu          sync.Mutex
	state       domain.ConnState
	err         error
	disconnects atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:     domain.Identity{ID: 1, DisplayName: "Relay"},
		events: make(chan domain.InboundMessage, 16),
		state:  domain.StateDisconnected,
	}
}

func (s *fakeSession) Connect(ctx context.Context) (domain.Identity, error) {
	if s.connecting != nil {
		close(s.connecting)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return domain.Identity{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		s.state = domain.StateFailed
		return domain.Identity{}, s.connectErr
	}
	s.state = domain.StateConnected
	return s.id, nil
}

func (s *fakeSession) Events() <-chan domain.InboundMessage { return s.events }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Disconnect() {
	s.disconnects.Add(1)
	s.end(nil)
}

// end closes the stream as if the connection ended with err.
func (s *fakeSession) end(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.state = domain.StateDisconnected
		s.mu.Unlock()
		close(s.events)
	})
}

func (s *fakeSession) Identity() (domain.Identity, error) { return s.id, nil }

func (s *fakeSession) State() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func direct(id int64, text string) domain.InboundMessage {
	return domain.InboundMessage{SenderID: 42, SenderName: "Ann", Text: text, MessageID: id, Origin: domain.OriginDirect}
}

// endpoint records delivered events in arrival order.
type endpoint struct {
	*httptest.Server
	mu       sync.Mutex
	bodies   [][]byte
	inflight atomic.Int32
	peak     atomic.Int32
}

func newEndpoint(t *testing.T, status int, delay time.Duration) *endpoint {
	t.Helper()
	ep := &endpoint{}
	ep.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ep.inflight.Add(1)
		defer ep.inflight.Add(-1)
		for {
			p := ep.peak.Load()
			if n <= p || ep.peak.CompareAndSwap(p, n) {
				break
			}
		}
		body, _ := io.ReadAll(r.Body)
		ep.mu.Lock()
		ep.bodies = append(ep.bodies, body)
		ep.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(ep.Close)
	return ep
}

func (ep *endpoint) received() [][]byte {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([][]byte(nil), ep.bodies...)
}

func (ep *endpoint) messageIDs(t *testing.T) []int64 {
	t.Helper()
	var ids []int64
	for _, b := range ep.received() {
		var ev domain.RelayEvent
		require.NoError(t, json.Unmarshal(b, &ev))
		ids = append(ids, ev.MessageID)
	}
	return ids
}

func newOrchestrator(sess domain.Session, url string, opts ...func(*Config)) (*Orchestrator, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := Config{
		Session:         sess,
		Dispatcher:      webhook.New(webhook.Config{URL: url, Timeout: 2 * time.Second, Logger: logging.Discard(), Metrics: m}),
		Metrics:         m,
		Logger:          logging.Discard(),
		ShutdownTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return New(cfg), m
}

func runAsync(ctx context.Context, o *Orchestrator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_RelaysDirectMessage(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 0)
	sess := newFakeSession()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	o, m := newOrchestrator(sess, ep.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)

	sess.events <- domain.InboundMessage{SenderID: 42, SenderName: "Ann", Text: "hi", MessageID: 7, Date: ts, Origin: domain.OriginDirect}
	require.Eventually(t, func() bool { return len(ep.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRelaying, o.State())

	cancel()
	require.NoError(t, waitRun(t, done))

	assert.JSONEq(t,
		`{"sender_id":42,"sender_name":"Ann","sender_username":"No username","message":"hi","message_id":7,"timestamp":"2025-03-14T09:26:53Z"}`,
		string(ep.received()[0]))
	assert.Equal(t, StateShuttingDown, o.State())
	assert.GreaterOrEqual(t, sess.disconnects.Load(), int32(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRelayed))
}

func TestRun_NonSuccessStatusDoesNotStopLoop(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError, 0)
	sess := newFakeSession()
	o, m := newOrchestrator(sess, ep.URL)
	done := runAsync(context.Background(), o)

	sess.events <- direct(1, "first")
	sess.events <- direct(2, "second")
	require.Eventually(t, func() bool { return len(ep.received()) == 2 }, 2*time.Second, 10*time.Millisecond)

	sess.end(nil)
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("non_success_status")))
}

func TestRun_IgnoresGroupAndChannelTraffic(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 0)
	sess := newFakeSession()
	o, m := newOrchestrator(sess, ep.URL)
	done := runAsync(context.Background(), o)

	sess.events <- domain.InboundMessage{SenderID: 5, MessageID: 100, Text: "group", Origin: domain.OriginGroup}
	sess.events <- domain.InboundMessage{SenderID: 6, MessageID: 101, Text: "channel", Origin: domain.OriginChannel}
	sess.events <- direct(102, "dm")
	require.Eventually(t, func() bool { return len(ep.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	sess.end(nil)
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, []int64{102}, ep.messageIDs(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("group")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("direct")))
}

func TestRun_OrderedDelivery(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 5*time.Millisecond)
	sess := newFakeSession()
	o, _ := newOrchestrator(sess, ep.URL)
	done := runAsync(context.Background(), o)

	for i := int64(1); i <= 10; i++ {
		sess.events <- direct(i, "msg")
	}
	require.Eventually(t, func() bool { return len(ep.received()) == 10 }, 3*time.Second, 10*time.Millisecond)
	sess.end(nil)
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ep.messageIDs(t))
	assert.Equal(t, int32(1), ep.peak.Load(), "ordered mode never overlaps deliveries")
}

func TestRun_ConcurrentDeliveryOverlaps(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 200*time.Millisecond)
	sess := newFakeSession()
	o, _ := newOrchestrator(sess, ep.URL, func(c *Config) {
		c.Mode = ModeConcurrent
		c.Concurrency = 4
	})
	done := runAsync(context.Background(), o)

	for i := int64(1); i <= 4; i++ {
		sess.events <- direct(i, "msg")
	}
	require.Eventually(t, func() bool { return len(ep.received()) == 4 }, 3*time.Second, 10*time.Millisecond)
	sess.end(nil)
	require.NoError(t, waitRun(t, done))

	assert.Greater(t, ep.peak.Load(), int32(1))
	assert.LessOrEqual(t, ep.peak.Load(), int32(4))
}

func TestRun_StreamTerminationIsFatal(t *testing.T) {
	sess := newFakeSession()
	o, _ := newOrchestrator(sess, "")
	done := runAsync(context.Background(), o)

	require.Eventually(t, func() bool { return o.State() == StateRelaying }, 2*time.Second, 5*time.Millisecond)
	sess.end(&domain.StreamTerminationError{Err: errors.New("connection reset")})

	err := waitRun(t, done)
	var termErr *domain.StreamTerminationError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, StateFatal, o.State())
	assert.GreaterOrEqual(t, sess.disconnects.Load(), int32(1))
}

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	sess := newFakeSession()
	sess.connectErr = &domain.AuthenticationError{Kind: domain.AuthSecondFactorRequired}
	o, _ := newOrchestrator(sess, "")

	err := o.Run(context.Background())

	var authErr *domain.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.AuthSecondFactorRequired, authErr.Kind)
	assert.Equal(t, StateFatal, o.State())
	assert.Equal(t, int32(1), sess.disconnects.Load())
}

func TestRun_InvalidModeIsConfigurationError(t *testing.T) {
	o, _ := newOrchestrator(newFakeSession(), "", func(c *Config) { c.Mode = "parallel" })

	err := o.Run(context.Background())

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StateFatal, o.State())
}

type panickingDispatcher struct{}

func (panickingDispatcher) Deliver(context.Context, domain.RelayEvent) webhook.Attempt {
	panic("boom")
}

func (panickingDispatcher) URL() string { return "http://example.invalid" }

func TestRun_PanicIsFatal(t *testing.T) {
	sess := newFakeSession()
	o, _ := newOrchestrator(sess, "", func(c *Config) { c.Dispatcher = panickingDispatcher{} })
	done := runAsync(context.Background(), o)

	sess.events <- direct(1, "hi")

	err := waitRun(t, done)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, StateFatal, o.State())
}

func TestRun_DrainsQueueOnShutdown(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 50*time.Millisecond)
	sess := newFakeSession()
	o, m := newOrchestrator(sess, ep.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)

	for i := int64(1); i <= 3; i++ {
		sess.events <- direct(i, "msg")
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.EventsRelayed) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, []int64{1, 2, 3}, ep.messageIDs(t))
}

func TestRun_ShutdownTimeoutBoundsDrain(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, time.Second)
	sess := newFakeSession()
	o, m := newOrchestrator(sess, ep.URL, func(c *Config) { c.ShutdownTimeout = 100 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)

	sess.events <- direct(1, "slow")
	sess.events <- direct(2, "queued")
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.EventsRelayed) == 2 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRun_DropsWhenQueueStaysFull(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 500*time.Millisecond)
	sess := newFakeSession()
	o, m := newOrchestrator(sess, ep.URL, func(c *Config) {
		c.QueueSize = 1
		c.EnqueueTimeout = 10 * time.Millisecond
		c.ShutdownTimeout = 50 * time.Millisecond
	})
	done := runAsync(context.Background(), o)

	for i := int64(1); i <= 5; i++ {
		sess.events <- direct(i, "burst")
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.EventsDropped) >= 1 }, 2*time.Second, 5*time.Millisecond)

	sess.end(nil)
	require.NoError(t, waitRun(t, done))
}

func TestRun_HealthAnswersBeforeSessionConnects(t *testing.T) {
	sess := newFakeSession()
	sess.connecting = make(chan struct{})
	sess.release = make(chan struct{})
	srv := health.New(health.Config{Addr: "127.0.0.1:0", Logger: logging.Discard()})
	o, _ := newOrchestrator(sess, "", func(c *Config) { c.Health = srv })

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)
	<-sess.connecting

	assert.Equal(t, domain.StateDisconnected, sess.State())
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateShuttingDown, o.State())
}

func TestRun_UsesReceiptTimeWhenDateMissing(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, 0)
	sess := newFakeSession()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	o, _ := newOrchestrator(sess, ep.URL, func(c *Config) { c.Normalizer = normalize.New(clock) })
	done := runAsync(context.Background(), o)

	sess.events <- direct(1, "no date")
	require.Eventually(t, func() bool { return len(ep.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sess.end(nil)
	require.NoError(t, waitRun(t, done))

	var ev domain.RelayEvent
	require.NoError(t, json.Unmarshal(ep.received()[0], &ev))
	assert.Equal(t, "2025-01-02T03:04:05Z", ev.Timestamp)
}
