package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgrelay/internal/logging"
	"tgrelay/internal/metrics"
)

func TestHealth_OK(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Logger: logging.Discard()})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	s := New(Config{Logger: logging.Discard()})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealth_MetricsRouteOptional(t *testing.T) {
	rr := httptest.NewRecorder()
	New(Config{Logger: logging.Discard()}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	reg := prometheus.NewRegistry()
	metrics.New(reg).EventRelayed()
	rr = httptest.NewRecorder()
	New(Config{Metrics: metrics.Handler(reg), Logger: logging.Discard()}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tgrelay_events_relayed_total 1")
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_BindError(t *testing.T) {
	first := New(Config{Addr: "127.0.0.1:0", Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, first.Start(ctx))

	second := New(Config{Addr: first.Addr(), Logger: logging.Discard()})
	assert.Error(t, second.Start(ctx))
}
