// Package webhook delivers relay events to the configured HTTP endpoint.
//
// Delivery is best-effort and at-most-once: every Deliver call issues at
// most one POST and reports the result as an Attempt. Nothing is retried
// and no failure is returned as an error, so a downstream outage can
// never stop ingestion.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tgrelay/internal/domain"
	"tgrelay/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyLog     = 4 << 10

	DeliveryIDHeader = "X-Delivery-ID"
)

// Config configures the dispatcher.
type Config struct {
	URL       string // empty disables delivery
	Secret    string // HMAC secret for X-Signature-256 (optional)
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client // optional, for tests
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher posts relay events as JSON.
type Dispatcher struct {
	url       string
	secret    string
	timeout   time.Duration
	userAgent string
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tgrelay"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{
		url:       cfg.URL,
		secret:    cfg.Secret,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		client:    cfg.Client,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Enabled reports whether an endpoint is configured.
func (d *Dispatcher) Enabled() bool { return d.url != "" }

// URL returns the configured endpoint.
func (d *Dispatcher) URL() string { return d.url }

// Deliver posts ev to the configured endpoint. Cancelling ctx does not
// abort a request already in flight; only the timeout does.
func (d *Dispatcher) Deliver(ctx context.Context, ev domain.RelayEvent) Attempt {
	attempt := d.deliver(ctx, ev)
	d.metrics.Delivery(string(attempt.Outcome), attempt.Duration)
	d.log(ev, attempt)
	return attempt
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.RelayEvent) Attempt {
	attempt := Attempt{DeliveryID: uuid.NewString(), URL: d.url}
	if d.url == "" {
		attempt.Outcome = OutcomeSkipped
		return attempt
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		// RelayEvent holds only strings and integers.
		attempt.Outcome = OutcomeTransportError
		attempt.Err = fmt.Errorf("encode event: %w", err)
		return attempt
	}
	attempt.Payload = payload

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		attempt.Outcome = OutcomeTransportError
		attempt.Err = fmt.Errorf("build request: %w", err)
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(DeliveryIDHeader, attempt.DeliveryID)
	if d.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, d.secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		attempt.Duration = time.Since(start)
		attempt.Err = err
		if isTimeout(err) {
			attempt.Outcome = OutcomeTimeout
		} else {
			attempt.Outcome = OutcomeTransportError
		}
		return attempt
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	attempt.Duration = time.Since(start)
	attempt.StatusCode = resp.StatusCode

	if resp.StatusCode == http.StatusOK {
		attempt.Outcome = OutcomeSuccess
		return attempt
	}
	attempt.Outcome = OutcomeNonSuccessStatus
	attempt.Body = string(body)
	return attempt
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (d *Dispatcher) log(ev domain.RelayEvent, a Attempt) {
	attrs := []any{
		"delivery_id", a.DeliveryID,
		"sender_id", ev.SenderID,
		"message_id", ev.MessageID,
	}
	switch a.Outcome {
	case OutcomeSuccess:
		d.logger.Info("webhook delivered", append(attrs, "status", a.StatusCode, "duration", a.Duration)...)
	case OutcomeNonSuccessStatus:
		d.logger.Warn("webhook rejected event", append(attrs, "status", a.StatusCode, "body", a.Body, "duration", a.Duration)...)
	case OutcomeTimeout:
		d.logger.Error("webhook timed out", append(attrs, "timeout", d.timeout, "err", a.Err)...)
	case OutcomeTransportError:
		d.logger.Error("webhook delivery failed", append(attrs, "url", d.url, "err", a.Err)...)
	case OutcomeSkipped:
		d.logger.Warn("webhook not configured, event skipped", attrs...)
	}
}
