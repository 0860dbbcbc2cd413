// Package normalize turns raw inbound messages into relay events.
//
// Only direct (one-to-one) messages produce an event. Missing sender data is
// replaced with explicit sentinels so the downstream never has to guess
// whether a field was empty or absent.
package normalize

import (
	"time"

	"github.com/jonboulle/clockwork"

	"tgrelay/internal/domain"
)

const (
	UnknownSender = "Unknown"
	NoUsername    = "No username"
)

// TimestampSource records where an event's timestamp came from.
type TimestampSource string

const (
	TimestampTransport TimestampSource = "transport"
	TimestampReceipt   TimestampSource = "receipt"
)

// Normalizer maps inbound messages to relay events. The clock supplies the
// receipt time used when the transport has no message date.
type Normalizer struct {
	clock clockwork.Clock
}

func New(clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Normalizer{clock: clock}
}

// Normalize returns the event for msg, or false when msg is group or channel traffic.
func (n *Normalizer) Normalize(msg domain.InboundMessage) (domain.RelayEvent, bool) {
	ev, _, ok := n.NormalizeDetailed(msg)
	return ev, ok
}

// NormalizeDetailed is Normalize plus the source of the timestamp.
func (n *Normalizer) NormalizeDetailed(msg domain.InboundMessage) (domain.RelayEvent, TimestampSource, bool) {
	if !msg.IsDirect() {
		return domain.RelayEvent{}, "", false
	}

	name := msg.SenderName
	if name == "" {
		name = UnknownSender
	}
	username := NoUsername
	if msg.Username != nil {
		username = *msg.Username
	}

	ts, src := msg.Date, TimestampTransport
	if ts.IsZero() {
		ts, src = n.clock.Now(), TimestampReceipt
	}

	return domain.RelayEvent{
		SenderID:       msg.SenderID,
		SenderName:     name,
		SenderUsername: username,
		Message:        msg.Text,
		Timestamp:      ts.UTC().Format(time.RFC3339),
		MessageID:      msg.MessageID,
	}, src, true
}
