package domain

import "time"

// Origin tells where an inbound message was posted.
type Origin string

const (
	OriginDirect  Origin = "direct"
	OriginGroup   Origin = "group"
	OriginChannel Origin = "channel"
)

// InboundMessage is a raw message observed on the session. It is consumed
// once by the normalizer and never stored.
type InboundMessage struct {
	SenderID   int64
	SenderName string  // empty when the transport did not supply one
	Username   *string // nil when the sender has no username
	Text       string
	MessageID  int64
	Date       time.Time // zero when the transport did not supply one
	Origin     Origin
}

// IsDirect reports whether the message came from a one-to-one chat.
func (m InboundMessage) IsDirect() bool {
	return m.Origin == OriginDirect
}

// RelayEvent is the normalized record posted to the webhook. Field names
// are part of the downstream contract.
type RelayEvent struct {
	SenderID       int64  `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderUsername string `json:"sender_username"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	MessageID      int64  `json:"message_id"`
}
