package domain

import "context"

// ConnState is the connection state of the messaging session.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// Identity is the account the session is authenticated as.
type Identity struct {
	ID          int64
	DisplayName string
	Username    string
}

// Session is the authenticated connection to the messaging service.
//
// Events yields inbound messages in arrival order and is closed when the
// connection ends; Err then reports why (nil after Disconnect).
type Session interface {
	Connect(ctx context.Context) (Identity, error)
	Events() <-chan InboundMessage
	Err() error
	Disconnect()
	Identity() (Identity, error)
	State() ConnState
}
