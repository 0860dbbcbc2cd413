package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected  = errors.New("session is not connected")
	ErrSessionActive = errors.New("session already active")
)

// ConfigurationError lists every required or invalid setting found at startup.
type ConfigurationError struct {
	Fields []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Fields, "; ")
}

// AuthKind classifies authentication failures.
type AuthKind string

const (
	AuthFailed               AuthKind = "failed"
	AuthSecondFactorRequired AuthKind = "second_factor_required"
	AuthMissingCredentials   AuthKind = "missing_credentials"
)

// AuthenticationError is returned by Session.Connect when the handshake fails.
type AuthenticationError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication %s", e.Kind)
	}
	return fmt.Sprintf("authentication %s: %v", e.Kind, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Actionable returns the hint printed to the operator before exiting.
func (e *AuthenticationError) Actionable() string {
	switch e.Kind {
	case AuthSecondFactorRequired:
		return "two-step verification password is required: disable 2FA on the account temporarily, or run `tgrelay login` and complete the login from an authorized client"
	case AuthMissingCredentials:
		return "credentials are missing: set TELEGRAM_API_ID, TELEGRAM_API_HASH and TELEGRAM_PHONE (or TELEGRAM_BOT_TOKEN for the bot backend)"
	default:
		return "check the account credentials, remove the stored session file if it is stale, then run `tgrelay login`"
	}
}

// StreamTerminationError reports that the inbound event stream ended
// without a requested disconnect.
type StreamTerminationError struct {
	Err error
}

func (e *StreamTerminationError) Error() string {
	if e.Err == nil {
		return "event stream terminated"
	}
	return "event stream terminated: " + e.Err.Error()
}

func (e *StreamTerminationError) Unwrap() error { return e.Err }
