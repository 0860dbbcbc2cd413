package webhook

import (
	"fmt"
	"time"
)

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeTransportError   Outcome = "transport_error"
	OutcomeNonSuccessStatus Outcome = "non_success_status"
	OutcomeSkipped          Outcome = "skipped"
)

// Attempt records one delivery try. It is returned to the caller for
// logging and tests and is never retained.
type Attempt struct {
	DeliveryID string
	URL        string
	Payload    []byte
	Outcome    Outcome
	StatusCode int    // success and non_success_status
	Body       string // non_success_status, truncated
	Err        error  // timeout and transport_error
	Duration   time.Duration
}

// OK reports whether the endpoint accepted the event.
func (a Attempt) OK() bool { return a.Outcome == OutcomeSuccess }

func (a Attempt) String() string {
	switch a.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("success(%d)", a.StatusCode)
	case OutcomeNonSuccessStatus:
		return fmt.Sprintf("non_success_status(%d)", a.StatusCode)
	case OutcomeTimeout, OutcomeTransportError:
		return fmt.Sprintf("%s(%v)", a.Outcome, a.Err)
	default:
		return string(a.Outcome)
	}
}
