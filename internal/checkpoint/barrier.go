package checkpoint

import (
	"fmt"
	"time"
)

// State is the lifecycle of a barrier. COMMITTED and ABORTED are terminal.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Barrier divides the stream into commit windows. FirstSeq and LastSeq are the batch sequences
// the window covers.
type Barrier struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	FirstSeq  uint64    `json:"firstSeq"`
	LastSeq   uint64    `json:"lastSeq"`
	Records   int       `json:"records"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

// CheckpointTimeoutError is returned when a barrier does not commit within the checkpoint timeout.
// The barrier is aborted and retried.
type CheckpointTimeoutError struct {
	Barrier uint64
	Timeout time.Duration
	Err     error
}

func (e *CheckpointTimeoutError) Error() string {
	return fmt.Sprintf("checkpoint %d did not commit within %s: %v", e.Barrier, e.Timeout, e.Err)
}

func (e *CheckpointTimeoutError) Unwrap() error {
	return e.Err
}

// fatalError stops the retry loop.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }
