// Package errs defines the error taxonomy shared by the messaging core.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports bad local input. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// TransportError reports that the remote service was unreachable. Callers
// retry with backoff; it never surfaces per-event to the UI.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestFailed reports a server round-trip that failed. Status carries the
// HTTP status when known; failures are surfaced at the granularity of the
// entity they affected.
type RequestFailed struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestFailed) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request failed: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("request failed: %s: %v", e.Op, e.Err)
}

func (e *RequestFailed) Unwrap() error { return e.Err }

// ErrConflictIgnored marks a duplicate or stale event absorbed by the
// store's dedup rules. Logged only, never surfaced.
var ErrConflictIgnored = errors.New("conflict ignored")

// Retryable reports whether another attempt may succeed: transport faults
// and server-side (5xx / 429) request failures qualify, client errors do
// not.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var rf *RequestFailed
	if errors.As(err, &rf) {
		return rf.Status == 0 || rf.Status == 429 || rf.Status >= 500
	}
	return false
}
