package hsm

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotOpen is returned when an operation is attempted outside
	// an open session.
	ErrSessionNotOpen = errors.New("hsm: session not open")
	// ErrSessionOpen is returned by Open when a session is already active.
	ErrSessionOpen = errors.New("hsm: session already open")
	// ErrTimeout is returned when an operation does not complete within its
	// deadline. The session is closed; the HSM may or may not have applied
	// the operation.
	ErrTimeout = errors.New("hsm: operation timed out")
	// ErrUncertain is returned when a request was sent but the caller
	// cancelled before a response arrived. The operation may have executed;
	// callers must re-query state, never blindly retry.
	ErrUncertain = errors.New("hsm: outcome uncertain, re-query state before retrying")
)

// TransportError wraps a network-level failure. Transport errors are
// retryable; once retries are exhausted the session is closed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hsm: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusinessError is a rejection reported by the HSM itself, such as an
// unknown key label or a replayed sequence number. Never retried.
type BusinessError struct {
	Op      string
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("hsm: %s rejected [%s]: %s", e.Op, e.Code, e.Message)
}
