// Package errors provides the error taxonomy for scan orchestration.
//
// Every failure that ends a scan run is one of four kinds:
//   - KindProtocol: transport or parse failure talking to a scanner node (ProtocolError)
//   - KindNoNode: node selection exhausted (NoNodeAvailable)
//   - KindTimeout: a scan phase missed its deadline (Timeout)
//   - KindOrchestration: any other orchestration failure (ScanOrchestrationError)
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all orchestration errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "zap.StartSpider")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindProtocol
	KindNoNode
	KindTimeout
	KindOrchestration
	KindNetwork
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProtocol:
		return "protocol"
	case KindNoNode:
		return "no_node_available"
	case KindTimeout:
		return "timeout"
	case KindOrchestration:
		return "orchestration"
	case KindNetwork:
		return "network"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Message != "" && e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// TimeoutError is raised when a polled scan phase does not reach 100%
// before its deadline.
type TimeoutError struct {
	Phase       string
	LastPercent int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out at %d%% progress", e.Phase, e.LastPercent)
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Protocol wraps a transport or decoding failure as a ProtocolError.
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// NoNode creates a NoNodeAvailable error.
func NoNode(message string, err error) error {
	return &Error{Kind: KindNoNode, Message: message, Err: err}
}

// Orchestration creates a ScanOrchestrationError.
func Orchestration(message string) error {
	return &Error{Kind: KindOrchestration, Message: message}
}

// Connectivity marks a transient transport failure that outlived every retry.
func Connectivity(err error) error {
	return &Error{Kind: KindNetwork, Message: "Node connectivity failure", Err: err}
}

// Timeout creates a phase Timeout error carrying the last observed percentage.
func Timeout(phase string, lastPercent int) error {
	return &TimeoutError{Phase: phase, LastPercent: lastPercent}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the first known Kind in the error chain, or KindUnknown.
func GetKind(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *TimeoutError:
			return KindTimeout
		case *Error:
			if e.Kind != KindUnknown {
				return e.Kind
			}
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// IsProtocolError reports whether err is a scanner protocol failure.
func IsProtocolError(err error) bool {
	return GetKind(err) == KindProtocol
}

// IsNoNodeAvailable reports whether err is a node selection failure.
func IsNoNodeAvailable(err error) bool {
	return GetKind(err) == KindNoNode
}

// IsTimeoutError checks if the error is a phase timeout.
func IsTimeoutError(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsOrchestrationError checks if the error is a generic orchestration failure.
func IsOrchestrationError(err error) bool {
	return GetKind(err) == KindOrchestration
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return GetKind(err) == KindNotFound
}

// LastPercent returns the last observed progress of a timed out phase.
func LastPercent(err error) (int, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.LastPercent, true
	}
	return 0, false
}

// IsTransient reports whether err is a connection timeout or connection
// refused underneath a ProtocolError. Only these are retried.
func IsTransient(err error) bool {
	if err == nil || !IsProtocolError(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrAtCapacity is wrapped by NoNodeAvailable when every eligible node has
	// reached its concurrency ceiling. The run can be retried later.
	ErrAtCapacity = errors.New("all eligible nodes at concurrency ceiling")

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}
)
