// Package drerr defines the error taxonomy used across the coordinator
// and drone agent: stable wire codes, a kind/retryable classification,
// and a correlation ID for tracing a failure across logs.
package drerr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is one of the error kinds enumerated by the specification's error
// handling design: protocol, capacity, transport, liveness, internal.
type Kind string

const (
	KindProtocol  Kind = "PROTOCOL"
	KindCapacity  Kind = "CAPACITY"
	KindTransport Kind = "TRANSPORT"
	KindLiveness  Kind = "LIVENESS"
	KindInternal  Kind = "INTERNAL"
)

// Stable wire codes. A full incident queue is normal back-pressure and
// never reaches the wire; a full registry is sent to the drone as the
// ERROR reply that rejects its HANDSHAKE.
const (
	CodeBadJSON        = "ERR-PROTO-400"
	CodeUnknownType    = "ERR-PROTO-400"
	CodeFrameTooLarge  = "ERR-PROTO-413"
	CodeRegistryFull   = "ERR-CAP-REGISTRY-FULL"
	CodeQueueFull      = "ERR-CAP-QUEUE-FULL"
	CodeConnReset      = "ERR-TRANSPORT-RESET"
	CodeHeartbeatMiss  = "ERR-LIVENESS-EVICT"
	CodeInternal       = "ERR-INTERNAL"
)

// CoordError is the system's single error type. It wraps an underlying
// cause, classifies it, and stamps a correlation ID so a single failure
// can be traced across the [SERVER]/[AI]/[PERF]/[DRONE] log prefixes.
type CoordError struct {
	Kind          Kind
	Code          string
	Message       string
	Retryable     bool
	CorrelationID string
	Timestamp     time.Time
	Cause         error
}

func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoordError) Unwrap() error { return e.Cause }

// New constructs a CoordError with a fresh correlation ID.
func New(kind Kind, code, message string, retryable bool, cause error) *CoordError {
	return &CoordError{
		Kind:          kind,
		Code:          code,
		Message:       message,
		Retryable:     retryable,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now(),
		Cause:         cause,
	}
}

// Protocol wraps a malformed-frame or unknown-message-type failure.
func Protocol(code, message string, cause error) *CoordError {
	return New(KindProtocol, code, message, false, cause)
}

// Transport wraps a read/write/EOF failure that triggers disconnect grace.
func Transport(message string, cause error) *CoordError {
	return New(KindTransport, CodeConnReset, message, true, cause)
}

// Liveness wraps a heartbeat-miss eviction.
func Liveness(message string) *CoordError {
	return New(KindLiveness, CodeHeartbeatMiss, message, false, nil)
}

// Internal wraps an assertion/invariant failure on the fatal shutdown path.
func Internal(message string, cause error) *CoordError {
	return New(KindInternal, CodeInternal, message, false, cause)
}
