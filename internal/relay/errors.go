package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// Class is the closed failure taxonomy every remote error is folded into at
// this boundary. The transfer engine never inspects raw client errors.
type Class int

const (
	// ClassTransient: network resets, transport/session faults, timeouts.
	// Retried locally with exponential backoff, bounded attempts.
	ClassTransient Class = iota
	// ClassRateLimited: remote-imposed cooldown with an announced wait.
	// Retried transparently after the wait; does not consume an attempt.
	ClassRateLimited
	// ClassFatal: the request itself is bad (permissions, missing message).
	// Never retried.
	ClassFatal
	// ClassValidation: rejected before any remote call was made.
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// RateLimitedError carries the wait announced by the remote side.
type RateLimitedError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.Wait, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError marks a retryable transport/session fault.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a non-retryable fault attributable to the request.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// ValidationError marks input rejected before any task was created.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Sentinels for common fatal conditions. Clients wrap these so callers can
// test with errors.Is while still seeing the underlying API message.
var (
	ErrNotFound = errors.New("message not found")
	ErrForbidden = errors.New("access forbidden")
	// ErrDestinationUnreachable means the destination rejects everything
	// (banned, kicked, deleted chat). It escalates to a whole-batch failure.
	ErrDestinationUnreachable = errors.New("destination unreachable")
)

// RateLimited wraps err as a rate-limit cooldown of the given wait.
func RateLimited(wait time.Duration, err error) error {
	return &RateLimitedError{Wait: wait, Err: err}
}

// Transient wraps err as a retryable fault.
func Transient(err error) error { return &TransientError{Err: err} }

// Fatal wraps err as a non-retryable fault.
func Fatal(err error) error { return &FatalError{Err: err} }

// Validation wraps err as pre-dispatch rejection.
func Validation(err error) error { return &ValidationError{Err: err} }

// Classify folds err into the taxonomy. Wrapped taxonomy errors win; anything
// unrecognized is treated as transient so a flaky transport gets its bounded
// retries rather than failing the task outright.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return ClassTransient, 0
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited, rl.Wait
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return ClassFatal, 0
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ClassValidation, 0
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient, 0
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrDestinationUnreachable) {
		return ClassFatal, 0
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return ClassFatal, 0
	}

	// Session/transport faults: timeouts, resets, closed connections.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, 0
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient, 0
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return ClassTransient, 0
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily unavailable"):
		return ClassTransient, 0
	}

	return ClassTransient, 0
}

// IsBatchFatal reports whether err should halt the entire batch rather than
// just the current task.
func IsBatchFatal(err error) bool {
	return errors.Is(err, ErrDestinationUnreachable)
}
