// Package faults defines the engine's error taxonomy. Every error crossing a
// step or handler boundary is classified into a Kind which drives retry,
// compensation, and terminal-status decisions. Faults preserve their cause
// chain for errors.Is/As while remaining serializable into journal entries
// and step records.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for the engine's control flow.
type Kind string

const (
	// KindTransient marks failures expected to succeed on retry.
	KindTransient Kind = "transient"
	// KindPermanent marks failures that must not be retried.
	KindPermanent Kind = "permanent"
	// KindTimeout marks deadline expirations, including wait timeouts.
	KindTimeout Kind = "timeout"
	// KindCancelled marks work abandoned because cancellation was requested.
	KindCancelled Kind = "cancelled"
	// KindValidation marks malformed input or payloads.
	KindValidation Kind = "validation"
	// KindGuard marks business-rule guard violations.
	KindGuard Kind = "guard"
	// KindStepExhausted marks a step whose retry budget ran out.
	KindStepExhausted Kind = "step_exhausted"
)

// Fault is an error with an engine Kind. It wraps an optional cause and
// supports errors.Is/As through Unwrap.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil && f.Message != "" {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	if f.Cause != nil {
		return f.Cause.Error()
	}
	if f.Message != "" {
		return f.Message
	}
	return string(f.Kind)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Cause }

// New constructs a Fault of the given kind wrapping err. A nil err yields a
// Fault with only the kind as message.
func New(kind Kind, err error) *Fault { return &Fault{Kind: kind, Cause: err} }

// Newf constructs a Fault of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Fault { return New(KindTransient, err) }

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) *Fault { return Newf(KindTransient, format, args...) }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Fault { return New(KindPermanent, err) }

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) *Fault { return Newf(KindPermanent, format, args...) }

// Timeout wraps err as a deadline expiration.
func Timeout(err error) *Fault { return New(KindTimeout, err) }

// Timeoutf formats a deadline expiration.
func Timeoutf(format string, args ...any) *Fault { return Newf(KindTimeout, format, args...) }

// Cancelled wraps err as a cancellation.
func Cancelled(err error) *Fault { return New(KindCancelled, err) }

// Cancelledf formats a cancellation.
func Cancelledf(format string, args ...any) *Fault { return Newf(KindCancelled, format, args...) }

// Validation wraps err as an input validation failure.
func Validation(err error) *Fault { return New(KindValidation, err) }

// Validationf formats an input validation failure.
func Validationf(format string, args ...any) *Fault { return Newf(KindValidation, format, args...) }

// Guard wraps err as a business-rule violation.
func Guard(err error) *Fault { return New(KindGuard, err) }

// Guardf formats a business-rule violation.
func Guardf(format string, args ...any) *Fault { return Newf(KindGuard, format, args...) }

// ExhaustedError is recorded when a step's retry budget runs out. Unwrap
// returns the last attempt's error so callers can inspect the root cause.
type ExhaustedError struct {
	// Step is the step name whose retries were exhausted.
	Step string
	// Attempts is the number of attempts made, including the first.
	Attempts int
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step %q exhausted after %d attempts: %v", e.Step, e.Attempts, e.LastError)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// KindOf classifies err. Faults report their own kind, exhausted steps report
// KindStepExhausted, context errors map to timeout/cancelled, and anything
// unrecognized is treated as permanent so unknown failures are never retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return KindStepExhausted
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindPermanent
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Info is the serializable form of a classified error, stored in instance
// rows, step records, and journal payloads.
type Info struct {
	Kind    Kind   `json:"kind" bson:"kind"`
	Message string `json:"message" bson:"message"`
}

// InfoOf captures err as an Info, or nil for a nil error.
func InfoOf(err error) *Info {
	if err == nil {
		return nil
	}
	return &Info{Kind: KindOf(err), Message: err.Error()}
}

// Err reconstructs an error from a stored Info. The cause chain is not
// preserved across storage; only kind and message survive.
func (i *Info) Err() error {
	if i == nil {
		return nil
	}
	return &Fault{Kind: i.Kind, Message: i.Message}
}
