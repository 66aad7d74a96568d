package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a failure for retry decisions.
type ErrorKind string

// Failure classes. Network, timeout, rate-limited and unknown errors are
// retryable; captcha, blocked and parsing errors are not.
const (
	ErrKindNetwork     ErrorKind = "network"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindCaptcha     ErrorKind = "captcha"
	ErrKindBlocked     ErrorKind = "blocked"
	ErrKindParsing     ErrorKind = "parsing"
	ErrKindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether retries can plausibly fix this failure class.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindRateLimited, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an error with its failure class.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError builds a ClassifiedError of the given kind.
func NewError(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Errorf builds a ClassifiedError from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrJobCancelled is returned by the execution path when it observes a
// cooperative cancellation and aborts.
var ErrJobCancelled = errors.New("job cancelled")

// ErrJobNotFound is returned by job stores for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrJobFinalized is returned by job stores when an update tries to move a
// job out of a terminal status. Terminal statuses are final; late writers
// (a reaped run's heartbeat, a finalize racing a cancel) get this conflict
// instead of resurrecting the job.
var ErrJobFinalized = errors.New("job already in a terminal status")

// StalledJobError is the synthetic failure produced by the reaper for jobs
// whose processing state went stale.
type StalledJobError struct {
	JobID string
	Since string
}

// Error implements error.
func (e *StalledJobError) Error() string {
	return fmt.Sprintf("job %s stalled: no progress update since %s", e.JobID, e.Since)
}

// Classify maps an arbitrary error to its failure class. Pre-classified
// errors keep their class; everything else is matched on shape and message.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrKindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "captcha"):
		return ErrKindCaptcha
	case strings.Contains(msg, "403") || strings.Contains(msg, "blocked") || strings.Contains(msg, "forbidden"):
		return ErrKindBlocked
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return ErrKindRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrKindTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "dns") || strings.Contains(msg, "refused") || strings.Contains(msg, "reset"):
		return ErrKindNetwork
	case strings.Contains(msg, "parse") || strings.Contains(msg, "selector") || strings.Contains(msg, "unmarshal"):
		return ErrKindParsing
	default:
		return ErrKindUnknown
	}
}
