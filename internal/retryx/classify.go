// Package retryx is the bounded exponential-backoff-with-jitter retry
// helper (C3) and the transient/permanent error classification it
// consults, adapted from the teacher's internal/errors package
// (retry.go, types.go).
package retryx

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error explicitly as retryable.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error explicitly as not retryable.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransient wraps err as an explicitly retryable error.
func NewTransient(err error, message string) error {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as an explicitly non-retryable error.
func NewPermanent(err error, message string) error {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether err should be retried: explicit markers
// take precedence, then network/syscall heuristics, then a permanent
// default (never retry an error we don't recognize).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if isNetworkError(err) {
		return true
	}
	if isSyscallTransient(err) {
		return true
	}
	return false
}

// IsPermanent is the logical complement used where callers want to
// short-circuit explicitly rather than infer from !IsTransient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	return !IsTransient(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "timeout", "deadline exceeded",
		"connection reset", "broken pipe", "temporary failure",
		"rate limit", "429", "502", "503", "504",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isSyscallTransient(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
