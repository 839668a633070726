package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	// ErrPoolExhausted is returned when no connection could be leased before the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrCancelled is returned when the caller's deadline passed or the request was cancelled.
	ErrCancelled = errors.New("request cancelled")
	// ErrConnBroken marks a failure after which the leased connection must not be reused.
	ErrConnBroken = errors.New("connection broken")
	// ErrNotFound is a terminal result for a valid query with nothing to return.
	ErrNotFound = errors.New("not found")
)

// TransientError is a retryable upstream failure: timeouts, rate limiting, 5xx.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient upstream error (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient upstream error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TerminalError is an upstream failure that retrying cannot fix: bad request,
// authentication failure, not-found.
type TerminalError struct {
	Op     string
	Status int
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: terminal upstream error (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: terminal upstream error: %v", e.Op, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// AttemptsError tags the final error of a retried operation with the number of
// attempts made.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Terminal(op string, err error) error {
	return &TerminalError{Op: op, Err: err}
}

// FromStatus classifies a non-2xx HTTP response. 403 responses that mention a
// quota are terminal: the quota will not recover within a retry budget.
func FromStatus(op string, status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	msg := http.StatusText(status)
	if text != "" {
		msg = text
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &TransientError{Op: op, Status: status, Err: fmt.Errorf("rate limit exceeded: %s", msg)}
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(text), "quota"):
		return &TerminalError{Op: op, Status: status, Err: fmt.Errorf("quota exceeded: %s", msg)}
	case status == http.StatusNotFound:
		return &TerminalError{Op: op, Status: status, Err: fmt.Errorf("%w: %s", ErrNotFound, msg)}
	case status == http.StatusRequestTimeout, status >= 500 && status != http.StatusNotImplemented:
		return &TransientError{Op: op, Status: status, Err: errors.New(msg)}
	default:
		return &TerminalError{Op: op, Status: status, Err: errors.New(msg)}
	}
}

// Cancelled converts a context error into ErrCancelled, keeping the cause.
// Other errors are returned unchanged.
func Cancelled(err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, ErrPoolExhausted) {
		return false
	}

	if errors.Is(err, ErrConnBroken) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// IsTerminal reports whether err is a classified terminal upstream failure.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// Kind names the taxonomy bucket of err for metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case IsTerminal(err):
		return "terminal"
	case IsRetryable(err):
		return "transient"
	default:
		return "unknown"
	}
}
