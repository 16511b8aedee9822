package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrConfigNotFound indicates missing filter/action/sensor configuration.
	ErrConfigNotFound = errors.New("config not found")
	// ErrInvalidTransition indicates lifecycle operation not allowed from current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRecipientResolutionEmpty indicates a matched filter resolved to zero recipients for a channel.
	ErrRecipientResolutionEmpty = errors.New("no_recipients")
	// ErrDispatchTimeout indicates channel attempt exceeded its timeout.
	ErrDispatchTimeout = errors.New("dispatch timeout")
	// ErrDispatchRejected indicates remote endpoint refused the delivery.
	ErrDispatchRejected = errors.New("dispatch rejected")
	// ErrDispatchTransportError indicates connection-level failure.
	ErrDispatchTransportError = errors.New("dispatch transport error")
)

// NotFoundError describes one missing configuration object.
type NotFoundError struct {
	Kind string
	ID   string
}

// ConfigNotFound builds typed not-found error.
// Params: object kind and identifier.
// Returns: error matching ErrConfigNotFound.
func ConfigNotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrConfigNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrConfigNotFound
}

// TransitionError reports rejected lifecycle operation.
type TransitionError struct {
	AlertID string
	From    AlertStatus
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s alert %s in status %s", e.Op, e.AlertID, e.From)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DispatchErrorKind classifies channel-level failures.
type DispatchErrorKind string

const (
	// DispatchKindTimeout marks deadline exceeded.
	DispatchKindTimeout DispatchErrorKind = "timeout"
	// DispatchKindRejected marks a remote refusal with status code.
	DispatchKindRejected DispatchErrorKind = "rejected"
	// DispatchKindTransport marks connection-level failure.
	DispatchKindTransport DispatchErrorKind = "transport"
)

// DispatchError is one classified channel attempt failure.
// Params: kind, optional HTTP-like status, Retry-After hint, and cause.
// Returns: error with retry classification.
type DispatchError struct {
	Kind       DispatchErrorKind
	StatusCode int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes cause.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is maps kind onto taxonomy sentinels.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrDispatchTimeout:
		return e.Kind == DispatchKindTimeout
	case ErrDispatchRejected:
		return e.Kind == DispatchKindRejected
	case ErrDispatchTransportError:
		return e.Kind == DispatchKindTransport
	}
	return false
}

// Transient reports whether attempt may be retried.
// Params: none.
// Returns: true for timeout, transport, 5xx, and 429 failures.
func (e *DispatchError) Transient() bool {
	switch e.Kind {
	case DispatchKindTimeout, DispatchKindTransport:
		return true
	case DispatchKindRejected:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// Permanent reports the non-retryable marker honored by queue workers.
func (e *DispatchError) Permanent() bool {
	return !e.Transient()
}

// Rejected builds a status-code rejection error.
func Rejected(statusCode int, body string, retryAfter time.Duration) error {
	return &DispatchError{Kind: DispatchKindRejected, StatusCode: statusCode, Body: body, RetryAfter: retryAfter}
}

// Timeout wraps cause as timeout failure.
func Timeout(cause error) error {
	return &DispatchError{Kind: DispatchKindTimeout, Err: cause}
}

// Transport wraps cause as transport failure.
func Transport(cause error) error {
	return &DispatchError{Kind: DispatchKindTransport, Err: cause}
}

// IsTransient reports whether error is a retryable dispatch failure.
// Params: attempt error.
// Returns: false for unclassified and permanent errors.
func IsTransient(err error) bool {
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		return false
	}
	return dispatchErr.Transient()
}

// RetryAfterHint extracts server-provided retry delay.
func RetryAfterHint(err error) time.Duration {
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		return 0
	}
	return dispatchErr.RetryAfter
}
