package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"sensoralert/internal/notify"
)

const (
	// Stream holds pending dispatch jobs.
	Stream = "SENSORALERT_DISPATCH"
	// Subject carries dispatch jobs.
	Subject = "sensoralert.dispatch.jobs"
	// ConsumerName is the shared durable consumer of dispatch workers.
	ConsumerName = "sensoralert-dispatch"
	// DeliverGroup balances jobs across service instances.
	DeliverGroup = "sensoralert-dispatchers"
	// DLQStream keeps dead-lettered dispatch jobs.
	DLQStream = "SENSORALERT_DISPATCH_DLQ"
	// DLQSubject carries dead-lettered dispatch jobs.
	DLQSubject = "sensoralert.dispatch.dlq"
)

// Job is one matched filter queued for dispatch by any instance.
// Params: deterministic ID and dispatch request.
// Returns: queue unit consumed by dispatch workers.
type Job struct {
	ID        string         `json:"id"`
	Request   notify.Request `json:"request"`
	CreatedAt time.Time      `json:"created_at"`
}

// DLQReason identifies reason why job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for dispatch queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// NewJob wraps request with deterministic ID.
func NewJob(req notify.Request, now time.Time) Job {
	return Job{ID: BuildJobID(req), Request: req, CreatedAt: now.UTC()}
}

// BuildJobID creates deterministic id for one dispatch request.
// Params: request; identical alert/filter/violation/bypass yields identical ID.
// Returns: stable SHA1-based id used for JetStream dedup.
func BuildJobID(req notify.Request) string {
	raw := fmt.Sprintf(
		"%s|%d|%d|%s|%d|%t",
		req.Alert.ID,
		req.Filter.ID,
		req.Event.SensorID,
		req.Event.ParameterKey,
		req.Event.Timestamp.UnixNano(),
		req.Bypass,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues dispatch jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// permanentError marks processing errors that must not be redelivered.
type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

func (permanentError) Permanent() bool {
	return true
}

// MarkPermanent wraps error as permanent processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether any wrapped error carries a true Permanent() marker.
// Params: processing error, possibly joined.
// Returns: true when worker must not redeliver.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

// Worker consumes queued jobs.
type Worker interface {
	Close() error
}
