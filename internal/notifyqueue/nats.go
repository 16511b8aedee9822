package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sensoralert/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	dispatchStreamMaxAge    = 24 * time.Hour
	dispatchDLQStreamMaxAge = 7 * 24 * time.Hour
)

// NATSProducer publishes dispatch jobs into JetStream stream.
type NATSProducer struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSProducer creates JetStream producer for dispatch queue.
// Params: dispatch queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.DispatchQueue) (*NATSProducer, error) {
	nc, js, err := openDispatchJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js}, nil
}

// Enqueue publishes one dispatch job; duplicate IDs are dropped by stream dedup.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}
	msg := nats.NewMsg(Subject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(job.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker runs queued dispatch jobs from a durable queue-group consumer.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	handler    func(ctx context.Context, job Job) error
	dlq        bool
	maxDeliver int
	ackWait    time.Duration
	nackDelay  time.Duration
}

// NewNATSWorker subscribes to the dispatch stream.
// Params: queue config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.DispatchQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	if handler == nil {
		return nil, fmt.Errorf("dispatch worker handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := openDispatchJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		handler:    handler,
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		ackWait:    time.Duration(cfg.AckWaitSec) * time.Second,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	sub, err := js.QueueSubscribe(Subject, DeliverGroup, worker.handle,
		nats.BindStream(Stream),
		nats.Durable(ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(worker.ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe dispatch queue %q/%q: %w", Subject, DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle runs one delivered job and settles the message.
func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("drop undecodable dispatch job", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	ctx := context.Background()
	if w.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.ackWait)
		defer cancel()
	}
	err := w.handler(ctx, job)
	if err == nil {
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	w.logger.Error("dispatch job failed", "job_id", job.ID, "alert_id", job.Request.Alert.ID, "attempt", attempts, "error", err.Error())
	reason := w.deadLetterReason(err, attempts)
	if reason == "" {
		w.nak(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("dispatch dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

// deadLetterReason returns empty reason while the job may still be redelivered.
func (w *NATSWorker) deadLetterReason(err error, attempts uint64) DLQReason {
	switch {
	case IsPermanent(err):
		return DLQReasonPermanentError
	case isMaxDeliverExceeded(attempts, w.maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// ensureStream creates stream on first use.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(streamName)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found"):
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openDispatchJetStream opens connection/JetStream and ensures dispatch streams exist.
// Params: queue config with URL list and DLQ toggle.
// Returns: opened NATS connection, JetStream context, and setup error.
func openDispatchJetStream(cfg config.DispatchQueue) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect dispatch queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for dispatch queue: %w", err)
	}
	if err := ensureStream(js, Stream, Subject, nats.WorkQueuePolicy, dispatchStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, DLQStream, DLQSubject, nats.LimitsPolicy, dispatchDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
// Params: attempt counter and max deliver config.
// Returns: true when current attempt is final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ records a dead job on the DLQ subject.
// Params: message, decoded job, reason, cause, and delivery count.
// Returns: publish error.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      errorString(cause),
		Attempts:   attempts,
		MaxDeliver: w.maxDeliver,
		FailedAt:   time.Now().UTC(),
	}
	if message != nil {
		entry.Subject = message.Subject
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get("Nats-Msg-Id"))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dispatch dlq entry: %w", err)
	}
	msg := nats.NewMsg(DLQSubject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", strings.TrimSpace(job.ID), reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch dlq entry: %w", err)
	}
	return nil
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "unknown error"
}
