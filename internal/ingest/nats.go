package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sensoralert/internal/config"

	"github.com/nats-io/nats.go"
)

const ingestStreamMaxAge = 24 * time.Hour

// NATSSubscriber feeds violations from a JetStream work-queue stream into the sink.
// Each worker is one member of the durable queue group.
type NATSSubscriber struct {
	nc        *nats.Conn
	subs      []*nats.Subscription
	sink      EventSink
	logger    *slog.Logger
	nackDelay time.Duration
}

// NewNATSSubscriber connects, ensures the stream, and starts cfg.Workers consumers.
// Params: ingest NATS config, sink, and optional logger.
// Returns: running subscriber or setup error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink EventSink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name(cfg.ConsumerName))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureIngestStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		sink:      sink,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle,
			nats.BindStream(cfg.Stream),
			nats.Durable(cfg.ConsumerName),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
			nats.MaxDeliver(cfg.MaxDeliver),
			nats.MaxAckPending(cfg.MaxAckPending),
			nats.DeliverAll(),
		)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q worker %d: %w", cfg.Subject, cfg.DeliverGroup, i, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	logger.Info("nats ingest started", "subject", cfg.Subject, "workers", workers)
	return subscriber, nil
}

// handle decodes one message and settles it by outcome:
// malformed payloads are terminated, sink failures are redelivered.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	events, err := decodeEventPayloadInto(message.Data, scratch)
	if err != nil {
		s.logger.Warn("nats ingest dropped invalid payload", "subject", message.Subject, "error", err.Error())
		s.settle(message, "term", message.Term())
		return
	}
	if err := pushEvents(context.Background(), s.sink, events); err != nil {
		s.logger.Error("nats ingest push failed", "subject", message.Subject, "events", len(events), "error", err.Error())
		if s.nackDelay > 0 {
			s.settle(message, "nak", message.NakWithDelay(s.nackDelay))
		} else {
			s.settle(message, "nak", message.Nak())
		}
		return
	}
	s.settle(message, "ack", message.Ack())
}

func (s *NATSSubscriber) settle(message *nats.Msg, op string, err error) {
	if err != nil {
		s.logger.Warn("nats ingest settle failed", "subject", message.Subject, "op", op, "error", err.Error())
	}
}

// ensureIngestStream creates the violation work-queue stream on first start.
func ensureIngestStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    ingestStreamMaxAge,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}

// Close drains every worker subscription and closes the connection.
func (s *NATSSubscriber) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.nc.Close()
	return errors.Join(errs...)
}
