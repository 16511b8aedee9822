package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensoralert/internal/config"

	"github.com/nats-io/nats.go"
)

// DeleteMarkerConsumer consumes KV delete markers from the recheck bucket.
// Params: NATS connection, subscription, and callback handler.
// Returns: queue consumer lifecycle handle.
type DeleteMarkerConsumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewDeleteMarkerConsumer starts queue consumer for recheck TTL expiries.
// Params: NATS settings and callback receiving alert ID and marker reason.
// Returns: running consumer or setup error.
func NewDeleteMarkerConsumer(cfg config.NATSStateConfig, handler func(ctx context.Context, alertID, reason string) error) (*DeleteMarkerConsumer, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer := &DeleteMarkerConsumer{nc: nc}
	stream := "KV_" + cfg.RecheckBucket
	subject := "$KV." + cfg.RecheckBucket + ".>"

	sub, err := js.QueueSubscribe(subject, cfg.RecheckDeliverGroup, func(message *nats.Msg) {
		if len(message.Data) != 0 || !expiryMarker(message.Header) {
			_ = message.Ack()
			return
		}
		alertID := extractKVKeyFromSubject(cfg.RecheckBucket, message.Subject)
		if alertID != "" && handler != nil {
			if err := handler(context.Background(), alertID, message.Header.Get("Nats-Marker-Reason")); err != nil {
				_ = message.Nak()
				return
			}
		}
		_ = message.Ack()
	},
		nats.BindStream(stream),
		nats.Durable(cfg.RecheckConsumerName),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckExplicit(),
	)
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer.sub = sub
	return consumer, nil
}

// Close drains subscription and closes NATS connection.
// Params: none.
// Returns: close error when drain fails.
func (c *DeleteMarkerConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// expiryMarker reports whether empty KV message is a server TTL marker rather than explicit delete.
func expiryMarker(header nats.Header) bool {
	if header.Get("Nats-Marker-Reason") != "" {
		return true
	}
	switch header.Get("KV-Operation") {
	case "DEL", "PURGE":
		return false
	}
	return true
}

// extractKVKeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: decoded key or empty on mismatch.
func extractKVKeyFromSubject(bucket, subject string) string {
	prefix := "$KV." + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}

// NATSScheduler arms rechecks as per-message TTL keys in the recheck bucket.
// Params: NATS settings; expiry markers trigger the handler on any instance.
// Returns: scheduler shared by service instances.
type NATSScheduler struct {
	mu       sync.Mutex
	settings config.NATSStateConfig
	nc       *nats.Conn
	js       nats.JetStreamContext
	kv       nats.KeyValue
	consumer *DeleteMarkerConsumer
	now      func() time.Time
}

// NewNATSScheduler opens recheck bucket with per-message TTL enabled.
// Params: NATS settings and now function (time.Now when nil).
// Returns: scheduler or setup error.
func NewNATSScheduler(settings config.NATSStateConfig, now func() time.Time) (*NATSScheduler, error) {
	if now == nil {
		now = time.Now
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := openBucket(js, settings.RecheckBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := enableBucketPerMessageTTL(js, settings.RecheckBucket); err != nil {
		nc.Close()
		return nil, fmt.Errorf("enable per-message ttl on recheck bucket: %w", err)
	}
	return &NATSScheduler{settings: settings, nc: nc, js: js, kv: kv, now: now}, nil
}

// Start creates delete-marker consumer bound to handler.
func (s *NATSScheduler) Start(handler RecheckFunc) error {
	consumer, err := NewDeleteMarkerConsumer(s.settings, func(ctx context.Context, alertID, _ string) error {
		return handler(ctx, alertID)
	})
	if err != nil {
		return fmt.Errorf("start recheck consumer: %w", err)
	}
	s.mu.Lock()
	s.consumer = consumer
	s.mu.Unlock()
	return nil
}

// Schedule publishes recheck key expiring at due time.
// Params: context, alert ID, and due time (minimum TTL one second).
// Returns: publish error.
func (s *NATSScheduler) Schedule(_ context.Context, alertID string, at time.Time) error {
	ttl := at.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ttlMS := ttl.Milliseconds()
	payload := make([]byte, 0, 48)
	payload = append(payload, `{"due_unix_ms":`...)
	payload = strconv.AppendInt(payload, at.UnixMilli(), 10)
	payload = append(payload, '}')

	msg := nats.NewMsg("$KV." + s.settings.RecheckBucket + "." + alertID)
	msg.Data = payload
	msg.Header = nats.Header{
		"Nats-TTL": []string{strconv.FormatInt(ttlMS, 10) + "ms"},
	}
	if _, err := s.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish recheck: %w", err)
	}
	return nil
}

// Cancel deletes pending recheck key.
func (s *NATSScheduler) Cancel(_ context.Context, alertID string) error {
	if err := s.kv.Delete(alertID); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("cancel recheck: %w", err)
	}
	return nil
}

// Close stops consumer and closes connection.
func (s *NATSScheduler) Close() error {
	s.mu.Lock()
	consumer := s.consumer
	s.consumer = nil
	s.mu.Unlock()
	var err error
	if consumer != nil {
		err = consumer.Close()
	}
	s.nc.Close()
	return err
}
