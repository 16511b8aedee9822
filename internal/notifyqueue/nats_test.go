package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/notify"
	"sensoralert/test/testutil"

	"github.com/nats-io/nats.go"
)

func newTestQueueConfig(natsURL string, maxDeliver int) config.DispatchQueue {
	return config.DispatchQueue{
		Enabled:       true,
		URL:           []string{natsURL},
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
	}
}

func testRequest(alertID string) notify.Request {
	at := time.Unix(1700000000, 0).UTC()
	return notify.Request{
		Alert:  domain.Alert{ID: alertID, SensorID: 7, ParameterKey: "temperature", ViolationType: domain.ViolationMax, Status: domain.AlertStatusActive},
		Filter: domain.AlertFilter{ID: 3, Name: "Cold chain", ActionIDs: []int64{100}},
		Event:  domain.ViolationEvent{SensorID: 7, AreaID: 5, ParameterKey: "temperature", ViolationType: domain.ViolationMax, Value: 31.5, Timestamp: at},
	}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	idA := BuildJobID(testRequest("a-1"))
	idB := BuildJobID(testRequest("a-1"))
	if idA == "" || idA != idB {
		t.Fatalf("expected deterministic ids: %q != %q", idA, idB)
	}
	bypass := testRequest("a-1")
	bypass.Bypass = true
	if BuildJobID(bypass) == idA {
		t.Fatalf("bypass request must not collide with regular request")
	}
	if BuildJobID(testRequest("a-2")) == idA {
		t.Fatalf("different alerts must have different ids")
	}
}

func TestIsPermanentSeesJoinedAndDispatchErrors(t *testing.T) {
	t.Parallel()

	joined := errors.Join(errors.New("transient"), MarkPermanent(errors.New("bad template")))
	if !IsPermanent(joined) {
		t.Fatalf("joined permanent marker must be detected")
	}
	if IsPermanent(errors.New("plain")) || IsPermanent(nil) {
		t.Fatalf("plain errors are retryable")
	}
	if !IsPermanent(domain.Rejected(404, "", 0)) {
		t.Fatalf("permanent dispatch rejection must be detected")
	}
	if IsPermanent(domain.Rejected(503, "", 0)) {
		t.Fatalf("transient dispatch rejection must be retryable")
	}
}

func TestJobRoundTripKeepsRequest(t *testing.T) {
	t.Parallel()

	job := NewJob(testRequest("a-1"), time.Unix(1700000100, 0))
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Job
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != job.ID || decoded.Request.Alert.ID != "a-1" || !decoded.Request.Event.Timestamp.Equal(job.Request.Event.Timestamp) {
		t.Fatalf("unexpected decoded job %+v", decoded)
	}
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan struct{}, 1)
	)
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	job := NewJob(testRequest("a-1"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}

	mu.Lock()
	gotAttempts := attempts[job.ID]
	mu.Unlock()
	if gotAttempts < 2 {
		t.Fatalf("expected at least 2 attempts due redelivery, got %d", gotAttempts)
	}
}

func TestNATSWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return MarkPermanent(errors.New("template missing"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(DLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(testRequest("a-1"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Job.ID != job.ID || entry.Job.Request.Alert.ID != "a-1" {
		t.Fatalf("unexpected dlq job: %+v", entry.Job)
	}
	if entry.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", entry.Attempts)
	}

	waitForCallsAtLeast(t, time.Second, &calls, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestNATSWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(DLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(testRequest("a-2"), time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Attempts < 2 {
		t.Fatalf("expected attempts>=2, got %d", entry.Attempts)
	}
	waitForCallsAtLeast(t, time.Second, &calls, 2)
}
