package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/recipients"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func userDelivery(channel domain.Channel, userID int64, address string) Delivery {
	return Delivery{
		AlertID:   "a-1",
		Action:    domain.Action{ID: 9, Channel: channel},
		Recipient: &recipients.Recipient{UserID: userID, Addresses: map[domain.Channel]string{channel: address}},
		Address:   address,
		Subject:   "subj",
		Body:      "hello",
	}
}

func TestSMSSenderPostsGatewayPayload(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload map[string]string
		auth    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &payload)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"m-1"}`))
	}))
	defer server.Close()

	sender := NewSMSSender(config.SMSChannel{GatewayURL: server.URL, Token: "tok", Sender: "ALERTS", TimeoutSec: 5})
	result, err := sender.Send(context.Background(), userDelivery(domain.ChannelSMS, 3, "+15550003"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Response != `{"id":"m-1"}` {
		t.Fatalf("unexpected response %q", result.Response)
	}
	mu.Lock()
	defer mu.Unlock()
	if payload["to"] != "+15550003" || payload["message"] != "hello" || payload["from"] != "ALERTS" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if auth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestSMSSenderClassifiesThrottleAsTransientWithHint(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender := NewSMSSender(config.SMSChannel{GatewayURL: server.URL, TimeoutSec: 5})
	_, err := sender.Send(context.Background(), userDelivery(domain.ChannelSMS, 3, "+1"))
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if hint := domain.RetryAfterHint(err); hint != 2*time.Second {
		t.Fatalf("unexpected retry-after hint %s", hint)
	}
}

func TestMQTTPushSenderPublishesPerUserTopic(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	sender := NewMQTTPushSender(publisher, config.PushChannel{TopicPrefix: "sensoralert/push/", QoS: 1})
	if _, err := sender.Send(context.Background(), userDelivery(domain.ChannelPush, 4, "device-4")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(publisher.topics) != 1 || publisher.topics[0] != "sensoralert/push/4" {
		t.Fatalf("unexpected topics %v", publisher.topics)
	}
	var item InboxNotification
	if err := json.Unmarshal(publisher.payloads[0], &item); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if item.AlertID != "a-1" || item.UserID != 4 || item.Message != "hello" {
		t.Fatalf("unexpected payload %+v", item)
	}

	publisher.err = errors.New("not connected")
	if _, err := sender.Send(context.Background(), userDelivery(domain.ChannelPush, 4, "device-4")); !domain.IsTransient(err) {
		t.Fatalf("publish failure must be transient, got %v", err)
	}
}

func TestTelegramPushSenderSendsToChat(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":555,"type":"private"}}}`))
	}))
	defer server.Close()

	sender := NewTelegramPushSender(config.PushChannel{BotToken: "123:abc", APIBase: server.URL})
	result, err := sender.Send(context.Background(), userDelivery(domain.ChannelPush, 4, "555"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Response != `{"message_id":42}` {
		t.Fatalf("unexpected response %q", result.Response)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(path, "/sendMessage") {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestTelegramPushSenderWithoutTokenIsPermanent(t *testing.T) {
	t.Parallel()

	sender := NewTelegramPushSender(config.PushChannel{})
	_, err := sender.Send(context.Background(), userDelivery(domain.ChannelPush, 4, "555"))
	if err == nil || domain.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestMemoryInboxKeepsPerUserItems(t *testing.T) {
	t.Parallel()

	inbox := NewMemoryInbox()
	_, _ = inbox.Send(context.Background(), userDelivery(domain.ChannelInApp, 1, "1"))
	_, _ = inbox.Send(context.Background(), userDelivery(domain.ChannelInApp, 1, "1"))
	_, _ = inbox.Send(context.Background(), userDelivery(domain.ChannelInApp, 2, "2"))

	if got := len(inbox.Inbox(1)); got != 2 {
		t.Fatalf("user 1 inbox size %d", got)
	}
	if got := inbox.Inbox(2); len(got) != 1 || got[0].Subject != "subj" {
		t.Fatalf("user 2 inbox %+v", got)
	}
}

func TestBuildMessageUsesCRLFAndFlattensSubject(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	message := string(buildMessage("alerts@x", "ana@x", "line1\nline2", "a\nb", at))
	if !strings.Contains(message, "Subject: line1 line2\r\n") {
		t.Fatalf("subject not flattened: %q", message)
	}
	if !strings.HasSuffix(message, "\r\n\r\na\r\nb\r\n") {
		t.Fatalf("body not CRLF normalized: %q", message)
	}
}

func TestClassifySMTPError(t *testing.T) {
	t.Parallel()

	permanent := classifySMTPError(context.Background(), &textproto.Error{Code: 550, Msg: "no such user"})
	if domain.IsTransient(permanent) || !errors.Is(permanent, domain.ErrDispatchRejected) {
		t.Fatalf("5xx must be permanent rejection, got %v", permanent)
	}
	transient := classifySMTPError(context.Background(), &textproto.Error{Code: 421, Msg: "try later"})
	if !domain.IsTransient(transient) {
		t.Fatalf("4xx must be transient, got %v", transient)
	}
}
