package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"sensoralert/internal/domain"

	"github.com/nats-io/nats.go"
)

// InboxNotification is the dashboard inbox item for one user.
type InboxNotification struct {
	AlertID  string `json:"alert_id"`
	ActionID int64  `json:"action_id"`
	UserID   int64  `json:"user_id"`
	Subject  string `json:"subject,omitempty"`
	Message  string `json:"message"`
}

// inboxPayload encodes delivery as inbox notification JSON.
func inboxPayload(delivery Delivery) ([]byte, error) {
	return json.Marshal(InboxNotification{
		AlertID:  delivery.AlertID,
		ActionID: delivery.Action.ID,
		UserID:   delivery.RecipientID(),
		Subject:  delivery.Subject,
		Message:  delivery.Body,
	})
}

// NATSInAppSender publishes inbox notifications to <prefix>.<user_id>.
type NATSInAppSender struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSInAppSender connects to NATS for inbox publishing.
// Params: server URLs and subject prefix.
// Returns: in-app sender or connect error.
func NewNATSInAppSender(urls []string, prefix string) (*NATSInAppSender, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, err
	}
	return &NATSInAppSender{nc: nc, prefix: strings.TrimRight(prefix, ".")}, nil
}

// Channel returns sender channel name.
func (s *NATSInAppSender) Channel() domain.Channel {
	return domain.ChannelInApp
}

// Send publishes and flushes notification within context deadline.
func (s *NATSInAppSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	body, err := inboxPayload(delivery)
	if err != nil {
		return SendResult{}, err
	}
	subject := s.prefix + "." + strconv.FormatInt(delivery.RecipientID(), 10)
	if err := s.nc.Publish(subject, body); err != nil {
		return SendResult{}, classifyTransportError(ctx, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return SendResult{}, classifyTransportError(ctx, err)
	}
	return SendResult{}, nil
}

// Close closes NATS connection.
func (s *NATSInAppSender) Close() {
	s.nc.Close()
}

// MemoryInbox keeps in-app notifications per user in process memory.
type MemoryInbox struct {
	mu    sync.Mutex
	items map[int64][]InboxNotification
}

// NewMemoryInbox creates empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{items: make(map[int64][]InboxNotification)}
}

// Channel returns sender channel name.
func (m *MemoryInbox) Channel() domain.Channel {
	return domain.ChannelInApp
}

// Send appends notification to recipient inbox.
func (m *MemoryInbox) Send(_ context.Context, delivery Delivery) (SendResult, error) {
	item := InboxNotification{
		AlertID:  delivery.AlertID,
		ActionID: delivery.Action.ID,
		UserID:   delivery.RecipientID(),
		Subject:  delivery.Subject,
		Message:  delivery.Body,
	}
	m.mu.Lock()
	m.items[item.UserID] = append(m.items[item.UserID], item)
	m.mu.Unlock()
	return SendResult{}, nil
}

// Inbox returns copy of user notifications.
func (m *MemoryInbox) Inbox(userID int64) []InboxNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InboxNotification(nil), m.items[userID]...)
}
