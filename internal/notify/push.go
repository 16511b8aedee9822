package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	tgbot "github.com/go-telegram/bot"
)

// Publisher publishes one MQTT message and waits for broker acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// PahoPublisher adapts paho client to Publisher.
type PahoPublisher struct {
	client mqtt.Client
}

// ConnectPaho connects paho client to broker.
// Params: broker URL, client ID, and optional credentials.
// Returns: connected publisher or connect error.
func ConnectPaho(broker, clientID, username, password string) (*PahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", broker, err)
	}
	return &PahoPublisher{client: client}, nil
}

// Publish sends payload and waits until broker acknowledges or context ends.
func (p *PahoPublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects client.
func (p *PahoPublisher) Close() {
	p.client.Disconnect(250)
}

// MQTTPushSender publishes push notifications to per-user topics.
type MQTTPushSender struct {
	publisher Publisher
	prefix    string
	qos       byte
}

// NewMQTTPushSender creates push sender over MQTT publisher.
// Params: publisher and push channel config (topic prefix, QoS).
// Returns: push channel sender.
func NewMQTTPushSender(publisher Publisher, cfg config.PushChannel) *MQTTPushSender {
	return &MQTTPushSender{
		publisher: publisher,
		prefix:    strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:       byte(cfg.QoS),
	}
}

// Channel returns sender channel name.
func (s *MQTTPushSender) Channel() domain.Channel {
	return domain.ChannelPush
}

// Send publishes JSON notification to <prefix>/<user_id>.
func (s *MQTTPushSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	topic := s.prefix + "/" + strconv.FormatInt(delivery.RecipientID(), 10)
	body, err := inboxPayload(delivery)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.publisher.Publish(ctx, topic, s.qos, body); err != nil {
		return SendResult{}, classifyTransportError(ctx, err)
	}
	return SendResult{}, nil
}

// TelegramPushSender sends push notifications to Telegram chats named by push tokens.
type TelegramPushSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramPushSender creates Telegram push sender.
// Params: push channel config with bot token and API base.
// Returns: sender; init errors surface on Send.
func NewTelegramPushSender(cfg config.PushChannel) *TelegramPushSender {
	sender := &TelegramPushSender{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = client
	return sender
}

// Channel returns sender channel name.
func (s *TelegramPushSender) Channel() domain.Channel {
	return domain.ChannelPush
}

// Send posts message to recipient chat.
func (s *TelegramPushSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, &domain.DispatchError{Kind: domain.DispatchKindRejected, Err: s.initErr}
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: normalizeChatID(delivery.Address),
		Text:   delivery.Body,
	})
	if err != nil {
		if errors.Is(err, tgbot.ErrorForbidden) || errors.Is(err, tgbot.ErrorBadRequest) ||
			errors.Is(err, tgbot.ErrorUnauthorized) || errors.Is(err, tgbot.ErrorNotFound) {
			return SendResult{}, &domain.DispatchError{Kind: domain.DispatchKindRejected, Err: err}
		}
		return SendResult{}, classifyTransportError(ctx, err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, domain.Transport(errors.New("telegram send returned empty message id"))
	}
	return SendResult{Response: fmt.Sprintf(`{"message_id":%d}`, sent.ID)}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
