package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sensoralert/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTSubscriber consumes violations published by edge gateways on an MQTT topic.
// Params: paho client and event sink.
// Returns: MQTT ingest lifecycle handle.
type MQTTSubscriber struct {
	client mqtt.Client
	topic  string
	sink   EventSink
	logger *slog.Logger
}

// NewMQTTSubscriber connects to broker and subscribes configured topic.
// Params: MQTT ingest config, sink, and optional logger.
// Returns: running subscriber or connect/subscribe error.
func NewMQTTSubscriber(cfg config.MQTTIngestConfig, sink EventSink, logger *slog.Logger) (*MQTTSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	subscriber := &MQTTSubscriber{topic: cfg.Topic, sink: sink, logger: logger}
	qos := byte(cfg.QoS)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions are dropped with a clean session, so resubscribe on every connect.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(cfg.Topic, qos, func(_ mqtt.Client, message mqtt.Message) {
			subscriber.handle(message.Topic(), message.Payload())
		})
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
			logger.Error("mqtt ingest subscribe failed", "topic", cfg.Topic, "error", token.Error().Error())
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	subscriber.client = client
	return subscriber, nil
}

// handle decodes one MQTT payload and forwards it to sink.
// Params: topic and raw payload (single object or array).
// Returns: none; invalid payloads and sink errors are logged and dropped.
func (s *MQTTSubscriber) handle(topic string, payload []byte) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	events, err := decodeEventPayloadInto(payload, scratch)
	if err != nil {
		s.logger.Warn("mqtt ingest decode failed", "topic", topic, "error", err.Error())
		return
	}
	if err := pushEvents(context.Background(), s.sink, events); err != nil {
		s.logger.Error("mqtt ingest push failed", "topic", topic, "events", len(events), "error", err.Error())
	}
}

// Close unsubscribes and disconnects client.
func (s *MQTTSubscriber) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(time.Second)
	s.client.Disconnect(250)
	return nil
}
