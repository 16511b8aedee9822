package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	"github.com/go-resty/resty/v2"
)

// PayloadVersion is the webhook envelope schema version.
const PayloadVersion = "1.0"

// Envelope is the versioned webhook body.
type Envelope struct {
	PayloadVersion string           `json:"payload_version"`
	Timestamp      time.Time        `json:"timestamp"`
	Source         string           `json:"source"`
	Alert          domain.Alert     `json:"alert"`
	Sensor         domain.Sensor    `json:"sensor"`
	Area           domain.Area      `json:"area"`
	Filter         envelopeFilter   `json:"filter"`
	Action         envelopeAction   `json:"action"`
	Event          *envelopeReading `json:"event,omitempty"`
}

type envelopeFilter struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type envelopeAction struct {
	ID                 int64          `json:"id"`
	Name               string         `json:"name"`
	Channel            domain.Channel `json:"channel"`
	ExternalWorkflowID string         `json:"external_workflow_id,omitempty"`
}

type envelopeReading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildEnvelope renders webhook JSON body for one request and action.
// Params: dispatch request, action, source label, and envelope timestamp.
// Returns: marshaled envelope; credentials are never included.
func BuildEnvelope(req Request, action domain.Action, source string, at time.Time) (string, error) {
	envelope := Envelope{
		PayloadVersion: PayloadVersion,
		Timestamp:      at.UTC(),
		Source:         source,
		Alert:          req.Alert,
		Sensor:         req.Sensor,
		Area:           req.Area,
		Filter: envelopeFilter{
			ID:          req.Filter.ID,
			Name:        req.Filter.Name,
			Description: req.Filter.Description,
		},
		Action: envelopeAction{
			ID:                 action.ID,
			Name:               action.Name,
			Channel:            action.Channel,
			ExternalWorkflowID: action.Config.ExternalWorkflowID,
		},
	}
	if !req.Event.Timestamp.IsZero() {
		envelope.Event = &envelopeReading{Value: req.Event.Value, Timestamp: req.Event.Timestamp.UTC()}
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// WebhookSender posts versioned envelopes to action URLs.
type WebhookSender struct {
	client *resty.Client
	now    func() time.Time
}

// NewWebhookSender creates webhook sender over resty client.
// Params: optional preconfigured client (new client when nil).
// Returns: webhook channel sender.
func NewWebhookSender(client *resty.Client) *WebhookSender {
	if client == nil {
		client = resty.New()
	}
	return &WebhookSender{client: client, now: time.Now}
}

// Channel returns sender channel name.
func (s *WebhookSender) Channel() domain.Channel {
	return domain.ChannelWebhook
}

// Send posts envelope with optional API key header.
// Params: context with action timeout and delivery carrying envelope body.
// Returns: JSON response body on 2xx, otherwise classified error.
func (s *WebhookSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	url := strings.TrimSpace(delivery.Action.Config.URL)
	if url == "" {
		return SendResult{}, &domain.DispatchError{Kind: domain.DispatchKindRejected, Err: errors.New("webhook url is empty")}
	}
	request := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(delivery.Body)
	if key := strings.TrimSpace(delivery.Action.Config.APIKey); key != "" {
		request.SetHeader(delivery.Action.AuthHeader(), key)
	}
	response, err := request.Post(url)
	result, err := classifyResponse(ctx, response, err, s.now())
	if err != nil {
		return SendResult{}, err
	}
	if !json.Valid([]byte(result.Response)) {
		result.Response = ""
	}
	return result, nil
}

// SMSSender posts text messages to an HTTP SMS gateway.
type SMSSender struct {
	client *resty.Client
	cfg    config.SMSChannel
	now    func() time.Time
}

// NewSMSSender creates SMS gateway sender.
// Params: SMS channel config.
// Returns: sender authenticating with bearer token when configured.
func NewSMSSender(cfg config.SMSChannel) *SMSSender {
	client := resty.New().SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second)
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetAuthToken(token)
	}
	return &SMSSender{client: client, cfg: cfg, now: time.Now}
}

// Channel returns sender channel name.
func (s *SMSSender) Channel() domain.Channel {
	return domain.ChannelSMS
}

// Send posts one message for recipient phone number.
func (s *SMSSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	payload := map[string]string{
		"to":      delivery.Address,
		"message": delivery.Body,
	}
	if sender := strings.TrimSpace(s.cfg.Sender); sender != "" {
		payload["from"] = sender
	}
	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(s.cfg.GatewayURL)
	return classifyResponse(ctx, response, err, s.now())
}
