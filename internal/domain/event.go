package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ViolationEvent is one detected breach of a sensor parameter threshold.
// Params: sensor/area identity, parameter key, violation kind, value, and breach time.
// Returns: validated event payload for rule evaluation.
type ViolationEvent struct {
	SensorID      int64         `json:"sensor_id"`
	AreaID        int64         `json:"area_id"`
	ParameterKey  string        `json:"parameter_key"`
	ViolationType ViolationType `json:"violation_type"`
	Value         float64       `json:"value"`
	Timestamp     time.Time     `json:"timestamp"`
}

// wireEvent mirrors ViolationEvent with a timestamp that may be RFC3339 or unix milliseconds.
type wireEvent struct {
	SensorID      int64           `json:"sensor_id"`
	AreaID        int64           `json:"area_id"`
	ParameterKey  string          `json:"parameter_key"`
	ViolationType ViolationType   `json:"violation_type"`
	Value         *float64        `json:"value"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON decodes event and normalizes timestamp representation.
// Params: JSON object bytes.
// Returns: decode error for malformed fields.
func (e *ViolationEvent) UnmarshalJSON(raw []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	ts, err := parseEventTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	*e = ViolationEvent{
		SensorID:      wire.SensorID,
		AreaID:        wire.AreaID,
		ParameterKey:  strings.TrimSpace(wire.ParameterKey),
		ViolationType: ViolationType(strings.ToLower(strings.TrimSpace(string(wire.ViolationType)))),
		Timestamp:     ts,
	}
	if wire.Value != nil {
		e.Value = *wire.Value
	}
	return nil
}

// parseEventTimestamp accepts RFC3339 string or unix milliseconds number.
// Params: raw JSON timestamp value.
// Returns: UTC time or zero time when absent.
func parseEventTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return parsed.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be RFC3339 or unix ms: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte) (ViolationEvent, error) {
	var event ViolationEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return ViolationEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return ViolationEvent{}, err
	}
	return event, nil
}

// DecodeEvents decodes and validates one batch of events.
// Params: JSON array document bytes.
// Returns: validated events slice or decode/validation error.
func DecodeEvents(raw []byte) ([]ViolationEvent, error) {
	var events []ViolationEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// Validate validates one event against the inbound contract.
// Params: event fields parsed from transport.
// Returns: validation error when contract is violated.
func (e ViolationEvent) Validate() error {
	if e.SensorID <= 0 {
		return errors.New("sensor_id must be >0")
	}
	if e.AreaID < 0 {
		return errors.New("area_id must be >=0")
	}
	if strings.TrimSpace(e.ParameterKey) == "" {
		return errors.New("parameter_key is required")
	}
	if !e.ViolationType.Valid() {
		return fmt.Errorf("unsupported violation_type %q", e.ViolationType)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// TupleKey returns the dedup key for this event.
// Params: none.
// Returns: canonical (sensor, parameter, violation) key.
func (e ViolationEvent) TupleKey() string {
	return TupleKey(e.SensorID, e.ParameterKey, e.ViolationType)
}

// TupleKey builds canonical dedup key for one sensor parameter violation kind.
// Params: sensor ID, parameter key, and violation type.
// Returns: stable key safe for KV stores.
func TupleKey(sensorID int64, parameterKey string, violation ViolationType) string {
	var builder strings.Builder
	builder.Grow(32 + len(parameterKey))
	builder.WriteString(strconv.FormatInt(sensorID, 10))
	builder.WriteByte('.')
	builder.WriteString(sanitizeKeyPart(parameterKey))
	builder.WriteByte('.')
	builder.WriteString(string(violation))
	return builder.String()
}

// sanitizeKeyPart lowercases and replaces characters unsafe for NATS KV keys.
func sanitizeKeyPart(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	out := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
