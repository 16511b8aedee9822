package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ViolationType identifies which threshold boundary was breached.
type ViolationType string

const (
	// ViolationMin marks a value below threshold_min.
	ViolationMin ViolationType = "min"
	// ViolationMax marks a value above threshold_max.
	ViolationMax ViolationType = "max"
	// ViolationThreshold marks a generic threshold breach.
	ViolationThreshold ViolationType = "threshold"
)

// Valid reports whether violation type is known.
func (v ViolationType) Valid() bool {
	switch v {
	case ViolationMin, ViolationMax, ViolationThreshold:
		return true
	default:
		return false
	}
}

// AlertStatus is alert lifecycle state.
// Params: active/acknowledged/suspended/resolved constants.
// Returns: state used by lifecycle transitions and queries.
type AlertStatus string

const (
	// AlertStatusActive is the initial state of an open alert.
	AlertStatusActive AlertStatus = "active"
	// AlertStatusAcknowledged marks an operator-acknowledged alert.
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusSuspended marks a muted alert, optionally waiting for recheck.
	AlertStatusSuspended AlertStatus = "suspended"
	// AlertStatusResolved is terminal.
	AlertStatusResolved AlertStatus = "resolved"
)

// Valid reports whether status is known.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusSuspended, AlertStatusResolved:
		return true
	default:
		return false
	}
}

// Open reports whether status is non-terminal.
func (s AlertStatus) Open() bool {
	return s != AlertStatusResolved
}

// Channel identifies one delivery channel type.
type Channel string

const (
	// ChannelEmail delivers via SMTP.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers via SMS gateway.
	ChannelSMS Channel = "sms"
	// ChannelPush delivers mobile push notifications.
	ChannelPush Channel = "push"
	// ChannelInApp delivers dashboard inbox notifications.
	ChannelInApp Channel = "in_app"
	// ChannelWebhook posts the versioned envelope to an external endpoint.
	ChannelWebhook Channel = "webhook"
)

// Channels returns deterministic list of supported channels.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook}
}

// Valid reports whether channel is supported.
func (c Channel) Valid() bool {
	for _, known := range Channels() {
		if c == known {
			return true
		}
	}
	return false
}

// NeedsRecipients reports whether deliveries fan out per recipient.
// Params: none.
// Returns: false for recipient-independent webhook channel.
func (c Channel) NeedsRecipients() bool {
	return c != ChannelWebhook
}

// ExecutionStatus is one dispatch attempt outcome.
type ExecutionStatus string

const (
	// ExecutionRunning marks attempt in flight.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionSuccess marks delivered attempt.
	ExecutionSuccess ExecutionStatus = "success"
	// ExecutionFailed marks failed attempt.
	ExecutionFailed ExecutionStatus = "failed"
)

// SensorConfig is per-sensor, per-parameter threshold definition.
type SensorConfig struct {
	ID           int64    `json:"id" toml:"id"`
	SensorID     int64    `json:"sensor_id" toml:"sensor_id"`
	ParameterKey string   `json:"parameter_key" toml:"parameter_key"`
	ThresholdMin *float64 `json:"threshold_min,omitempty" toml:"threshold_min"`
	ThresholdMax *float64 `json:"threshold_max,omitempty" toml:"threshold_max"`
	Enabled      bool     `json:"enabled" toml:"enabled"`
}

// Breached reports whether value breaches thresholds for violation kind.
// Params: violation kind and observed value.
// Returns: true when configured boundary is crossed.
func (c SensorConfig) Breached(violation ViolationType, value float64) bool {
	below := c.ThresholdMin != nil && value < *c.ThresholdMin
	above := c.ThresholdMax != nil && value > *c.ThresholdMax
	switch violation {
	case ViolationMin:
		return below
	case ViolationMax:
		return above
	case ViolationThreshold:
		return below || above
	default:
		return false
	}
}

// Sensor is lookup data for scope membership and payload rendering.
type Sensor struct {
	ID       int64   `json:"id" toml:"id"`
	Name     string  `json:"name" toml:"name"`
	AreaID   int64   `json:"area_id" toml:"area_id"`
	GroupIDs []int64 `json:"group_ids,omitempty" toml:"group_ids"`
}

// Area is one facility area.
type Area struct {
	ID   int64  `json:"id" toml:"id"`
	Name string `json:"name" toml:"name"`
}

// User is one notification recipient with per-channel addresses.
type User struct {
	ID        int64  `json:"id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	Email     string `json:"email,omitempty" toml:"email"`
	Phone     string `json:"phone,omitempty" toml:"phone"`
	PushToken string `json:"push_token,omitempty" toml:"push_token"`
	InApp     bool   `json:"in_app" toml:"in_app"`
}

// UserGroup is a named set of users expanded at dispatch time.
type UserGroup struct {
	ID        int64   `json:"id" toml:"id"`
	Name      string  `json:"name" toml:"name"`
	MemberIDs []int64 `json:"member_ids" toml:"member_ids"`
}

// RecipientKind discriminates RecipientRef variants.
type RecipientKind string

const (
	// RecipientUser references one user directly.
	RecipientUser RecipientKind = "user"
	// RecipientGroup references one user group.
	RecipientGroup RecipientKind = "group"
)

// RecipientRef is a tagged user-or-group reference.
// Params: kind discriminator and numeric ID.
// Returns: normalized reference resolved in one lookup step.
type RecipientRef struct {
	Kind RecipientKind `json:"type" toml:"type"`
	ID   int64         `json:"id" toml:"id"`
}

// UserRef builds direct user reference.
func UserRef(id int64) RecipientRef {
	return RecipientRef{Kind: RecipientUser, ID: id}
}

// GroupRef builds group reference.
func GroupRef(id int64) RecipientRef {
	return RecipientRef{Kind: RecipientGroup, ID: id}
}

// UnmarshalJSON accepts a bare numeric user ID or an {id, type, name?} object.
// Params: raw JSON value.
// Returns: decode error for unsupported shapes.
func (r *RecipientRef) UnmarshalJSON(raw []byte) error {
	var numeric int64
	if err := json.Unmarshal(raw, &numeric); err == nil {
		*r = UserRef(numeric)
		return nil
	}
	var object struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	kind := RecipientKind(strings.ToLower(strings.TrimSpace(object.Type)))
	if kind == "" {
		kind = RecipientUser
	}
	*r = RecipientRef{Kind: kind, ID: object.ID}
	return nil
}

// String renders reference as "user:ID" or "group:ID".
func (r RecipientRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Scope is the OR-combined filter scope.
type Scope struct {
	AreaIDs         []int64 `json:"area_ids" toml:"area_ids"`
	SensorGroupIDs  []int64 `json:"sensor_group_ids" toml:"sensor_group_ids"`
	SensorConfigIDs []int64 `json:"sensor_config_ids" toml:"sensor_config_ids"`
}

// Empty reports whether no scope dimension is configured.
func (s Scope) Empty() bool {
	return len(s.AreaIDs) == 0 && len(s.SensorGroupIDs) == 0 && len(s.SensorConfigIDs) == 0
}

// Conditions select which violation kinds a filter reacts to.
type Conditions struct {
	OnMin       bool `json:"on_min" toml:"on_min"`
	OnMax       bool `json:"on_max" toml:"on_max"`
	OnThreshold bool `json:"on_threshold" toml:"on_threshold"`
}

// Allows reports whether violation kind is enabled by conditions.
func (c Conditions) Allows(violation ViolationType) bool {
	switch violation {
	case ViolationMin:
		return c.OnMin
	case ViolationMax:
		return c.OnMax
	case ViolationThreshold:
		return c.OnThreshold
	default:
		return false
	}
}

// Schedule is an optional active window in facility local time.
// Weekdays use time.Weekday numbering (0 = Sunday).
type Schedule struct {
	Weekdays  []int  `json:"weekdays" toml:"weekdays"`
	StartTime string `json:"start_time" toml:"start_time"`
	EndTime   string `json:"end_time" toml:"end_time"`
}

// AlertFilter is one operator-defined smart rule.
type AlertFilter struct {
	ID          int64          `json:"id" toml:"id"`
	Name        string         `json:"name" toml:"name"`
	Description string         `json:"description,omitempty" toml:"description"`
	Enabled     bool           `json:"enabled" toml:"enabled"`
	Scope       Scope          `json:"scope" toml:"scope"`
	Conditions  Conditions     `json:"conditions" toml:"conditions"`
	Schedule    *Schedule      `json:"schedule,omitempty" toml:"schedule"`
	Recipients  []RecipientRef `json:"recipients" toml:"recipients"`
	ActionIDs   []int64        `json:"action_ids" toml:"action_ids"`
}

const (
	// DefaultActionTimeout applies when action has no explicit timeout.
	DefaultActionTimeout = 30 * time.Second
	// MinActionTimeout is the lower timeout bound.
	MinActionTimeout = 5 * time.Second
	// MaxActionTimeout is the upper timeout bound.
	MaxActionTimeout = 120 * time.Second
	// DefaultAuthHeaderName carries webhook API key when no header is configured.
	DefaultAuthHeaderName = "X-API-Key"
)

// ActionConfig holds channel-specific settings.
// Webhook fields are ignored by other channels; Subject/Message override channel templates.
type ActionConfig struct {
	URL                string `json:"url,omitempty" toml:"url"`
	ExternalWorkflowID string `json:"external_workflow_id,omitempty" toml:"external_workflow_id"`
	APIKey             string `json:"api_key,omitempty" toml:"api_key"`
	AuthHeaderName     string `json:"auth_header_name,omitempty" toml:"auth_header_name"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty" toml:"timeout_seconds"`
	Subject            string `json:"subject,omitempty" toml:"subject"`
	Message            string `json:"message,omitempty" toml:"message"`
}

// Action is one configured delivery channel.
type Action struct {
	ID      int64        `json:"id" toml:"id"`
	Name    string       `json:"name" toml:"name"`
	Channel Channel      `json:"channel" toml:"channel"`
	Config  ActionConfig `json:"config" toml:"config"`
}

// Timeout returns per-attempt timeout clamped to supported bounds.
// Params: none.
// Returns: 30s default, otherwise value clamped to [5s, 120s].
func (a Action) Timeout() time.Duration {
	if a.Config.TimeoutSeconds <= 0 {
		return DefaultActionTimeout
	}
	timeout := time.Duration(a.Config.TimeoutSeconds) * time.Second
	if timeout < MinActionTimeout {
		return MinActionTimeout
	}
	if timeout > MaxActionTimeout {
		return MaxActionTimeout
	}
	return timeout
}

// AuthHeader returns the header name used for API key injection.
func (a Action) AuthHeader() string {
	name := strings.TrimSpace(a.Config.AuthHeaderName)
	if name == "" {
		return DefaultAuthHeaderName
	}
	return name
}

// Alert is one open or closed incident instance.
type Alert struct {
	ID               string        `json:"id"`
	SensorID         int64         `json:"sensor_id"`
	AreaID           int64         `json:"area_id"`
	FilterID         int64         `json:"filter_id"`
	MatchedFilterIDs []int64       `json:"matched_filter_ids,omitempty"`
	SensorConfigID   int64         `json:"sensor_config_id,omitempty"`
	ParameterKey     string        `json:"parameter_key"`
	ViolationType    ViolationType `json:"violation_type"`
	Status           AlertStatus   `json:"status"`
	OpenedAt         time.Time     `json:"opened_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	LastViolationAt  time.Time     `json:"last_violation_at"`
	LastValue        float64       `json:"last_value"`
	Remarks          string        `json:"remarks,omitempty"`
	NextTriggerTime  *time.Time    `json:"next_trigger_time,omitempty"`
	RecheckEnabled   bool          `json:"recheck_enabled"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
}

// TupleKey returns dedup key of alert.
func (a Alert) TupleKey() string {
	return TupleKey(a.SensorID, a.ParameterKey, a.ViolationType)
}

// HasFilter reports whether filter ID already contributed to alert.
func (a Alert) HasFilter(filterID int64) bool {
	if a.FilterID == filterID {
		return true
	}
	for _, id := range a.MatchedFilterIDs {
		if id == filterID {
			return true
		}
	}
	return false
}

// ExecutionRecord is one audited dispatch attempt.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	AlertID          string          `json:"alert_id"`
	ActionID         int64           `json:"action_id"`
	Channel          Channel         `json:"channel"`
	RecipientUserID  int64           `json:"recipient_user_id,omitempty"`
	Status           ExecutionStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	DurationMS       *int64          `json:"duration_ms,omitempty"`
	AttemptNumber    int             `json:"attempt_number"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	PayloadSent      string          `json:"payload_sent"`
	ResponseReceived string          `json:"response_received,omitempty"`
}

// Finished reports whether terminal fields are set.
func (r ExecutionRecord) Finished() bool {
	return r.FinishedAt != nil
}
