package domain

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestDecodeEventAcceptsRFC3339AndUnixMillis(t *testing.T) {
	t.Parallel()

	fromText, err := DecodeEvent([]byte(validEventJSON(`"2026-03-03T09:00:00Z"`)))
	if err != nil {
		t.Fatalf("decode rfc3339: %v", err)
	}
	fromMillis, err := DecodeEvent([]byte(validEventJSON("1772528400000")))
	if err != nil {
		t.Fatalf("decode unix ms: %v", err)
	}
	if !fromText.Timestamp.Equal(fromMillis.Timestamp) {
		t.Fatalf("timestamps differ: %s vs %s", fromText.Timestamp, fromMillis.Timestamp)
	}
	if fromText.SensorID != 42 || fromText.ParameterKey != "co2" || fromText.ViolationType != ViolationMax {
		t.Fatalf("unexpected event: %+v", fromText)
	}
	if fromText.Value != 1400 {
		t.Fatalf("unexpected value %v", fromText.Value)
	}
}

func TestDecodeEventRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing sensor":    `{"area_id":5,"parameter_key":"co2","violation_type":"max","value":1,"timestamp":1}`,
		"bad violation":     `{"sensor_id":1,"area_id":5,"parameter_key":"co2","violation_type":"above","value":1,"timestamp":1}`,
		"missing parameter": `{"sensor_id":1,"area_id":5,"violation_type":"max","value":1,"timestamp":1}`,
		"missing timestamp": `{"sensor_id":1,"area_id":5,"parameter_key":"co2","violation_type":"max","value":1}`,
		"bad timestamp":     `{"sensor_id":1,"area_id":5,"parameter_key":"co2","violation_type":"max","value":1,"timestamp":"yesterday"}`,
		"not json":          `{`,
	}
	for name, payload := range cases {
		if _, err := DecodeEvent([]byte(payload)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeEventsRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEvents([]byte("[]")); err == nil {
		t.Fatalf("expected error for empty batch")
	}
	events, err := DecodeEvents([]byte("[" + validEventJSON("1") + "," + validEventJSON("2") + "]"))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestTupleKeyIsStableAndKVSafe(t *testing.T) {
	t.Parallel()

	key := TupleKey(42, " CO2 level", ViolationMax)
	if key != "42.co2_level.max" {
		t.Fatalf("unexpected key %q", key)
	}
	event := ViolationEvent{SensorID: 42, ParameterKey: " CO2 level", ViolationType: ViolationMax}
	if event.TupleKey() != key {
		t.Fatalf("event key mismatch")
	}
}

func TestRecipientRefDecodesNumericAndObjectForms(t *testing.T) {
	t.Parallel()

	var refs []RecipientRef
	if err := json.Unmarshal([]byte(`[3,{"id":4,"type":"group","name":"ops"},{"id":5}]`), &refs); err != nil {
		t.Fatalf("decode refs: %v", err)
	}
	want := []RecipientRef{UserRef(3), GroupRef(4), UserRef(5)}
	if len(refs) != len(want) {
		t.Fatalf("unexpected refs %+v", refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("ref[%d]=%+v, want %+v", i, refs[i], want[i])
		}
	}
}

func TestActionTimeoutBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		seconds int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 5 * time.Second},
		{45, 45 * time.Second},
		{600, 120 * time.Second},
	}
	for _, tc := range cases {
		action := Action{Config: ActionConfig{TimeoutSeconds: tc.seconds}}
		if got := action.Timeout(); got != tc.want {
			t.Fatalf("timeout_seconds=%d: got %s want %s", tc.seconds, got, tc.want)
		}
	}
	if (Action{}).AuthHeader() != "X-API-Key" {
		t.Fatalf("unexpected default auth header")
	}
}

func TestSensorConfigBreached(t *testing.T) {
	t.Parallel()

	low, high := 400.0, 1000.0
	cfg := SensorConfig{ThresholdMin: &low, ThresholdMax: &high}
	if !cfg.Breached(ViolationMax, 1400) || cfg.Breached(ViolationMax, 900) {
		t.Fatalf("max breach mismatch")
	}
	if !cfg.Breached(ViolationMin, 300) || cfg.Breached(ViolationMin, 500) {
		t.Fatalf("min breach mismatch")
	}
	if !cfg.Breached(ViolationThreshold, 300) || !cfg.Breached(ViolationThreshold, 1400) || cfg.Breached(ViolationThreshold, 700) {
		t.Fatalf("threshold breach mismatch")
	}
}

func TestDispatchErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		transient bool
		sentinel  error
	}{
		{Rejected(http.StatusServiceUnavailable, "", 0), true, ErrDispatchRejected},
		{Rejected(http.StatusTooManyRequests, "", 2 * time.Second), true, ErrDispatchRejected},
		{Rejected(http.StatusNotFound, "", 0), false, ErrDispatchRejected},
		{Timeout(errors.New("deadline")), true, ErrDispatchTimeout},
		{Transport(errors.New("connection reset")), true, ErrDispatchTransportError},
	}
	for _, tc := range cases {
		if IsTransient(tc.err) != tc.transient {
			t.Fatalf("%v: transient=%v", tc.err, !tc.transient)
		}
		if !errors.Is(tc.err, tc.sentinel) {
			t.Fatalf("%v: expected errors.Is %v", tc.err, tc.sentinel)
		}
	}
	if RetryAfterHint(cases[1].err) != 2*time.Second {
		t.Fatalf("expected retry-after hint")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("plain errors must not be transient")
	}
	if !errors.Is(ConfigNotFound("action", 7), ErrConfigNotFound) {
		t.Fatalf("expected config not found match")
	}
}

func validEventJSON(timestamp string) string {
	return `{"sensor_id":42,"area_id":5,"parameter_key":"co2","violation_type":"max","value":1400,"timestamp":` + timestamp + `}`
}
