package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/ledger"
	"sensoralert/internal/lifecycle"
	"sensoralert/internal/state"
)

// Tuesday 09:00 UTC.
var baseTime = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

const fixtureTemplate = `
[[area]]
id = 5
name = "Lab A"

[[sensor]]
id = 42
name = "co2-lab-a"
area_id = 5

[[sensor_config]]
id = 11
sensor_id = 42
parameter_key = "co2"
threshold_max = 1000.0
enabled = true

[[filter]]
id = 1
name = "lab co2"
enabled = true
action_ids = [7]

[filter.scope]
area_ids = [%d]

[filter.conditions]
on_max = true

[[action]]
id = 7
name = "workflow hook"
channel = "webhook"

[action.config]
url = "%s"
timeout_seconds = 5

[[reading]]
sensor_id = 42
parameter_key = "co2"
value = 1350.0
at = 2026-03-03T09:30:00Z
`

const configTemplate = `
[service]
mode = "single"
timezone = "UTC"

[log.console]
enabled = true
level = "error"

[ingest.http]
listen = "127.0.0.1:0"

[api]
enabled = true

[metrics]
enabled = true

[datasource]
kind = "memory"
fixture_path = '%s'

[dispatch.retry]
initial_ms = 1
`

type e2eHarness struct {
	service  *Service
	clock    *clock.Fake
	webhooks atomic.Int32
}

func newE2EHarness(t *testing.T, areaID int64) *e2eHarness {
	t.Helper()
	h := &e2eHarness{clock: clock.NewFake(baseTime)}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		h.webhooks.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_id":"r-1"}`))
	}))
	t.Cleanup(hook.Close)

	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "fixture.toml")
	if err := os.WriteFile(fixturePath, []byte(fmt.Sprintf(fixtureTemplate, areaID, hook.URL)), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(configTemplate, fixturePath)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadSnapshot(config.ConfigSource{File: configPath})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	service, err := newService(cfg, h.clock, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = service.shutdown() })
	h.service = service
	return h
}

func co2Violation() domain.ViolationEvent {
	return domain.ViolationEvent{
		SensorID:      42,
		AreaID:        5,
		ParameterKey:  "co2",
		ViolationType: domain.ViolationMax,
		Value:         1400,
		Timestamp:     baseTime,
	}
}

func TestViolationInScopeOpensAlertAndDeliversWebhook(t *testing.T) {
	t.Parallel()

	h := newE2EHarness(t, 5)
	ctx := context.Background()
	if err := h.service.pipeline.Push(ctx, co2Violation()); err != nil {
		t.Fatalf("push: %v", err)
	}
	h.service.dispatcher.Wait()

	alerts, err := h.service.lifecycle.List(ctx, state.Query{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Status != domain.AlertStatusActive || alerts[0].FilterID != 1 {
		t.Fatalf("expected one active alert for filter 1, got %+v", alerts)
	}
	records, err := h.service.ledger.ListByAlert(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Status != domain.ExecutionSuccess || records[0].ActionID != 7 {
		t.Fatalf("expected one success record for action 7, got %+v", records)
	}
	if records[0].ResponseReceived != `{"run_id":"r-1"}` {
		t.Fatalf("unexpected response %q", records[0].ResponseReceived)
	}
	if got := h.webhooks.Load(); got != 1 {
		t.Fatalf("expected one webhook call, got %d", got)
	}
}

func TestViolationOutsideScopeIsIgnored(t *testing.T) {
	t.Parallel()

	h := newE2EHarness(t, 9)
	ctx := context.Background()
	if err := h.service.pipeline.Push(ctx, co2Violation()); err != nil {
		t.Fatalf("push: %v", err)
	}
	h.service.dispatcher.Wait()

	alerts, _ := h.service.lifecycle.List(ctx, state.Query{})
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
	stats, err := h.service.ledger.Stats(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 || h.webhooks.Load() != 0 {
		t.Fatalf("expected no deliveries, got stats %+v calls %d", stats, h.webhooks.Load())
	}
}

func TestRepeatedViolationIsDebounced(t *testing.T) {
	t.Parallel()

	h := newE2EHarness(t, 5)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		event := co2Violation()
		event.Timestamp = baseTime.Add(time.Duration(i) * time.Minute)
		if err := h.service.pipeline.Push(ctx, event); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		h.service.dispatcher.Wait()
	}
	alerts, _ := h.service.lifecycle.List(ctx, state.Query{})
	if len(alerts) != 1 || !alerts[0].LastViolationAt.Equal(baseTime.Add(2*time.Minute)) {
		t.Fatalf("expected one deduplicated alert, got %+v", alerts)
	}
	if got := h.webhooks.Load(); got != 1 {
		t.Fatalf("expected debounce to keep one webhook call, got %d", got)
	}
}

func TestRecheckReactivationDispatchesAgain(t *testing.T) {
	t.Parallel()

	h := newE2EHarness(t, 5)
	ctx := context.Background()
	if err := h.service.scheduler.Start(h.service.pipeline.Recheck); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	if err := h.service.pipeline.Push(ctx, co2Violation()); err != nil {
		t.Fatalf("push: %v", err)
	}
	h.service.dispatcher.Wait()
	alerts, _ := h.service.lifecycle.List(ctx, state.Query{})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}

	next := baseTime.Add(30 * time.Minute)
	if _, err := h.service.lifecycle.Suspend(ctx, alerts[0].ID, lifecycle.SuspendRequest{NextTriggerTime: &next, RecheckEnabled: true}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if fired := h.clock.Advance(30 * time.Minute); fired != 1 {
		t.Fatalf("expected one recheck timer, fired %d", fired)
	}
	h.service.dispatcher.Wait()

	current, err := h.service.lifecycle.Get(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != domain.AlertStatusActive {
		t.Fatalf("expected reactivated alert, got %s", current.Status)
	}
	if got := h.webhooks.Load(); got != 2 {
		t.Fatalf("expected reactivation to bypass debounce, got %d calls", got)
	}
}

func TestHTTPSurfaceIngestsAndServesAlerts(t *testing.T) {
	t.Parallel()

	h := newE2EHarness(t, 5)
	handler := h.service.httpSrv.Handler

	ready := httptest.NewRecorder()
	handler.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if ready.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not-ready before Run, got %d", ready.Code)
	}

	body := `{"sensor_id":42,"area_id":5,"parameter_key":"co2","violation_type":"max","value":1400,"timestamp":"2026-03-03T09:00:00Z"}`
	ingested := httptest.NewRecorder()
	handler.ServeHTTP(ingested, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body)))
	if ingested.Code != http.StatusAccepted {
		t.Fatalf("ingest: expected 202, got %d %s", ingested.Code, ingested.Body.String())
	}
	h.service.dispatcher.Wait()

	listed := httptest.NewRecorder()
	handler.ServeHTTP(listed, httptest.NewRequest(http.MethodGet, "/alerts?status=active", nil))
	var alerts []domain.Alert
	if err := json.Unmarshal(listed.Body.Bytes(), &alerts); err != nil || len(alerts) != 1 {
		t.Fatalf("expected one active alert, got %s (%v)", listed.Body.String(), err)
	}

	executions := httptest.NewRecorder()
	handler.ServeHTTP(executions, httptest.NewRequest(http.MethodGet, "/executions?alert_id="+alerts[0].ID, nil))
	var resp struct {
		Stats ledger.Stats `json:"stats"`
	}
	if err := json.Unmarshal(executions.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode executions: %v", err)
	}
	if resp.Stats.Success != 1 || resp.Stats.SuccessRate != 1 {
		t.Fatalf("unexpected stats %+v", resp.Stats)
	}

	scraped := httptest.NewRecorder()
	handler.ServeHTTP(scraped, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`sensoralert_events_total{result="matched"} 1`,
		`sensoralert_alerts_total{transition="created"} 1`,
		`sensoralert_dispatch_attempts_total{channel="webhook",status="success"} 1`,
	} {
		if !strings.Contains(scraped.Body.String(), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
