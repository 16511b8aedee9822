package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
	"sensoralert/internal/ledger"
	"sensoralert/internal/lifecycle"
	"sensoralert/internal/state"

	"github.com/go-chi/chi/v5"
)

var baseTime = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

type apiHarness struct {
	manager *lifecycle.Manager
	ledger  *ledger.Memory
	server  *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	clk := clock.NewFake(baseTime)
	var seq atomic.Int64
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := lifecycle.NewManager(state.NewMemoryStore(), state.NewMemoryScheduler(clk), datasource.NewMemory(datasource.Fixture{}), lifecycle.Options{
		Clock:  clk,
		Logger: logger,
		NewID:  func() string { return fmt.Sprintf("alert-%d", seq.Add(1)) },
	})
	records := ledger.NewMemory()
	router := chi.NewRouter()
	New(manager, records, logger).RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiHarness{manager: manager, ledger: records, server: server}
}

func (h *apiHarness) open(t *testing.T, sensorID, areaID int64) domain.Alert {
	t.Helper()
	outcome, err := h.manager.Open(context.Background(), domain.ViolationEvent{
		SensorID:      sensorID,
		AreaID:        areaID,
		ParameterKey:  "temperature",
		ViolationType: domain.ViolationMax,
		Value:         9.5,
		Timestamp:     baseTime,
	}, domain.AlertFilter{ID: 1}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return outcome.Alert
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, payload
}

func TestListAlertsFiltersByQuery(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.open(t, 7, 5)
	second := h.open(t, 8, 9)

	status, body := h.do(t, http.MethodGet, "/alerts?area_id=9", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", status, body)
	}
	var alerts []domain.Alert
	if err := json.Unmarshal(body, &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != second.ID {
		t.Fatalf("expected only %s, got %+v", second.ID, alerts)
	}

	status, body = h.do(t, http.MethodGet, "/alerts?status=resolved", "")
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty list, got %d %s", status, body)
	}
}

func TestListAlertsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	for _, path := range []string{"/alerts?status=closed", "/alerts?sensor_id=abc", "/alerts?area_id=-1"} {
		if status, _ := h.do(t, http.MethodGet, path, ""); status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, status)
		}
	}
}

func TestTransitionsOverHTTP(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	alert := h.open(t, 7, 5)

	status, body := h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/acknowledge", `{"remarks":"on it"}`)
	if status != http.StatusOK {
		t.Fatalf("acknowledge: %d %s", status, body)
	}
	var acked domain.Alert
	_ = json.Unmarshal(body, &acked)
	if acked.Status != domain.AlertStatusAcknowledged || acked.Remarks != "on it" {
		t.Fatalf("unexpected acknowledged alert %+v", acked)
	}

	next := baseTime.Add(time.Hour).Format(time.RFC3339)
	status, body = h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/suspend", `{"remarks":"door open","next_trigger_time":"`+next+`","recheck_enabled":true}`)
	if status != http.StatusOK {
		t.Fatalf("suspend: %d %s", status, body)
	}
	var suspended domain.Alert
	_ = json.Unmarshal(body, &suspended)
	if suspended.Status != domain.AlertStatusSuspended || !suspended.RecheckEnabled || suspended.NextTriggerTime == nil {
		t.Fatalf("unexpected suspended alert %+v", suspended)
	}

	status, _ = h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/acknowledge", "")
	if status != http.StatusConflict {
		t.Fatalf("acknowledge from suspended: expected 409, got %d", status)
	}

	status, body = h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/resolve", "")
	if status != http.StatusOK {
		t.Fatalf("resolve: %d %s", status, body)
	}
	status, _ = h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/resolve", "")
	if status != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", status)
	}
}

func TestSuspendRequiresTriggerTimeForRecheck(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	alert := h.open(t, 7, 5)
	status, _ := h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/suspend", `{"recheck_enabled":true}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	status, _ = h.do(t, http.MethodPost, "/alerts/"+alert.ID+"/suspend", `{"remarks":`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", status)
	}
}

func TestGetAndDeleteAlert(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	alert := h.open(t, 7, 5)

	if status, _ := h.do(t, http.MethodGet, "/alerts/"+alert.ID, ""); status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if status, _ := h.do(t, http.MethodDelete, "/alerts/"+alert.ID, ""); status != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/alerts/"+alert.ID, ""); status != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", status)
	}
	if status, _ := h.do(t, http.MethodDelete, "/alerts/"+alert.ID, ""); status != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", status)
	}
}

func TestExecutionsReturnRecordsAndStats(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	ctx := context.Background()
	for i, attemptErr := range []error{nil, domain.Rejected(500, "boom", 0)} {
		rec, err := h.ledger.Begin(ctx, domain.ExecutionRecord{
			AlertID:       "alert-9",
			ActionID:      100,
			Channel:       domain.ChannelEmail,
			StartedAt:     baseTime,
			AttemptNumber: i + 1,
		})
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := h.ledger.Finish(ctx, ledger.Complete(rec, baseTime.Add(time.Second), "", attemptErr)); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}

	status, body := h.do(t, http.MethodGet, "/executions?alert_id=alert-9", "")
	if status != http.StatusOK {
		t.Fatalf("executions: %d %s", status, body)
	}
	var resp executionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 2 || resp.Stats.Total != 2 || resp.Stats.Success != 1 || resp.Stats.Failed != 1 {
		t.Fatalf("unexpected executions %+v", resp)
	}
	if resp.Stats.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", resp.Stats.SuccessRate)
	}

	status, body = h.do(t, http.MethodGet, "/executions?action_id=200", "")
	_ = json.Unmarshal(body, &resp)
	if status != http.StatusOK || len(resp.Records) != 0 || resp.Stats.Total != 0 {
		t.Fatalf("expected empty result for other action, got %d %+v", status, resp)
	}

	if status, _ := h.do(t, http.MethodGet, "/executions", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without filter, got %d", status)
	}
}
