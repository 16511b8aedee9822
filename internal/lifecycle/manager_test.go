package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
	"sensoralert/internal/state"
)

var baseTime = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock     *clock.Fake
	store     *state.MemoryStore
	scheduler *state.MemoryScheduler
	source    *datasource.Memory
	manager   *Manager
	rechecked chan Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	high := 1000.0
	source := datasource.NewMemory(datasource.Fixture{
		SensorConfigs: []domain.SensorConfig{{ID: 11, SensorID: 42, ParameterKey: "co2", ThresholdMax: &high, Enabled: true}},
	})
	clk := clock.NewFake(baseTime)
	store := state.NewMemoryStore()
	scheduler := state.NewMemoryScheduler(clk)
	var seq atomic.Int64
	manager := NewManager(store, scheduler, source, Options{
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:  func() string { return fmt.Sprintf("alert-%d", seq.Add(1)) },
	})
	h := &harness{clock: clk, store: store, scheduler: scheduler, source: source, manager: manager, rechecked: make(chan Outcome, 4)}
	_ = scheduler.Start(func(ctx context.Context, alertID string) error {
		outcome, err := manager.Recheck(ctx, alertID)
		if err == nil {
			h.rechecked <- outcome
		}
		return err
	})
	return h
}

func violation(value float64) domain.ViolationEvent {
	return domain.ViolationEvent{SensorID: 42, AreaID: 5, ParameterKey: "co2", ViolationType: domain.ViolationMax, Value: value, Timestamp: baseTime}
}

func TestOpenCreatesThenDeduplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	filter := domain.AlertFilter{ID: 1}

	first, err := h.manager.Open(ctx, violation(1400), filter, &domain.SensorConfig{ID: 11})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !first.Created || !first.Dispatch || !first.Bypass || first.Alert.Status != domain.AlertStatusActive {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	if first.Alert.SensorConfigID != 11 {
		t.Fatalf("expected sensor config recorded")
	}

	second, err := h.manager.Open(ctx, violation(1500), domain.AlertFilter{ID: 2}, nil)
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if second.Created || !second.Dispatch || second.Bypass {
		t.Fatalf("expected gated dispatch on active alert, got %+v", second)
	}
	if second.Alert.ID != first.Alert.ID || second.Alert.LastValue != 1500 {
		t.Fatalf("expected in-place update, got %+v", second.Alert)
	}
	if len(second.Alert.MatchedFilterIDs) != 2 {
		t.Fatalf("expected both filters recorded, got %v", second.Alert.MatchedFilterIDs)
	}
}

func TestOpenConcurrentViolationsCreateSingleAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		created atomic.Int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(value float64) {
			defer wg.Done()
			outcome, err := h.manager.Open(ctx, violation(value), domain.AlertFilter{ID: 1}, nil)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			if outcome.Created {
				created.Add(1)
			}
		}(float64(1100 + i))
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one creation, got %d", created.Load())
	}
	alerts, _ := h.manager.List(ctx, state.Query{})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
}

func TestTransitionRoundTripEndsResolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	id := opened.Alert.ID

	if _, err := h.manager.Acknowledge(ctx, id, "on it"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := h.manager.Suspend(ctx, id, SuspendRequest{Remarks: "maintenance"}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	resolved, err := h.manager.Resolve(ctx, id, "fixed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.AlertStatusResolved || resolved.ResolvedAt == nil || resolved.Remarks != "fixed" {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}

	_, err = h.manager.Acknowledge(ctx, id, "late")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := h.manager.Get(ctx, id)
	if stored.Status != domain.AlertStatusResolved || stored.Remarks != "fixed" {
		t.Fatalf("invalid transition must not mutate, got %+v", stored)
	}
}

func TestInvalidTransitionsAndNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	id := opened.Alert.ID

	if _, err := h.manager.Suspend(ctx, id, SuspendRequest{}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := h.manager.Acknowledge(ctx, id, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("acknowledge from suspended must fail, got %v", err)
	}
	if _, err := h.manager.Suspend(ctx, id, SuspendRequest{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("suspend from suspended must fail, got %v", err)
	}
	if _, err := h.manager.Acknowledge(ctx, "missing", ""); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.manager.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.manager.Get(ctx, id); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestOpenReopensAcknowledgedAndMutesSuspended(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	id := opened.Alert.ID

	_, _ = h.manager.Acknowledge(ctx, id, "")
	reopened, err := h.manager.Open(ctx, violation(1450), domain.AlertFilter{ID: 1}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reopened.Transition != TransitionReopened || reopened.Alert.Status != domain.AlertStatusActive || !reopened.Dispatch {
		t.Fatalf("expected reopen with dispatch, got %+v", reopened)
	}

	_, _ = h.manager.Suspend(ctx, id, SuspendRequest{})
	muted, err := h.manager.Open(ctx, violation(1500), domain.AlertFilter{ID: 1}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if muted.Dispatch || muted.Alert.Status != domain.AlertStatusSuspended || muted.Created {
		t.Fatalf("expected suspended alert to stay muted, got %+v", muted)
	}
}

func TestOpenAfterResolveCreatesNewAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	_, _ = h.manager.Resolve(ctx, first.Alert.ID, "")
	second, err := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !second.Created || second.Alert.ID == first.Alert.ID {
		t.Fatalf("expected fresh alert, got %+v", second)
	}
}

func TestScheduledRecheckReactivatesOnBreach(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	next := baseTime.Add(30 * time.Minute)
	if _, err := h.manager.Suspend(ctx, opened.Alert.ID, SuspendRequest{NextTriggerTime: &next, RecheckEnabled: true}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	h.source.RecordReading(datasource.Reading{SensorID: 42, ParameterKey: "co2", Value: 1300, At: next})

	h.clock.Advance(30 * time.Minute)
	select {
	case outcome := <-h.rechecked:
		if outcome.Transition != TransitionRecheckActive || !outcome.Dispatch || !outcome.Bypass {
			t.Fatalf("unexpected recheck outcome %+v", outcome)
		}
		if outcome.Alert.Status != domain.AlertStatusActive || outcome.Alert.NextTriggerTime != nil {
			t.Fatalf("unexpected alert after recheck %+v", outcome.Alert)
		}
	default:
		t.Fatalf("recheck did not fire")
	}
}

func TestRecheckResolvesWhenBackInRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	_, _ = h.manager.Suspend(ctx, opened.Alert.ID, SuspendRequest{})
	h.source.RecordReading(datasource.Reading{SensorID: 42, ParameterKey: "co2", Value: 800})

	outcome, err := h.manager.Recheck(ctx, opened.Alert.ID)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if outcome.Transition != TransitionRecheckResolved || outcome.Dispatch || outcome.Alert.Status != domain.AlertStatusResolved {
		t.Fatalf("expected auto-resolve, got %+v", outcome)
	}
}

func TestRecheckKeepsSuspendedWithoutReading(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	_, _ = h.manager.Suspend(ctx, opened.Alert.ID, SuspendRequest{})

	outcome, err := h.manager.Recheck(ctx, opened.Alert.ID)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if outcome.Transition != "" || outcome.Alert.Status != domain.AlertStatusSuspended {
		t.Fatalf("expected alert to stay suspended, got %+v", outcome)
	}
}

func TestResolveCancelsPendingRecheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	next := baseTime.Add(time.Hour)
	_, _ = h.manager.Suspend(ctx, opened.Alert.ID, SuspendRequest{NextTriggerTime: &next, RecheckEnabled: true})
	if h.scheduler.Pending() != 1 {
		t.Fatalf("expected pending recheck")
	}
	_, _ = h.manager.Resolve(ctx, opened.Alert.ID, "")
	if h.scheduler.Pending() != 0 {
		t.Fatalf("expected recheck cancelled on resolve")
	}
}

func TestSweeperRunsOverdueRechecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	opened, _ := h.manager.Open(ctx, violation(1400), domain.AlertFilter{ID: 1}, nil)
	next := baseTime.Add(time.Minute)
	_, _ = h.manager.Suspend(ctx, opened.Alert.ID, SuspendRequest{NextTriggerTime: &next, RecheckEnabled: true})
	_ = h.scheduler.Cancel(ctx, opened.Alert.ID)

	var handled []Outcome
	sweeper, err := NewSweeper("", h.manager, func(_ context.Context, outcome Outcome) {
		handled = append(handled, outcome)
	}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if n := sweeper.RunOnce(ctx); n != 0 {
		t.Fatalf("expected nothing overdue yet, got %d", n)
	}

	h.clock.Advance(2 * time.Minute)
	h.source.RecordReading(datasource.Reading{SensorID: 42, ParameterKey: "co2", Value: 900})
	if n := sweeper.RunOnce(ctx); n != 1 {
		t.Fatalf("expected one overdue recheck, got %d", n)
	}
	if len(handled) != 1 || handled[0].Alert.Status != domain.AlertStatusResolved {
		t.Fatalf("unexpected handled outcomes %+v", handled)
	}
	if _, err := NewSweeper("not a spec", h.manager, nil, nil); err == nil {
		t.Fatalf("expected invalid cron spec error")
	}
}
