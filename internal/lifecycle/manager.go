package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
	"sensoralert/internal/state"

	"github.com/google/uuid"
)

// DefaultDebounce is the re-notification window for already active alerts.
const DefaultDebounce = 300 * time.Second

const maxCASAttempts = 5

// Transition names reported to observers.
const (
	TransitionCreated         = "created"
	TransitionUpdated         = "updated"
	TransitionReopened        = "reopened"
	TransitionAcknowledged    = "acknowledged"
	TransitionSuspended       = "suspended"
	TransitionResolved        = "resolved"
	TransitionDeleted         = "deleted"
	TransitionRecheckActive   = "recheck_active"
	TransitionRecheckResolved = "recheck_resolved"
)

// Outcome describes one lifecycle mutation and its dispatch decision.
// Params: resulting alert, transition name, and dispatch flags.
// Returns: input for the dispatcher.
type Outcome struct {
	Alert      domain.Alert
	Transition string
	Created    bool
	// Dispatch requests notification; Bypass skips the debounce gate but still marks it.
	Dispatch bool
	Bypass   bool
}

// SuspendRequest carries suspend parameters.
type SuspendRequest struct {
	Remarks         string
	NextTriggerTime *time.Time
	RecheckEnabled  bool
}

// Options configures lifecycle manager.
// Params: debounce window, clock, logger, ID generator, and transition observer.
// Returns: manager options.
type Options struct {
	Debounce     time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	NewID        func() string
	OnTransition func(transition string)
}

// Manager owns alert state transitions.
// Params: alert store, recheck scheduler, and data source for rechecks.
// Returns: serialized per-tuple lifecycle operations.
type Manager struct {
	store        state.Store
	scheduler    state.Scheduler
	source       datasource.DataSource
	locks        *keyedMutex
	debounce     time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	newID        func() string
	onTransition func(string)
}

// NewManager builds lifecycle manager.
// Params: store, scheduler, data source, and options.
// Returns: initialized manager.
func NewManager(store state.Store, scheduler state.Scheduler, source datasource.DataSource, opts Options) *Manager {
	m := &Manager{
		store:        store,
		scheduler:    scheduler,
		source:       source,
		locks:        newKeyedMutex(),
		debounce:     opts.Debounce,
		clock:        opts.Clock,
		logger:       opts.Logger,
		newID:        opts.NewID,
		onTransition: opts.OnTransition,
	}
	if m.debounce <= 0 {
		m.debounce = DefaultDebounce
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	return m
}

// Debounce returns configured re-notification window.
func (m *Manager) Debounce() time.Duration {
	return m.debounce
}

// Open creates or updates the open alert for event tuple.
// Params: context, violation event, matched filter, and firing sensor config (optional).
// Returns: outcome with dispatch decision or store error.
func (m *Manager) Open(ctx context.Context, event domain.ViolationEvent, filter domain.AlertFilter, sensorConfig *domain.SensorConfig) (Outcome, error) {
	tuple := event.TupleKey()
	unlock := m.locks.Lock(tuple)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := m.store.FindOpen(ctx, tuple)
		switch {
		case errors.Is(err, state.ErrNotFound):
			alert := m.newAlert(event, filter, sensorConfig)
			if _, err := m.store.Create(ctx, alert); err != nil {
				if errors.Is(err, state.ErrOpenExists) {
					continue
				}
				return Outcome{}, fmt.Errorf("create alert: %w", err)
			}
			m.logger.Info("alert opened", "alert_id", alert.ID, "tuple", tuple, "filter_id", filter.ID)
			m.observe(TransitionCreated)
			return Outcome{Alert: alert, Transition: TransitionCreated, Created: true, Dispatch: true, Bypass: true}, nil
		case err != nil:
			return Outcome{}, fmt.Errorf("find open alert: %w", err)
		}

		outcome := m.applyViolation(&current, event, filter, sensorConfig)
		if _, err := m.store.Update(ctx, current, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return Outcome{}, fmt.Errorf("update alert: %w", err)
		}
		outcome.Alert = current
		m.observe(outcome.Transition)
		return outcome, nil
	}
	return Outcome{}, fmt.Errorf("open alert %s: %w", tuple, state.ErrConflict)
}

// newAlert builds fresh active alert from event.
func (m *Manager) newAlert(event domain.ViolationEvent, filter domain.AlertFilter, sensorConfig *domain.SensorConfig) domain.Alert {
	now := m.clock.Now()
	alert := domain.Alert{
		ID:               m.newID(),
		SensorID:         event.SensorID,
		AreaID:           event.AreaID,
		FilterID:         filter.ID,
		MatchedFilterIDs: []int64{filter.ID},
		ParameterKey:     event.ParameterKey,
		ViolationType:    event.ViolationType,
		Status:           domain.AlertStatusActive,
		OpenedAt:         now,
		UpdatedAt:        now,
		LastViolationAt:  event.Timestamp,
		LastValue:        event.Value,
		Remarks:          violationRemark(event),
	}
	if sensorConfig != nil {
		alert.SensorConfigID = sensorConfig.ID
	}
	return alert
}

// applyViolation folds renewed violation into open alert.
// Params: current alert (mutated), event, filter, and sensor config.
// Returns: outcome without alert snapshot.
func (m *Manager) applyViolation(alert *domain.Alert, event domain.ViolationEvent, filter domain.AlertFilter, sensorConfig *domain.SensorConfig) Outcome {
	alert.UpdatedAt = m.clock.Now()
	if !event.Timestamp.Before(alert.LastViolationAt) {
		alert.LastViolationAt = event.Timestamp
		alert.LastValue = event.Value
		alert.Remarks = violationRemark(event)
	}
	if !alert.HasFilter(filter.ID) {
		alert.MatchedFilterIDs = append(alert.MatchedFilterIDs, filter.ID)
	}
	if alert.SensorConfigID == 0 && sensorConfig != nil {
		alert.SensorConfigID = sensorConfig.ID
	}

	switch alert.Status {
	case domain.AlertStatusAcknowledged:
		alert.Status = domain.AlertStatusActive
		m.logger.Info("alert reopened", "alert_id", alert.ID)
		return Outcome{Transition: TransitionReopened, Dispatch: true, Bypass: true}
	case domain.AlertStatusActive:
		return Outcome{Transition: TransitionUpdated, Dispatch: true}
	default:
		return Outcome{Transition: TransitionUpdated}
	}
}

// Acknowledge moves active alert to acknowledged.
// Params: context, alert ID, and operator remarks.
// Returns: updated alert or InvalidTransition/not-found error.
func (m *Manager) Acknowledge(ctx context.Context, alertID, remarks string) (domain.Alert, error) {
	return m.mutate(ctx, alertID, "acknowledge", func(alert *domain.Alert) error {
		if alert.Status != domain.AlertStatusActive {
			return &domain.TransitionError{AlertID: alert.ID, From: alert.Status, Op: "acknowledge"}
		}
		alert.Status = domain.AlertStatusAcknowledged
		setRemarks(alert, remarks)
		return nil
	}, TransitionAcknowledged)
}

// Suspend mutes alert and optionally arms threshold recheck.
// Params: context, alert ID, and suspend request.
// Returns: updated alert or InvalidTransition/not-found error.
func (m *Manager) Suspend(ctx context.Context, alertID string, req SuspendRequest) (domain.Alert, error) {
	alert, err := m.mutate(ctx, alertID, "suspend", func(alert *domain.Alert) error {
		if alert.Status != domain.AlertStatusActive && alert.Status != domain.AlertStatusAcknowledged {
			return &domain.TransitionError{AlertID: alert.ID, From: alert.Status, Op: "suspend"}
		}
		alert.Status = domain.AlertStatusSuspended
		alert.RecheckEnabled = req.RecheckEnabled
		alert.NextTriggerTime = nil
		if req.NextTriggerTime != nil {
			next := req.NextTriggerTime.UTC()
			alert.NextTriggerTime = &next
		}
		setRemarks(alert, req.Remarks)
		return nil
	}, TransitionSuspended)
	if err != nil {
		return domain.Alert{}, err
	}

	if alert.RecheckEnabled && alert.NextTriggerTime != nil && alert.NextTriggerTime.After(m.clock.Now()) {
		if err := m.scheduler.Schedule(ctx, alert.ID, *alert.NextTriggerTime); err != nil {
			m.logger.Error("recheck schedule failed", "alert_id", alert.ID, "error", err)
		}
	} else if err := m.scheduler.Cancel(ctx, alert.ID); err != nil {
		m.logger.Warn("recheck cancel failed", "alert_id", alert.ID, "error", err)
	}
	return alert, nil
}

// Resolve closes alert and cancels pending recheck.
// Params: context, alert ID, and operator remarks.
// Returns: resolved alert or InvalidTransition/not-found error.
func (m *Manager) Resolve(ctx context.Context, alertID, remarks string) (domain.Alert, error) {
	alert, err := m.mutate(ctx, alertID, "resolve", func(alert *domain.Alert) error {
		if !alert.Status.Open() {
			return &domain.TransitionError{AlertID: alert.ID, From: alert.Status, Op: "resolve"}
		}
		m.markResolved(alert)
		setRemarks(alert, remarks)
		return nil
	}, TransitionResolved)
	if err != nil {
		return domain.Alert{}, err
	}
	m.cancelRecheck(ctx, alert.ID)
	return alert, nil
}

// Delete hard-deletes alert in any state.
// Params: context and alert ID.
// Returns: not-found or store error.
func (m *Manager) Delete(ctx context.Context, alertID string) error {
	alert, _, err := m.store.Get(ctx, alertID)
	if err != nil {
		return wrapNotFound(alertID, err)
	}
	unlock := m.locks.Lock(alert.TupleKey())
	defer unlock()

	if err := m.store.Delete(ctx, alertID); err != nil {
		return wrapNotFound(alertID, err)
	}
	m.cancelRecheck(ctx, alertID)
	m.logger.Info("alert deleted", "alert_id", alertID)
	m.observe(TransitionDeleted)
	return nil
}

// Recheck re-evaluates suspended alert thresholds against latest reading.
// Params: context and alert ID.
// Returns: outcome (Dispatch when breach persists); no-op when alert is no longer suspended.
func (m *Manager) Recheck(ctx context.Context, alertID string) (Outcome, error) {
	alert, _, err := m.store.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			m.logger.Info("recheck skipped: alert gone", "alert_id", alertID)
			return Outcome{}, nil
		}
		return Outcome{}, fmt.Errorf("load alert: %w", err)
	}
	if alert.Status != domain.AlertStatusSuspended {
		return Outcome{Alert: alert}, nil
	}
	breached, ok := m.evaluateThreshold(ctx, alert)
	if !ok {
		return Outcome{Alert: alert}, nil
	}

	unlock := m.locks.Lock(alert.TupleKey())
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := m.store.Get(ctx, alertID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return Outcome{}, nil
			}
			return Outcome{}, fmt.Errorf("load alert: %w", err)
		}
		if current.Status != domain.AlertStatusSuspended {
			return Outcome{Alert: current}, nil
		}

		outcome := Outcome{}
		current.UpdatedAt = m.clock.Now()
		current.NextTriggerTime = nil
		current.RecheckEnabled = false
		if breached {
			current.Status = domain.AlertStatusActive
			outcome.Transition = TransitionRecheckActive
			outcome.Dispatch = true
			outcome.Bypass = true
		} else {
			m.markResolved(&current)
			outcome.Transition = TransitionRecheckResolved
		}
		if _, err := m.store.Update(ctx, current, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return Outcome{}, fmt.Errorf("update alert: %w", err)
		}
		m.logger.Info("alert rechecked", "alert_id", current.ID, "transition", outcome.Transition)
		m.observe(outcome.Transition)
		outcome.Alert = current
		return outcome, nil
	}
	return Outcome{}, fmt.Errorf("recheck alert %s: %w", alertID, state.ErrConflict)
}

// evaluateThreshold compares latest reading with alert thresholds.
// Params: context and suspended alert.
// Returns: breach flag and false when reading or config is unavailable.
func (m *Manager) evaluateThreshold(ctx context.Context, alert domain.Alert) (bool, bool) {
	reading, err := m.source.LatestReading(ctx, alert.SensorID, alert.ParameterKey)
	if err != nil {
		m.logger.Warn("recheck reading unavailable, alert stays suspended", "alert_id", alert.ID, "error", err)
		return false, false
	}
	cfg, err := m.source.SensorConfig(ctx, alert.SensorID, alert.ParameterKey)
	if err != nil {
		m.logger.Warn("recheck sensor config unavailable, alert stays suspended", "alert_id", alert.ID, "error", err)
		return false, false
	}
	return cfg.Breached(alert.ViolationType, reading.Value), true
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, alertID string) (domain.Alert, error) {
	alert, _, err := m.store.Get(ctx, alertID)
	if err != nil {
		return domain.Alert{}, wrapNotFound(alertID, err)
	}
	return alert, nil
}

// List returns alerts matching query.
func (m *Manager) List(ctx context.Context, query state.Query) ([]domain.Alert, error) {
	return m.store.List(ctx, query)
}

// Status returns current alert status; deleted alerts report ok=false.
// Params: context and alert ID.
// Returns: status, existence flag, and store error.
func (m *Manager) Status(ctx context.Context, alertID string) (domain.AlertStatus, bool, error) {
	alert, _, err := m.store.Get(ctx, alertID)
	if errors.Is(err, state.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return alert.Status, true, nil
}

// mutate applies operator transition under tuple lock with CAS retries.
// Params: context, alert ID, op name, mutation, and transition name.
// Returns: updated alert or mutation/store error.
func (m *Manager) mutate(ctx context.Context, alertID, op string, apply func(*domain.Alert) error, transition string) (domain.Alert, error) {
	alert, _, err := m.store.Get(ctx, alertID)
	if err != nil {
		return domain.Alert{}, wrapNotFound(alertID, err)
	}
	unlock := m.locks.Lock(alert.TupleKey())
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := m.store.Get(ctx, alertID)
		if err != nil {
			return domain.Alert{}, wrapNotFound(alertID, err)
		}
		if err := apply(&current); err != nil {
			return domain.Alert{}, err
		}
		current.UpdatedAt = m.clock.Now()
		if _, err := m.store.Update(ctx, current, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return domain.Alert{}, fmt.Errorf("%s alert: %w", op, err)
		}
		m.logger.Info("alert transition", "alert_id", alertID, "op", op, "status", current.Status)
		m.observe(transition)
		return current, nil
	}
	return domain.Alert{}, fmt.Errorf("%s alert %s: %w", op, alertID, state.ErrConflict)
}

func (m *Manager) markResolved(alert *domain.Alert) {
	resolvedAt := m.clock.Now()
	alert.Status = domain.AlertStatusResolved
	alert.ResolvedAt = &resolvedAt
	alert.NextTriggerTime = nil
	alert.RecheckEnabled = false
}

func (m *Manager) cancelRecheck(ctx context.Context, alertID string) {
	if err := m.scheduler.Cancel(ctx, alertID); err != nil {
		m.logger.Warn("recheck cancel failed", "alert_id", alertID, "error", err)
	}
}

func (m *Manager) observe(transition string) {
	if m.onTransition != nil && transition != "" {
		m.onTransition(transition)
	}
}

func setRemarks(alert *domain.Alert, remarks string) {
	if remarks != "" {
		alert.Remarks = remarks
	}
}

func wrapNotFound(alertID string, err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("alert %s: %w", alertID, state.ErrNotFound)
	}
	return err
}

// violationRemark renders default remark for violation.
func violationRemark(event domain.ViolationEvent) string {
	return event.ParameterKey + " " + string(event.ViolationType) + " violation: value " +
		strconv.FormatFloat(event.Value, 'f', -1, 64) + " at " + event.Timestamp.UTC().Format(time.RFC3339)
}
