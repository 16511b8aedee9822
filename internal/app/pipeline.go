package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sensoralert/internal/clock"
	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
	"sensoralert/internal/engine"
	"sensoralert/internal/lifecycle"
	"sensoralert/internal/metrics"
	"sensoralert/internal/notify"
	"sensoralert/internal/notifyqueue"
)

// Dispatcher fans one matched filter out to its actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.Request) error
}

// EventObserver receives per-event evaluation results.
type EventObserver interface {
	ObserveEvent(result string, matches int)
}

// Pipeline connects rule evaluation, alert lifecycle, and dispatch.
// Params: rule engine, lifecycle manager, data source, and dispatch path (direct or queued).
// Returns: ingest event sink and recheck outcome handler.
type Pipeline struct {
	engine     *engine.Engine
	lifecycle  *lifecycle.Manager
	source     datasource.DataSource
	dispatcher Dispatcher
	producer   notifyqueue.Producer
	observer   EventObserver
	clock      clock.Clock
	logger     *slog.Logger
}

// PipelineOptions carries optional pipeline collaborators.
// Params: queue producer (nil dispatches inline), event observer, clock, and logger.
type PipelineOptions struct {
	Producer notifyqueue.Producer
	Observer EventObserver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// NewPipeline builds event pipeline.
// Params: engine, lifecycle manager, data source, dispatcher, and options.
// Returns: pipeline ready to accept events.
func NewPipeline(eng *engine.Engine, manager *lifecycle.Manager, source datasource.DataSource, dispatcher Dispatcher, opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		engine:     eng,
		lifecycle:  manager,
		source:     source,
		dispatcher: dispatcher,
		producer:   opts.Producer,
		observer:   opts.Observer,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Push processes one violation event from ingest interfaces.
// Params: context and validated event.
// Returns: evaluation, lifecycle, or enqueue error; ingest maps it to retry or 503.
func (p *Pipeline) Push(ctx context.Context, event domain.ViolationEvent) error {
	if err := event.Validate(); err != nil {
		p.observe(metrics.EventInvalid, 0)
		return err
	}

	result, err := p.engine.Evaluate(ctx, event)
	if err != nil {
		p.observe(metrics.EventError, 0)
		return fmt.Errorf("evaluate event: %w", err)
	}
	if !result.Matched() {
		p.observe(metrics.EventUnmatched, 0)
		p.logger.Debug("event matched no filter", "sensor_id", event.SensorID, "parameter_key", event.ParameterKey)
		return nil
	}
	p.observe(metrics.EventMatched, len(result.Filters))

	var errs []error
	for _, filter := range result.Filters {
		outcome, err := p.lifecycle.Open(ctx, event, filter, result.SensorConfig)
		if err != nil {
			p.logger.Error("alert open failed", "filter_id", filter.ID, "sensor_id", event.SensorID, "error", err.Error())
			errs = append(errs, fmt.Errorf("open alert for filter %d: %w", filter.ID, err))
			continue
		}
		if !outcome.Dispatch {
			continue
		}
		req := notify.Request{
			Alert:  outcome.Alert,
			Filter: filter,
			Event:  event,
			Sensor: result.Sensor,
			Bypass: outcome.Bypass,
		}
		if err := p.dispatch(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PushBatch processes events in order.
// Params: context and events slice (not retained).
// Returns: first processing error.
func (p *Pipeline) PushBatch(ctx context.Context, events []domain.ViolationEvent) error {
	for _, event := range events {
		if err := p.Push(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// HandleRecheck dispatches recheck outcomes that reactivated an alert.
// Params: context and lifecycle outcome from scheduler or sweep.
// Returns: none; failures are logged.
func (p *Pipeline) HandleRecheck(ctx context.Context, outcome lifecycle.Outcome) {
	if !outcome.Dispatch {
		return
	}
	alert := outcome.Alert
	filter, err := p.source.Filter(ctx, alert.FilterID)
	if err != nil {
		p.logger.Warn("recheck dispatch skipped: filter unavailable", "alert_id", alert.ID, "filter_id", alert.FilterID, "error", err.Error())
		return
	}
	req := notify.Request{
		Alert:  alert,
		Filter: filter,
		Event: domain.ViolationEvent{
			SensorID:      alert.SensorID,
			AreaID:        alert.AreaID,
			ParameterKey:  alert.ParameterKey,
			ViolationType: alert.ViolationType,
			Value:         alert.LastValue,
			Timestamp:     alert.LastViolationAt,
		},
		Bypass: outcome.Bypass,
	}
	if err := p.dispatch(ctx, req); err != nil {
		p.logger.Error("recheck dispatch failed", "alert_id", alert.ID, "error", err.Error())
	}
}

// Recheck runs one scheduled recheck and dispatches a reactivation.
// Params: context and alert ID from the scheduler.
// Returns: lifecycle error for scheduler retry.
func (p *Pipeline) Recheck(ctx context.Context, alertID string) error {
	outcome, err := p.lifecycle.Recheck(ctx, alertID)
	if err != nil {
		return err
	}
	p.HandleRecheck(ctx, outcome)
	return nil
}

// ProcessJob runs one queued dispatch request.
// Params: context and job produced by the enqueue path.
// Returns: dispatch error for worker redelivery; unknown filters are permanent.
func (p *Pipeline) ProcessJob(ctx context.Context, job notifyqueue.Job) error {
	err := p.dispatcher.Dispatch(ctx, job.Request)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConfigNotFound) {
		p.logger.Warn("drop queued dispatch due permanent error", "job_id", job.ID, "alert_id", job.Request.Alert.ID, "error", err.Error())
		return notifyqueue.MarkPermanent(err)
	}
	return err
}

// dispatch sends request inline or enqueues it when async queue is configured.
func (p *Pipeline) dispatch(ctx context.Context, req notify.Request) error {
	if p.producer != nil {
		job := notifyqueue.NewJob(req, p.clock.Now())
		if err := p.producer.Enqueue(ctx, job); err != nil {
			p.logger.Error("enqueue dispatch failed", "alert_id", req.Alert.ID, "filter_id", req.Filter.ID, "error", err.Error())
			return fmt.Errorf("enqueue dispatch: %w", err)
		}
		return nil
	}
	if err := p.dispatcher.Dispatch(ctx, req); err != nil {
		// Alert state is already persisted; delivery failures are tracked in the ledger.
		p.logger.Error("dispatch failed", "alert_id", req.Alert.ID, "filter_id", req.Filter.ID, "error", err.Error())
	}
	return nil
}

func (p *Pipeline) observe(result string, matches int) {
	if p.observer != nil {
		p.observer.ObserveEvent(result, matches)
	}
}
