package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
	"sensoralert/internal/schedule"
)

// Options configures rule evaluation.
// Params: facility location, scope combination mode, and logger.
// Returns: engine options.
type Options struct {
	Location  *time.Location
	ScopeMode ScopeMode
	Logger    *slog.Logger
}

// Result is the outcome of evaluating one violation event.
// Params: matched filters in ascending ID order plus resolved lookups.
// Returns: read-only evaluation output.
type Result struct {
	FilterIDs    []int64
	Filters      []domain.AlertFilter
	Sensor       domain.Sensor
	SensorConfig *domain.SensorConfig
}

// Matched reports whether at least one filter applies.
func (r Result) Matched() bool {
	return len(r.FilterIDs) > 0
}

// Engine selects filters matching violation events.
// Params: configuration data source and evaluation options.
// Returns: side-effect free evaluator safe for concurrent use.
type Engine struct {
	source    datasource.DataSource
	location  *time.Location
	scopeMode ScopeMode
	logger    *slog.Logger
}

// New constructs rule engine.
// Params: data source and options (UTC and "any" when unset).
// Returns: initialized engine.
func New(source datasource.DataSource, opts Options) *Engine {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	mode := opts.ScopeMode
	if mode == "" {
		mode = ScopeAny
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, location: loc, scopeMode: mode, logger: logger}
}

// Evaluate returns filters whose scope, schedule, and conditions match event.
// Params: context and validated violation event.
// Returns: matched filters sorted by ID or data source error.
func (e *Engine) Evaluate(ctx context.Context, event domain.ViolationEvent) (Result, error) {
	filters, err := e.source.EnabledFilters(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load filters: %w", err)
	}

	sensor, err := e.source.Sensor(ctx, event.SensorID)
	switch {
	case err == nil:
		if sensor.AreaID == 0 {
			sensor.AreaID = event.AreaID
		}
	case errors.Is(err, domain.ErrConfigNotFound):
		e.logger.Warn("sensor not found, using event area", "sensor_id", event.SensorID, "area_id", event.AreaID)
		sensor = domain.Sensor{ID: event.SensorID, AreaID: event.AreaID}
	default:
		return Result{}, fmt.Errorf("load sensor %d: %w", event.SensorID, err)
	}

	result := Result{Sensor: sensor}
	var sensorConfigID int64
	sensorConfig, err := e.source.SensorConfig(ctx, event.SensorID, event.ParameterKey)
	switch {
	case err == nil && !sensorConfig.Enabled:
		// Disabled configs neither scope filters nor feed the alert.
		e.logger.Info("sensor config disabled", "sensor_id", event.SensorID, "parameter_key", event.ParameterKey, "sensor_config_id", sensorConfig.ID)
	case err == nil:
		result.SensorConfig = &sensorConfig
		sensorConfigID = sensorConfig.ID
	case errors.Is(err, domain.ErrConfigNotFound):
		e.logger.Warn("sensor config not found", "sensor_id", event.SensorID, "parameter_key", event.ParameterKey, "error", err)
	default:
		return Result{}, fmt.Errorf("load sensor config: %w", err)
	}

	for _, filter := range filters {
		if !filter.Enabled {
			continue
		}
		if !filter.Conditions.Allows(event.ViolationType) {
			continue
		}
		if !MatchScopeMode(e.scopeMode, filter.Scope, sensor, sensorConfigID) {
			continue
		}
		inWindow, err := schedule.Evaluate(filter.Schedule, event.Timestamp, e.location)
		if err != nil {
			e.logger.Warn("filter skipped: malformed schedule", "filter_id", filter.ID, "error", err)
			continue
		}
		if !inWindow {
			continue
		}
		result.Filters = append(result.Filters, filter)
	}
	sortFilters(result.Filters)
	result.FilterIDs = make([]int64, 0, len(result.Filters))
	for _, filter := range result.Filters {
		result.FilterIDs = append(result.FilterIDs, filter.ID)
	}
	return result, nil
}

// sortFilters orders filters by ascending ID.
func sortFilters(filters []domain.AlertFilter) {
	sort.Slice(filters, func(i, j int) bool { return filters[i].ID < filters[j].ID })
}
