package datasource

import (
	"context"
	"time"

	"sensoralert/internal/domain"
)

// Reading is one latest observed sensor parameter value.
type Reading struct {
	SensorID     int64     `json:"sensor_id" toml:"sensor_id"`
	ParameterKey string    `json:"parameter_key" toml:"parameter_key"`
	Value        float64   `json:"value" toml:"value"`
	At           time.Time `json:"at" toml:"at"`
}

// DataSource reads the committed operator configuration consumed by the engine.
// Params: lookups by ID; missing objects return errors matching domain.ErrConfigNotFound.
// Returns: configuration snapshot reads.
type DataSource interface {
	EnabledFilters(ctx context.Context) ([]domain.AlertFilter, error)
	Filter(ctx context.Context, id int64) (domain.AlertFilter, error)
	Action(ctx context.Context, id int64) (domain.Action, error)
	SensorConfig(ctx context.Context, sensorID int64, parameterKey string) (domain.SensorConfig, error)
	Sensor(ctx context.Context, id int64) (domain.Sensor, error)
	Area(ctx context.Context, id int64) (domain.Area, error)
	User(ctx context.Context, id int64) (domain.User, error)
	Group(ctx context.Context, id int64) (domain.UserGroup, error)
	LatestReading(ctx context.Context, sensorID int64, parameterKey string) (Reading, error)
	Close() error
}
