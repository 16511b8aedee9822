package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sensoralert/internal/domain"
)

const filterColumns = `id, name, description, enabled, scope, conditions, schedule, recipients, action_ids`

// SQL reads configuration from the dashboard relational schema.
// Params: database handle opened with "postgres" or "pgx" driver.
// Returns: DataSource backed by committed rows.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps opened database handle.
// Params: database handle owned by caller until Close.
// Returns: SQL data source.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenSQL opens database and verifies connectivity.
// Params: context, driver name, and DSN.
// Returns: SQL data source or connection error.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s datasource: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s datasource: %w", driver, err)
	}
	return NewSQL(db), nil
}

// EnabledFilters returns enabled filters ordered by ID.
func (s *SQL) EnabledFilters(ctx context.Context) ([]domain.AlertFilter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+filterColumns+` FROM alert_filters WHERE enabled = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertFilter
	for rows.Next() {
		filter, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, filter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filters: %w", err)
	}
	return out, nil
}

// Filter returns one filter by ID.
func (s *SQL) Filter(ctx context.Context, id int64) (domain.AlertFilter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+filterColumns+` FROM alert_filters WHERE id = $1`, id)
	filter, err := scanFilter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlertFilter{}, domain.ConfigNotFound("filter", id)
	}
	return filter, err
}

// Action returns one action by ID.
func (s *SQL) Action(ctx context.Context, id int64) (domain.Action, error) {
	var (
		action    domain.Action
		channel   string
		rawConfig []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, channel, config FROM actions WHERE id = $1`, id).
		Scan(&action.ID, &action.Name, &channel, &rawConfig)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Action{}, domain.ConfigNotFound("action", id)
	}
	if err != nil {
		return domain.Action{}, fmt.Errorf("query action %d: %w", id, err)
	}
	action.Channel = domain.Channel(strings.ToLower(channel))
	if err := decodeJSONColumn(rawConfig, &action.Config); err != nil {
		return domain.Action{}, fmt.Errorf("action %d config: %w", id, err)
	}
	return action, nil
}

// SensorConfig returns threshold config for sensor parameter.
func (s *SQL) SensorConfig(ctx context.Context, sensorID int64, parameterKey string) (domain.SensorConfig, error) {
	var (
		cfg      domain.SensorConfig
		min, max sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sensor_id, parameter_key, threshold_min, threshold_max, enabled FROM sensor_configs WHERE sensor_id = $1 AND parameter_key = $2`,
		sensorID, parameterKey,
	).Scan(&cfg.ID, &cfg.SensorID, &cfg.ParameterKey, &min, &max, &cfg.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SensorConfig{}, domain.ConfigNotFound("sensor_config", fmt.Sprintf("%d/%s", sensorID, parameterKey))
	}
	if err != nil {
		return domain.SensorConfig{}, fmt.Errorf("query sensor config: %w", err)
	}
	if min.Valid {
		cfg.ThresholdMin = &min.Float64
	}
	if max.Valid {
		cfg.ThresholdMax = &max.Float64
	}
	return cfg, nil
}

// Sensor returns one sensor by ID.
func (s *SQL) Sensor(ctx context.Context, id int64) (domain.Sensor, error) {
	var (
		sensor    domain.Sensor
		rawGroups []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, area_id, group_ids FROM sensors WHERE id = $1`, id).
		Scan(&sensor.ID, &sensor.Name, &sensor.AreaID, &rawGroups)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sensor{}, domain.ConfigNotFound("sensor", id)
	}
	if err != nil {
		return domain.Sensor{}, fmt.Errorf("query sensor %d: %w", id, err)
	}
	if err := decodeJSONColumn(rawGroups, &sensor.GroupIDs); err != nil {
		return domain.Sensor{}, fmt.Errorf("sensor %d group_ids: %w", id, err)
	}
	return sensor, nil
}

// Area returns one area by ID.
func (s *SQL) Area(ctx context.Context, id int64) (domain.Area, error) {
	var area domain.Area
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM areas WHERE id = $1`, id).Scan(&area.ID, &area.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Area{}, domain.ConfigNotFound("area", id)
	}
	if err != nil {
		return domain.Area{}, fmt.Errorf("query area %d: %w", id, err)
	}
	return area, nil
}

// User returns one user by ID.
func (s *SQL) User(ctx context.Context, id int64) (domain.User, error) {
	var (
		user                    domain.User
		email, phone, pushToken sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, phone, push_token, in_app FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Name, &email, &phone, &pushToken, &user.InApp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ConfigNotFound("user", id)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("query user %d: %w", id, err)
	}
	user.Email = email.String
	user.Phone = phone.String
	user.PushToken = pushToken.String
	return user, nil
}

// Group returns one user group by ID.
func (s *SQL) Group(ctx context.Context, id int64) (domain.UserGroup, error) {
	var (
		group      domain.UserGroup
		rawMembers []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, member_ids FROM user_groups WHERE id = $1`, id).
		Scan(&group.ID, &group.Name, &rawMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserGroup{}, domain.ConfigNotFound("group", id)
	}
	if err != nil {
		return domain.UserGroup{}, fmt.Errorf("query group %d: %w", id, err)
	}
	if err := decodeJSONColumn(rawMembers, &group.MemberIDs); err != nil {
		return domain.UserGroup{}, fmt.Errorf("group %d member_ids: %w", id, err)
	}
	return group, nil
}

// LatestReading returns newest stored value for sensor parameter.
func (s *SQL) LatestReading(ctx context.Context, sensorID int64, parameterKey string) (Reading, error) {
	reading := Reading{SensorID: sensorID, ParameterKey: parameterKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, recorded_at FROM sensor_readings WHERE sensor_id = $1 AND parameter_key = $2 ORDER BY recorded_at DESC LIMIT 1`,
		sensorID, parameterKey,
	).Scan(&reading.Value, &reading.At)
	if errors.Is(err, sql.ErrNoRows) {
		return Reading{}, domain.ConfigNotFound("reading", fmt.Sprintf("%d/%s", sensorID, parameterKey))
	}
	if err != nil {
		return Reading{}, fmt.Errorf("query latest reading: %w", err)
	}
	return reading, nil
}

// Close releases database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFilter decodes one alert_filters row with JSON columns.
// Params: row or rows scanner.
// Returns: decoded filter, sql.ErrNoRows passthrough, or decode error.
func scanFilter(row rowScanner) (domain.AlertFilter, error) {
	var (
		filter                                       domain.AlertFilter
		description                                  sql.NullString
		scope, conditions, sched, recipients, action []byte
	)
	if err := row.Scan(&filter.ID, &filter.Name, &description, &filter.Enabled, &scope, &conditions, &sched, &recipients, &action); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AlertFilter{}, err
		}
		return domain.AlertFilter{}, fmt.Errorf("scan filter: %w", err)
	}
	filter.Description = description.String
	if err := decodeJSONColumn(scope, &filter.Scope); err != nil {
		return domain.AlertFilter{}, fmt.Errorf("filter %d scope: %w", filter.ID, err)
	}
	if err := decodeJSONColumn(conditions, &filter.Conditions); err != nil {
		return domain.AlertFilter{}, fmt.Errorf("filter %d conditions: %w", filter.ID, err)
	}
	if len(sched) > 0 && string(sched) != "null" {
		filter.Schedule = &domain.Schedule{}
		if err := decodeJSONColumn(sched, filter.Schedule); err != nil {
			return domain.AlertFilter{}, fmt.Errorf("filter %d schedule: %w", filter.ID, err)
		}
	}
	if err := decodeJSONColumn(recipients, &filter.Recipients); err != nil {
		return domain.AlertFilter{}, fmt.Errorf("filter %d recipients: %w", filter.ID, err)
	}
	if err := decodeJSONColumn(action, &filter.ActionIDs); err != nil {
		return domain.AlertFilter{}, fmt.Errorf("filter %d action_ids: %w", filter.ID, err)
	}
	return filter, nil
}

func decodeJSONColumn(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
