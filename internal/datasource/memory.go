package datasource

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"sensoralert/internal/domain"
	"sensoralert/internal/schedule"

	"github.com/pelletier/go-toml/v2"
)

// Fixture is the on-disk shape of an in-memory configuration snapshot.
type Fixture struct {
	Areas         []domain.Area         `toml:"area"`
	Sensors       []domain.Sensor       `toml:"sensor"`
	SensorConfigs []domain.SensorConfig `toml:"sensor_config"`
	Users         []domain.User         `toml:"user"`
	Groups        []domain.UserGroup    `toml:"group"`
	Filters       []domain.AlertFilter  `toml:"filter"`
	Actions       []domain.Action       `toml:"action"`
	Readings      []Reading             `toml:"reading"`
}

// LoadFixture reads and validates a TOML fixture file.
// Params: fixture file path.
// Returns: decoded fixture or read/decode/validation error.
func LoadFixture(path string) (Fixture, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %q: %w", path, err)
	}
	var fixture Fixture
	if err := toml.Unmarshal(body, &fixture); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture %q: %w", path, err)
	}
	if err := fixture.Validate(); err != nil {
		return Fixture{}, fmt.Errorf("fixture %q: %w", path, err)
	}
	return fixture, nil
}

// Validate checks identifiers and enum values inside the fixture.
func (f Fixture) Validate() error {
	seenFilters := make(map[int64]struct{}, len(f.Filters))
	for i, filter := range f.Filters {
		if filter.ID <= 0 {
			return fmt.Errorf("filter[%d].id must be >0", i)
		}
		if _, dup := seenFilters[filter.ID]; dup {
			return fmt.Errorf("filter[%d].id %d is duplicated", i, filter.ID)
		}
		seenFilters[filter.ID] = struct{}{}
		for j, ref := range filter.Recipients {
			if ref.Kind != domain.RecipientUser && ref.Kind != domain.RecipientGroup {
				return fmt.Errorf("filter[%d].recipients[%d].type has unsupported value %q", i, j, ref.Kind)
			}
		}
		if filter.Schedule != nil {
			if err := schedule.Validate(*filter.Schedule); err != nil {
				return fmt.Errorf("filter[%d].schedule: %w", i, err)
			}
		}
	}
	for i, action := range f.Actions {
		if action.ID <= 0 {
			return fmt.Errorf("action[%d].id must be >0", i)
		}
		if !action.Channel.Valid() {
			return fmt.Errorf("action[%d].channel has unsupported value %q", i, action.Channel)
		}
		if action.Channel == domain.ChannelWebhook && strings.TrimSpace(action.Config.URL) == "" {
			return fmt.Errorf("action[%d].config.url is required for webhook", i)
		}
	}
	return nil
}

// Memory keeps configuration in process memory.
// Params: fixture snapshot and mutation helpers for admin flows and tests.
// Returns: DataSource without external dependencies.
type Memory struct {
	mu            sync.RWMutex
	filters       map[int64]domain.AlertFilter
	actions       map[int64]domain.Action
	sensors       map[int64]domain.Sensor
	areas         map[int64]domain.Area
	users         map[int64]domain.User
	groups        map[int64]domain.UserGroup
	sensorConfigs map[string]domain.SensorConfig
	readings      map[string]Reading
}

// NewMemory builds in-memory data source from fixture.
// Params: fixture snapshot (may be empty).
// Returns: initialized memory data source.
func NewMemory(fixture Fixture) *Memory {
	m := &Memory{
		filters:       make(map[int64]domain.AlertFilter),
		actions:       make(map[int64]domain.Action),
		sensors:       make(map[int64]domain.Sensor),
		areas:         make(map[int64]domain.Area),
		users:         make(map[int64]domain.User),
		groups:        make(map[int64]domain.UserGroup),
		sensorConfigs: make(map[string]domain.SensorConfig),
		readings:      make(map[string]Reading),
	}
	for _, item := range fixture.Filters {
		m.filters[item.ID] = item
	}
	for _, item := range fixture.Actions {
		m.actions[item.ID] = item
	}
	for _, item := range fixture.Sensors {
		m.sensors[item.ID] = item
	}
	for _, item := range fixture.Areas {
		m.areas[item.ID] = item
	}
	for _, item := range fixture.Users {
		m.users[item.ID] = item
	}
	for _, item := range fixture.Groups {
		m.groups[item.ID] = item
	}
	for _, item := range fixture.SensorConfigs {
		m.sensorConfigs[readingKey(item.SensorID, item.ParameterKey)] = item
	}
	for _, item := range fixture.Readings {
		m.readings[readingKey(item.SensorID, item.ParameterKey)] = item
	}
	return m
}

// EnabledFilters returns enabled filters sorted by ID.
func (m *Memory) EnabledFilters(_ context.Context) ([]domain.AlertFilter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AlertFilter, 0, len(m.filters))
	for _, filter := range m.filters {
		if filter.Enabled {
			out = append(out, filter)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Filter returns one filter by ID.
func (m *Memory) Filter(_ context.Context, id int64) (domain.AlertFilter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	filter, ok := m.filters[id]
	if !ok {
		return domain.AlertFilter{}, domain.ConfigNotFound("filter", id)
	}
	return filter, nil
}

// Action returns one action by ID.
func (m *Memory) Action(_ context.Context, id int64) (domain.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	action, ok := m.actions[id]
	if !ok {
		return domain.Action{}, domain.ConfigNotFound("action", id)
	}
	return action, nil
}

// SensorConfig returns threshold config for sensor parameter.
func (m *Memory) SensorConfig(_ context.Context, sensorID int64, parameterKey string) (domain.SensorConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.sensorConfigs[readingKey(sensorID, parameterKey)]
	if !ok {
		return domain.SensorConfig{}, domain.ConfigNotFound("sensor_config", readingKey(sensorID, parameterKey))
	}
	return cfg, nil
}

// Sensor returns one sensor by ID.
func (m *Memory) Sensor(_ context.Context, id int64) (domain.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sensor, ok := m.sensors[id]
	if !ok {
		return domain.Sensor{}, domain.ConfigNotFound("sensor", id)
	}
	return sensor, nil
}

// Area returns one area by ID.
func (m *Memory) Area(_ context.Context, id int64) (domain.Area, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	area, ok := m.areas[id]
	if !ok {
		return domain.Area{}, domain.ConfigNotFound("area", id)
	}
	return area, nil
}

// User returns one user by ID.
func (m *Memory) User(_ context.Context, id int64) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return domain.User{}, domain.ConfigNotFound("user", id)
	}
	return user, nil
}

// Group returns one user group by ID.
func (m *Memory) Group(_ context.Context, id int64) (domain.UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[id]
	if !ok {
		return domain.UserGroup{}, domain.ConfigNotFound("group", id)
	}
	return group, nil
}

// LatestReading returns last recorded value for sensor parameter.
func (m *Memory) LatestReading(_ context.Context, sensorID int64, parameterKey string) (Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reading, ok := m.readings[readingKey(sensorID, parameterKey)]
	if !ok {
		return Reading{}, domain.ConfigNotFound("reading", readingKey(sensorID, parameterKey))
	}
	return reading, nil
}

// PutFilter inserts or replaces one filter.
func (m *Memory) PutFilter(filter domain.AlertFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[filter.ID] = filter
}

// PutAction inserts or replaces one action.
func (m *Memory) PutAction(action domain.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action.ID] = action
}

// PutGroup inserts or replaces one user group.
func (m *Memory) PutGroup(group domain.UserGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.ID] = group
}

// RecordReading stores latest value for sensor parameter.
func (m *Memory) RecordReading(reading Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[readingKey(reading.SensorID, reading.ParameterKey)] = reading
}

// Close releases memory resources.
func (m *Memory) Close() error {
	return nil
}

func readingKey(sensorID int64, parameterKey string) string {
	return fmt.Sprintf("%d/%s", sensorID, strings.ToLower(strings.TrimSpace(parameterKey)))
}
