package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/domain"

	"github.com/go-resty/resty/v2"
)

// HTTPOptions configures dashboard REST data source.
// Params: base URL, optional bearer token, and request timeout.
// Returns: HTTP data source settings.
type HTTPOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTP reads configuration from the dashboard REST API.
type HTTP struct {
	client *resty.Client
}

// NewHTTP builds REST data source client.
// Params: HTTP options; base URL is required.
// Returns: data source or validation error.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("datasource base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token := strings.TrimSpace(opts.Token); token != "" {
		client.SetAuthToken(token)
	}
	return &HTTP{client: client}, nil
}

// EnabledFilters returns enabled filters from /api/alert-filters.
func (h *HTTP) EnabledFilters(ctx context.Context) ([]domain.AlertFilter, error) {
	var filters []domain.AlertFilter
	if err := h.get(ctx, "/api/alert-filters", map[string]string{"enabled": "true"}, "filters", "", &filters); err != nil {
		return nil, err
	}
	out := filters[:0]
	for _, filter := range filters {
		if filter.Enabled {
			out = append(out, filter)
		}
	}
	return out, nil
}

// Filter returns one filter by ID.
func (h *HTTP) Filter(ctx context.Context, id int64) (domain.AlertFilter, error) {
	var filter domain.AlertFilter
	err := h.get(ctx, "/api/alert-filters/"+strconv.FormatInt(id, 10), nil, "filter", id, &filter)
	return filter, err
}

// Action returns one action by ID.
func (h *HTTP) Action(ctx context.Context, id int64) (domain.Action, error) {
	var action domain.Action
	err := h.get(ctx, "/api/actions/"+strconv.FormatInt(id, 10), nil, "action", id, &action)
	action.Channel = domain.Channel(strings.ToLower(string(action.Channel)))
	return action, err
}

// SensorConfig returns threshold config for sensor parameter.
func (h *HTTP) SensorConfig(ctx context.Context, sensorID int64, parameterKey string) (domain.SensorConfig, error) {
	var configs []domain.SensorConfig
	query := map[string]string{"sensor_id": strconv.FormatInt(sensorID, 10), "parameter_key": parameterKey}
	id := fmt.Sprintf("%d/%s", sensorID, parameterKey)
	if err := h.get(ctx, "/api/sensor-configs", query, "sensor_config", id, &configs); err != nil {
		return domain.SensorConfig{}, err
	}
	for _, cfg := range configs {
		if cfg.SensorID == sensorID && strings.EqualFold(cfg.ParameterKey, parameterKey) {
			return cfg, nil
		}
	}
	return domain.SensorConfig{}, domain.ConfigNotFound("sensor_config", id)
}

// Sensor returns one sensor by ID.
func (h *HTTP) Sensor(ctx context.Context, id int64) (domain.Sensor, error) {
	var sensor domain.Sensor
	err := h.get(ctx, "/api/sensors/"+strconv.FormatInt(id, 10), nil, "sensor", id, &sensor)
	return sensor, err
}

// Area returns one area by ID.
func (h *HTTP) Area(ctx context.Context, id int64) (domain.Area, error) {
	var area domain.Area
	err := h.get(ctx, "/api/areas/"+strconv.FormatInt(id, 10), nil, "area", id, &area)
	return area, err
}

// User returns one user by ID.
func (h *HTTP) User(ctx context.Context, id int64) (domain.User, error) {
	var user domain.User
	err := h.get(ctx, "/api/users/"+strconv.FormatInt(id, 10), nil, "user", id, &user)
	return user, err
}

// Group returns one user group by ID.
func (h *HTTP) Group(ctx context.Context, id int64) (domain.UserGroup, error) {
	var group domain.UserGroup
	err := h.get(ctx, "/api/user-groups/"+strconv.FormatInt(id, 10), nil, "group", id, &group)
	return group, err
}

// LatestReading returns newest value for sensor parameter.
func (h *HTTP) LatestReading(ctx context.Context, sensorID int64, parameterKey string) (Reading, error) {
	var reading Reading
	path := "/api/sensors/" + strconv.FormatInt(sensorID, 10) + "/readings/latest"
	id := fmt.Sprintf("%d/%s", sensorID, parameterKey)
	if err := h.get(ctx, path, map[string]string{"parameter_key": parameterKey}, "reading", id, &reading); err != nil {
		return Reading{}, err
	}
	reading.SensorID = sensorID
	reading.ParameterKey = parameterKey
	return reading, nil
}

// Close releases idle client connections.
func (h *HTTP) Close() error {
	h.client.GetClient().CloseIdleConnections()
	return nil
}

// get performs one GET request and decodes JSON body.
// Params: context, path, query params, not-found kind/id, and decode target.
// Returns: ConfigNotFound on 404, status/transport errors otherwise.
func (h *HTTP) get(ctx context.Context, path string, query map[string]string, kind string, id any, target any) error {
	req := h.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.ConfigNotFound(kind, id)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
