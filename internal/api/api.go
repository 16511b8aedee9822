package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/domain"
	"sensoralert/internal/ledger"
	"sensoralert/internal/lifecycle"
	"sensoralert/internal/state"

	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 64 << 10

// Lifecycle is the alert query and transition surface served over HTTP.
type Lifecycle interface {
	Get(ctx context.Context, alertID string) (domain.Alert, error)
	List(ctx context.Context, query state.Query) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, alertID, remarks string) (domain.Alert, error)
	Suspend(ctx context.Context, alertID string, req lifecycle.SuspendRequest) (domain.Alert, error)
	Resolve(ctx context.Context, alertID, remarks string) (domain.Alert, error)
	Delete(ctx context.Context, alertID string) error
}

// Executions is the read side of the execution ledger.
type Executions interface {
	ListByAlert(ctx context.Context, alertID string) ([]domain.ExecutionRecord, error)
	ListByAction(ctx context.Context, actionID int64) ([]domain.ExecutionRecord, error)
	Stats(ctx context.Context, filter ledger.Filter) (ledger.Stats, error)
}

// Handler serves alert and execution endpoints.
type Handler struct {
	alerts     Lifecycle
	executions Executions
	logger     *slog.Logger
}

// New creates API handler.
// Params: lifecycle manager, execution ledger, and optional logger.
// Returns: handler with routes registered by RegisterRoutes.
func New(alerts Lifecycle, executions Executions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{alerts: alerts, executions: executions, logger: logger}
}

// RegisterRoutes mounts alert and execution routes on router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.listAlerts)
		r.Get("/{id}", h.getAlert)
		r.Delete("/{id}", h.deleteAlert)
		r.Post("/{id}/acknowledge", h.acknowledge)
		r.Post("/{id}/suspend", h.suspend)
		r.Post("/{id}/resolve", h.resolve)
	})
	r.Get("/executions", h.listExecutions)
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

type suspendRequest struct {
	Remarks         string     `json:"remarks"`
	NextTriggerTime *time.Time `json:"next_trigger_time"`
	RecheckEnabled  bool       `json:"recheck_enabled"`
}

type executionsResponse struct {
	Records []domain.ExecutionRecord `json:"records"`
	Stats   ledger.Stats             `json:"stats"`
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	query := state.Query{Status: domain.AlertStatus(strings.ToLower(strings.TrimSpace(values.Get("status"))))}
	if query.Status != "" && !query.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported status "+strconv.Quote(string(query.Status)))
		return
	}
	var err error
	if query.SensorID, err = optionalID(values.Get("sensor_id")); err != nil {
		writeError(w, http.StatusBadRequest, "sensor_id: "+err.Error())
		return
	}
	if query.AreaID, err = optionalID(values.Get("area_id")); err != nil {
		writeError(w, http.StatusBadRequest, "area_id: "+err.Error())
		return
	}
	alerts, err := h.alerts.List(r.Context(), query)
	if err != nil {
		h.fail(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) deleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.alerts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var body remarksRequest
	if !decodeBody(w, r, &body) {
		return
	}
	alert, err := h.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), body.Remarks)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	var body suspendRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RecheckEnabled && body.NextTriggerTime == nil {
		writeError(w, http.StatusBadRequest, "next_trigger_time is required when recheck_enabled is true")
		return
	}
	alert, err := h.alerts.Suspend(r.Context(), chi.URLParam(r, "id"), lifecycle.SuspendRequest{
		Remarks:         body.Remarks,
		NextTriggerTime: body.NextTriggerTime,
		RecheckEnabled:  body.RecheckEnabled,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var body remarksRequest
	if !decodeBody(w, r, &body) {
		return
	}
	alert, err := h.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), body.Remarks)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// listExecutions returns records for one alert or action with aggregate stats.
func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	filter := ledger.Filter{AlertID: strings.TrimSpace(values.Get("alert_id"))}
	var err error
	if filter.ActionID, err = optionalID(values.Get("action_id")); err != nil {
		writeError(w, http.StatusBadRequest, "action_id: "+err.Error())
		return
	}
	if filter.AlertID == "" && filter.ActionID == 0 {
		writeError(w, http.StatusBadRequest, "alert_id or action_id is required")
		return
	}

	var records []domain.ExecutionRecord
	if filter.AlertID != "" {
		records, err = h.executions.ListByAlert(r.Context(), filter.AlertID)
	} else {
		records, err = h.executions.ListByAction(r.Context(), filter.ActionID)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]domain.ExecutionRecord, 0, len(records))
	for _, record := range records {
		if filter.Matches(record) {
			out = append(out, record)
		}
	}
	stats, err := h.executions.Stats(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionsResponse{Records: out, Stats: stats})
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("api request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads optional JSON body; empty body leaves target zero.
// Returns: false after writing 400 on malformed payload.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, target); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return false
	}
	return true
}

func optionalID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
