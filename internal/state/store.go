package state

import (
	"context"
	"errors"
	"sort"

	"sensoralert/internal/domain"
)

var (
	// ErrNotFound indicates absent alert or index key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
	// ErrOpenExists indicates another non-resolved alert already owns the dedup tuple.
	ErrOpenExists = errors.New("open alert already exists for tuple")
)

// Query selects alerts for listing.
// Params: optional status, sensor ID, and area ID (zero values match all).
// Returns: alert list predicate.
type Query struct {
	Status   domain.AlertStatus
	SensorID int64
	AreaID   int64
}

// Matches reports whether alert satisfies query.
func (q Query) Matches(alert domain.Alert) bool {
	if q.Status != "" && alert.Status != q.Status {
		return false
	}
	if q.SensorID != 0 && alert.SensorID != q.SensorID {
		return false
	}
	if q.AreaID != 0 && alert.AreaID != q.AreaID {
		return false
	}
	return true
}

// Store provides alert persistence with an open-tuple index.
// Params: CRUD operations keyed by alert ID plus tuple lookups.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, alertID string) (domain.Alert, uint64, error)
	FindOpen(ctx context.Context, tupleKey string) (domain.Alert, uint64, error)
	Create(ctx context.Context, alert domain.Alert) (uint64, error)
	Update(ctx context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error)
	Delete(ctx context.Context, alertID string) error
	List(ctx context.Context, query Query) ([]domain.Alert, error)
	Close() error
}

// sortAlerts orders alerts by opened time, newest first, then ID.
func sortAlerts(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].OpenedAt.Equal(alerts[j].OpenedAt) {
			return alerts[i].OpenedAt.After(alerts[j].OpenedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
