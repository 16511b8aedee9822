package state

import (
	"context"
	"sync"

	"sensoralert/internal/domain"
)

// MemoryStore keeps alerts in process memory for single-instance mode.
// Params: alert map with revisions and open-tuple index.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]memoryAlert
	open   map[string]string
}

type memoryAlert struct {
	alert    domain.Alert
	revision uint64
}

// NewMemoryStore creates in-memory alert store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]memoryAlert),
		open:   make(map[string]string),
	}
}

// Get returns alert and revision.
// Params: alert ID.
// Returns: stored alert, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return cloneAlert(entry.alert), entry.revision, nil
}

// FindOpen returns non-resolved alert owning tuple.
// Params: dedup tuple key.
// Returns: alert, revision, or ErrNotFound.
func (s *MemoryStore) FindOpen(_ context.Context, tupleKey string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alertID, ok := s.open[tupleKey]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return cloneAlert(entry.alert), entry.revision, nil
}

// Create inserts new open alert and claims its tuple.
// Params: alert with ID and non-resolved status.
// Returns: first revision or ErrOpenExists.
func (s *MemoryStore) Create(_ context.Context, alert domain.Alert) (uint64, error) {
	tuple := alert.TupleKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.open[tuple]; exists {
		return 0, ErrOpenExists
	}
	if _, exists := s.alerts[alert.ID]; exists {
		return 0, ErrConflict
	}
	s.open[tuple] = alert.ID
	s.alerts[alert.ID] = memoryAlert{alert: cloneAlert(alert), revision: 1}
	return 1, nil
}

// Update replaces alert using expected revision CAS.
// Params: replacement alert and expected revision.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alert.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.alerts[alert.ID] = memoryAlert{alert: cloneAlert(alert), revision: rev}
	if !alert.Status.Open() {
		tuple := alert.TupleKey()
		if s.open[tuple] == alert.ID {
			delete(s.open, tuple)
		}
	}
	return rev, nil
}

// Delete removes alert and releases its tuple.
// Params: alert ID.
// Returns: ErrNotFound when alert is absent.
func (s *MemoryStore) Delete(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	delete(s.alerts, alertID)
	tuple := entry.alert.TupleKey()
	if s.open[tuple] == alertID {
		delete(s.open, tuple)
	}
	return nil
}

// List returns alerts matching query, newest first.
func (s *MemoryStore) List(_ context.Context, query Query) ([]domain.Alert, error) {
	s.mu.RLock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, entry := range s.alerts {
		if query.Matches(entry.alert) {
			out = append(out, cloneAlert(entry.alert))
		}
	}
	s.mu.RUnlock()
	sortAlerts(out)
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneAlert(alert domain.Alert) domain.Alert {
	if alert.MatchedFilterIDs != nil {
		alert.MatchedFilterIDs = append([]int64(nil), alert.MatchedFilterIDs...)
	}
	if alert.NextTriggerTime != nil {
		next := *alert.NextTriggerTime
		alert.NextTriggerTime = &next
	}
	if alert.ResolvedAt != nil {
		resolved := *alert.ResolvedAt
		alert.ResolvedAt = &resolved
	}
	return alert
}
