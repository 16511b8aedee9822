package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sensoralert/internal/domain"

	"github.com/google/uuid"
)

// ErrAlreadyFinished indicates Finish on a terminal or unknown record.
var ErrAlreadyFinished = errors.New("execution record already finished")

// Filter narrows record listing and stats.
// Params: optional alert ID and action ID (zero values match all).
type Filter struct {
	AlertID  string
	ActionID int64
}

// Matches reports whether record satisfies filter.
func (f Filter) Matches(rec domain.ExecutionRecord) bool {
	if f.AlertID != "" && rec.AlertID != f.AlertID {
		return false
	}
	if f.ActionID != 0 && rec.ActionID != f.ActionID {
		return false
	}
	return true
}

// Stats aggregates execution outcomes.
type Stats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	Running     int     `json:"running"`
	SuccessRate float64 `json:"success_rate"`
}

// add counts one status occurrence.
func (s *Stats) add(status domain.ExecutionStatus, n int) {
	s.Total += n
	switch status {
	case domain.ExecutionSuccess:
		s.Success += n
	case domain.ExecutionFailed:
		s.Failed += n
	case domain.ExecutionRunning:
		s.Running += n
	}
}

// finalize computes success rate over finished records.
func (s *Stats) finalize() {
	if finished := s.Success + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Success) / float64(finished)
	}
}

// Ledger is the append-only audit of dispatch attempts.
// Params: Begin appends running record; Finish sets terminal fields once.
// Returns: persistence behavior.
type Ledger interface {
	Begin(ctx context.Context, rec domain.ExecutionRecord) (domain.ExecutionRecord, error)
	Finish(ctx context.Context, rec domain.ExecutionRecord) error
	ListByAlert(ctx context.Context, alertID string) ([]domain.ExecutionRecord, error)
	ListByAction(ctx context.Context, actionID int64) ([]domain.ExecutionRecord, error)
	Stats(ctx context.Context, filter Filter) (Stats, error)
	Close() error
}

// Complete fills terminal fields of running record.
// Params: running record, finish time, and attempt error (nil on success).
// Returns: record ready for Finish.
func Complete(rec domain.ExecutionRecord, finishedAt time.Time, response string, attemptErr error) domain.ExecutionRecord {
	duration := finishedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	rec.FinishedAt = &finishedAt
	rec.DurationMS = &duration
	rec.ResponseReceived = response
	if attemptErr != nil {
		rec.Status = domain.ExecutionFailed
		rec.ErrorMessage = attemptErr.Error()
	} else {
		rec.Status = domain.ExecutionSuccess
	}
	return rec
}

// prepareBegin assigns ID and running status.
func prepareBegin(rec domain.ExecutionRecord) domain.ExecutionRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.AttemptNumber <= 0 {
		rec.AttemptNumber = 1
	}
	rec.Status = domain.ExecutionRunning
	rec.FinishedAt = nil
	rec.DurationMS = nil
	return rec
}

// Memory keeps records in process memory.
type Memory struct {
	mu      sync.RWMutex
	records []domain.ExecutionRecord
	index   map[string]int
}

// NewMemory builds in-memory ledger.
func NewMemory() *Memory {
	return &Memory{index: make(map[string]int)}
}

// Begin appends running record.
func (m *Memory) Begin(_ context.Context, rec domain.ExecutionRecord) (domain.ExecutionRecord, error) {
	rec = prepareBegin(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[rec.ID] = len(m.records)
	m.records = append(m.records, rec)
	return rec, nil
}

// Finish sets terminal fields when record is still running.
func (m *Memory) Finish(_ context.Context, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.index[rec.ID]
	if !ok || m.records[pos].Finished() {
		return ErrAlreadyFinished
	}
	stored := m.records[pos]
	stored.Status = rec.Status
	stored.FinishedAt = rec.FinishedAt
	stored.DurationMS = rec.DurationMS
	stored.ErrorMessage = rec.ErrorMessage
	stored.ResponseReceived = rec.ResponseReceived
	m.records[pos] = stored
	return nil
}

// ListByAlert returns records for alert ordered by start time.
func (m *Memory) ListByAlert(_ context.Context, alertID string) ([]domain.ExecutionRecord, error) {
	return m.list(Filter{AlertID: alertID}), nil
}

// ListByAction returns records for action ordered by start time.
func (m *Memory) ListByAction(_ context.Context, actionID int64) ([]domain.ExecutionRecord, error) {
	return m.list(Filter{ActionID: actionID}), nil
}

// Stats aggregates records matching filter.
func (m *Memory) Stats(_ context.Context, filter Filter) (Stats, error) {
	var stats Stats
	for _, rec := range m.list(filter) {
		stats.add(rec.Status, 1)
	}
	stats.finalize()
	return stats, nil
}

// Close releases memory resources.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) list(filter Filter) []domain.ExecutionRecord {
	m.mu.RLock()
	out := make([]domain.ExecutionRecord, 0)
	for _, rec := range m.records {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
