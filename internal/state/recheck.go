package state

import (
	"context"
	"sync"
	"time"

	"sensoralert/internal/clock"
)

// RecheckFunc re-evaluates one suspended alert.
type RecheckFunc func(ctx context.Context, alertID string) error

// Scheduler arms single-shot rechecks for suspended alerts.
// Params: alert ID and due time; Start binds the recheck callback.
// Returns: scheduling backend behavior.
type Scheduler interface {
	Start(handler RecheckFunc) error
	Schedule(ctx context.Context, alertID string, at time.Time) error
	Cancel(ctx context.Context, alertID string) error
	Close() error
}

// MemoryScheduler arms rechecks with process timers.
// Params: clock for timers and pending timer map.
// Returns: scheduler for single-instance mode.
type MemoryScheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	handler RecheckFunc
	timers  map[string]clock.Timer
	closed  bool
}

// NewMemoryScheduler creates timer-backed scheduler.
// Params: clock (real clock when nil).
// Returns: scheduler that fires after Start.
func NewMemoryScheduler(clk clock.Clock) *MemoryScheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryScheduler{clock: clk, timers: make(map[string]clock.Timer)}
}

// Start binds recheck callback.
func (s *MemoryScheduler) Start(handler RecheckFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

// Schedule replaces pending recheck for alert.
// Params: context, alert ID, and due time (past times fire immediately).
// Returns: nil.
func (s *MemoryScheduler) Schedule(_ context.Context, alertID string, at time.Time) error {
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if existing, ok := s.timers[alertID]; ok {
		existing.Stop()
	}
	var timer clock.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if current, ok := s.timers[alertID]; !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, alertID)
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			_ = handler(context.Background(), alertID)
		}
	})
	s.timers[alertID] = timer
	return nil
}

// Cancel stops pending recheck for alert.
func (s *MemoryScheduler) Cancel(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[alertID]; ok {
		timer.Stop()
		delete(s.timers, alertID)
	}
	return nil
}

// Pending reports number of armed timers.
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all timers.
func (s *MemoryScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
	return nil
}
