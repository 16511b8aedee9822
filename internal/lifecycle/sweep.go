package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sensoralert/internal/domain"
	"sensoralert/internal/state"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec re-runs overdue rechecks every minute.
const DefaultSweepSpec = "@every 1m"

// OutcomeHandler consumes recheck outcomes (dispatch on reactivation).
type OutcomeHandler func(ctx context.Context, outcome Outcome)

// Sweeper re-runs overdue rechecks missed by the scheduler (restarts, unavailable readings).
// Params: cron schedule, lifecycle manager, and outcome handler.
// Returns: periodic recheck sweeper.
type Sweeper struct {
	mu      sync.Mutex
	cron    *cron.Cron
	manager *Manager
	handle  OutcomeHandler
	logger  *slog.Logger
	running bool
}

// NewSweeper validates cron spec and builds sweeper.
// Params: cron spec (standard or descriptor), manager, outcome handler, and logger.
// Returns: sweeper or spec parse error.
func NewSweeper(spec string, manager *Manager, handle OutcomeHandler, logger *slog.Logger) (*Sweeper, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{cron: cron.New(), manager: manager, handle: handle, logger: logger}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("recheck sweep cron %q: %w", spec, err)
	}
	return s, nil
}

// Start begins cron loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop halts cron loop and waits for running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// RunOnce rechecks every suspended alert whose recheck time has passed.
// Params: context.
// Returns: number of rechecks executed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	alerts, err := s.manager.List(ctx, state.Query{Status: domain.AlertStatusSuspended})
	if err != nil {
		s.logger.Error("recheck sweep list failed", "error", err)
		return 0
	}
	now := s.manager.clock.Now()
	count := 0
	for _, alert := range alerts {
		if !alert.RecheckEnabled || alert.NextTriggerTime == nil || alert.NextTriggerTime.After(now) {
			continue
		}
		outcome, err := s.manager.Recheck(ctx, alert.ID)
		if err != nil {
			s.logger.Error("recheck sweep failed", "alert_id", alert.ID, "error", err)
			continue
		}
		count++
		if s.handle != nil && outcome.Transition != "" {
			s.handle(ctx, outcome)
		}
	}
	return count
}
