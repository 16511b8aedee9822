package debounce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sensoralert/internal/clock"

	"github.com/go-redis/redis/v8"
)

// Gate suppresses repeated dispatches for one key within a window.
// Params: key (alert/action pair) and window length.
// Returns: true for first caller in window.
type Gate interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Mark(ctx context.Context, key string, window time.Duration) error
}

// Key builds gate key for alert and action.
func Key(alertID string, actionID int64) string {
	return fmt.Sprintf("%s/%d", alertID, actionID)
}

// MemoryGate keeps window expirations in process memory.
type MemoryGate struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

// NewMemoryGate builds in-process gate.
// Params: clock (real clock when nil).
// Returns: gate for single-instance mode.
func NewMemoryGate(clk clock.Clock) *MemoryGate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryGate{clock: clk, expires: make(map[string]time.Time)}
}

// Allow claims key when its window has elapsed.
func (g *MemoryGate) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if until, ok := g.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	g.expires[key] = now.Add(window)
	g.sweepLocked(now)
	return true, nil
}

// Mark starts window unconditionally.
func (g *MemoryGate) Mark(_ context.Context, key string, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expires[key] = now.Add(window)
	return nil
}

// sweepLocked drops expired keys once map grows.
func (g *MemoryGate) sweepLocked(now time.Time) {
	if len(g.expires) < 1024 {
		return
	}
	for key, until := range g.expires {
		if !now.Before(until) {
			delete(g.expires, key)
		}
	}
}

// RedisGate shares debounce windows across instances with SET NX PX.
type RedisGate struct {
	client *redis.Client
	prefix string
}

// NewRedisGate builds Redis-backed gate.
// Params: Redis client and key prefix.
// Returns: shared gate.
func NewRedisGate(client *redis.Client, prefix string) *RedisGate {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sensoralert:debounce:"
	}
	return &RedisGate{client: client, prefix: prefix}
}

// Allow claims key with SET NX and window expiry.
func (g *RedisGate) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("debounce setnx: %w", err)
	}
	return ok, nil
}

// Mark starts window unconditionally.
func (g *RedisGate) Mark(ctx context.Context, key string, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	if err := g.client.Set(ctx, g.prefix+key, "1", window).Err(); err != nil {
		return fmt.Errorf("debounce set: %w", err)
	}
	return nil
}
