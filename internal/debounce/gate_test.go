package debounce

import (
	"context"
	"testing"
	"time"

	"sensoralert/internal/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGateSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	gate := NewMemoryGate(clk)
	ctx := context.Background()
	key := Key("a-1", 7)

	ok, err := gate.Allow(ctx, key, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first allow, got ok=%v err=%v", ok, err)
	}
	if ok, _ := gate.Allow(ctx, key, 5*time.Minute); ok {
		t.Fatalf("expected suppression inside window")
	}
	if ok, _ := gate.Allow(ctx, Key("a-1", 8), 5*time.Minute); !ok {
		t.Fatalf("expected other action to pass")
	}
	clk.Advance(5 * time.Minute)
	if ok, _ := gate.Allow(ctx, key, 5*time.Minute); !ok {
		t.Fatalf("expected allow after window")
	}
	if ok, _ := gate.Allow(ctx, key, 0); !ok {
		t.Fatalf("zero window must always allow")
	}
}

func TestMemoryGateMarkStartsWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	gate := NewMemoryGate(clk)
	ctx := context.Background()
	if err := gate.Mark(ctx, "k", time.Minute); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if ok, _ := gate.Allow(ctx, "k", time.Minute); ok {
		t.Fatalf("expected marked key to be suppressed")
	}
}

func TestRedisGateSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	first := NewRedisGate(client, "")
	second := NewRedisGate(client, "")
	ctx := context.Background()

	ok, err := first.Allow(ctx, "a-1/7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Allow(ctx, "a-1/7", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must see shared window")
	assert.True(t, mr.Exists("sensoralert:debounce:a-1/7"))

	mr.FastForward(time.Minute)
	ok, err = second.Allow(ctx, "a-1/7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Mark(ctx, "a-2/7", time.Minute))
	ok, err = second.Allow(ctx, "a-2/7", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
