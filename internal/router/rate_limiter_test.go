package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("tok-a"), "burst frame %d", i)
	}
	assert.False(t, rl.Allow("tok-a"), "burst exhausted")
	assert.True(t, rl.Allow("tok-b"), "clients are limited independently")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("tok-a"), "one frame per second refills")
	assert.False(t, rl.Allow("tok-a"))
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, DefaultBurst, rl.burst)
	for i := 0; i < DefaultBurst; i++ {
		assert.True(t, rl.Allow("tok"))
	}
}

func TestRateLimiter_CleanupForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(4 * time.Minute)
	rl.Allow("active")
	now = now.Add(2 * time.Minute)

	rl.Cleanup()
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_RunCleanupStopsWithContext(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.RunCleanup(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}
