package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

func roomEmptied(t *testing.T, sid string) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(&types.RoomEmptied{SessionID: sid})
	require.NoError(t, err)
	return env
}

func testSessionID(a, b string) string {
	return types.DeriveSessionID(a, b, "Arrays", types.DifficultyEasy)
}

// collector records handled envelope ids.
type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handler(_ context.Context, env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, env.ID)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// runBrokerContract exercises the behavior every Broker implementation shares.
func runBrokerContract(t *testing.T, newBroker func(t *testing.T) interfaces.Broker) {
	t.Run("declared group retains messages published before subscribe", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Declare(ctx, types.RouteRoomEmptied, "lifecycle"))
		env := roomEmptied(t, testSessionID("alice", "bob"))
		require.NoError(t, b.Publish(ctx, types.RouteRoomEmptied, env))

		c := &collector{}
		go func() { _ = b.Subscribe(ctx, types.RouteRoomEmptied, "lifecycle", c.handler) }()

		require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, env.ID, c.snapshot()[0])
	})

	t.Run("every group receives its own copy", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Declare(ctx, types.RouteMatchResult, "gateway"))
		require.NoError(t, b.Declare(ctx, types.RouteMatchResult, "audit"))

		first, second := &collector{}, &collector{}
		go func() { _ = b.Subscribe(ctx, types.RouteMatchResult, "gateway", first.handler) }()
		go func() { _ = b.Subscribe(ctx, types.RouteMatchResult, "audit", second.handler) }()

		env := roomEmptied(t, testSessionID("carol", "dave"))
		require.NoError(t, b.Publish(ctx, types.RouteMatchResult, env))

		require.Eventually(t, func() bool {
			return len(first.snapshot()) == 1 && len(second.snapshot()) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("failed handler gets a redelivery", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Declare(ctx, types.RouteRoomEmptied, "lifecycle"))

		var calls atomic.Int32
		handler := func(_ context.Context, _ *types.Envelope) error {
			if calls.Add(1) == 1 {
				return errors.New("directory unavailable")
			}
			return nil
		}
		go func() { _ = b.Subscribe(ctx, types.RouteRoomEmptied, "lifecycle", handler) }()

		require.NoError(t, b.Publish(ctx, types.RouteRoomEmptied, roomEmptied(t, testSessionID("erin", "frank"))))
		require.Eventually(t, func() bool { return calls.Load() >= 2 }, 10*time.Second, 10*time.Millisecond)
	})

	t.Run("subscribe returns when context ends", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- b.Subscribe(ctx, types.RouteMatchPaired, "allocator", (&collector{}).handler) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Subscribe did not return after cancel")
		}
	})

	t.Run("health check passes while open", func(t *testing.T) {
		b := newBroker(t)
		assert.NoError(t, b.HealthCheck(context.Background()))
	})
}

func TestDeclareAll(t *testing.T) {
	b := NewMemoryBroker(DefaultMemoryConfig(), nil)
	defer func() { _ = b.Close() }()

	bindings := []Binding{
		{Route: types.RouteMatchRequest, Group: "coordinator"},
		{Route: types.RouteMatchResult, Group: "gateway"},
	}
	require.NoError(t, DeclareAll(context.Background(), b, bindings))

	env := roomEmptied(t, testSessionID("alice", "bob"))
	require.NoError(t, b.Publish(context.Background(), types.RouteMatchResult, env))
	assert.Equal(t, 1, b.Pending(types.RouteMatchResult, "gateway"))
	assert.Equal(t, 0, b.Pending(types.RouteMatchRequest, "coordinator"))

	err := DeclareAll(context.Background(), b, []Binding{{Route: "", Group: "x"}})
	assert.ErrorIs(t, err, ErrEmptyRoute)
}

func TestPublishMessage_RoutesByType(t *testing.T) {
	b := NewMemoryBroker(DefaultMemoryConfig(), nil)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.Declare(ctx, types.RouteMatchCancel, "coordinator"))

	env, err := PublishMessage(ctx, b, &types.CancelRequested{CorrelationToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypeCancelRequested, env.Type)
	assert.Equal(t, 1, b.Pending(types.RouteMatchCancel, "coordinator"))

	_, err = PublishMessage(ctx, b, &types.CancelRequested{})
	assert.Error(t, err, "invalid payloads never reach the broker")
}
