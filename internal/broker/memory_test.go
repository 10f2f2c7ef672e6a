package broker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

func fastMemoryConfig() MemoryConfig {
	return MemoryConfig{QueueSize: 16, RedeliveryDelay: 5 * time.Millisecond, MaxRedeliveries: 3}
}

func TestMemoryBroker_Contract(t *testing.T) {
	runBrokerContract(t, func(t *testing.T) interfaces.Broker {
		b := NewMemoryBroker(fastMemoryConfig(), nil)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestMemoryBroker_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Broker = (*MemoryBroker)(nil)
}

func TestMemoryBroker_UnboundRouteDrops(t *testing.T) {
	m := metrics.New()
	b := NewMemoryBroker(fastMemoryConfig(), m)
	defer func() { _ = b.Close() }()

	err := b.Publish(context.Background(), types.RouteRoomEmptied, roomEmptied(t, testSessionID("a", "b")))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Pending(types.RouteRoomEmptied, "lifecycle"))
}

func TestMemoryBroker_CompetingConsumersShareQueue(t *testing.T) {
	b := NewMemoryBroker(fastMemoryConfig(), nil)
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Declare(ctx, types.RouteMatchRequest, "coordinator"))

	var handled atomic.Int32
	handler := func(_ context.Context, _ *types.Envelope) error {
		handled.Add(1)
		return nil
	}
	for i := 0; i < 3; i++ {
		go func() { _ = b.Subscribe(ctx, types.RouteMatchRequest, "coordinator", handler) }()
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, types.RouteMatchRequest, roomEmptied(t, testSessionID("a", "b"))))
	}

	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(10), handled.Load(), "each message goes to exactly one member of the group")
}

func TestMemoryBroker_RedeliveryBudget(t *testing.T) {
	m := metrics.New()
	b := NewMemoryBroker(fastMemoryConfig(), m)
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	handler := func(_ context.Context, _ *types.Envelope) error {
		calls.Add(1)
		return errors.New("always failing")
	}
	require.NoError(t, b.Declare(ctx, types.RouteRoomEmptied, "lifecycle"))
	go func() { _ = b.Subscribe(ctx, types.RouteRoomEmptied, "lifecycle", handler) }()

	require.NoError(t, b.Publish(ctx, types.RouteRoomEmptied, roomEmptied(t, testSessionID("a", "b"))))

	// one initial delivery plus MaxRedeliveries retries
	require.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
	expected := `
# HELP matchboard_messages_dropped_total Broker messages acknowledged without processing.
# TYPE matchboard_messages_dropped_total counter
matchboard_messages_dropped_total{reason="max_deliveries",route="room.emptied"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "matchboard_messages_dropped_total"))
}

func TestMemoryBroker_InvalidArguments(t *testing.T) {
	b := NewMemoryBroker(fastMemoryConfig(), nil)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	assert.ErrorIs(t, b.Declare(ctx, "", "g"), ErrEmptyRoute)
	assert.ErrorIs(t, b.Declare(ctx, "r", ""), ErrEmptyGroup)
	assert.ErrorIs(t, b.Subscribe(ctx, "r", "g", nil), ErrNilHandler)
	assert.ErrorIs(t, b.Publish(ctx, "r", &types.Envelope{}), types.ErrInvalidEnvelope)
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker(fastMemoryConfig(), nil)
	ctx := context.Background()
	require.NoError(t, b.Declare(ctx, types.RouteRoomEmptied, "lifecycle"))

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, types.RouteRoomEmptied, "lifecycle", (&collector{}).handler) }()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		// the consumer may lose the race with Close and never start
		if err != nil {
			assert.ErrorIs(t, err, interfaces.ErrBrokerClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Close")
	}

	assert.ErrorIs(t, b.HealthCheck(ctx), interfaces.ErrBrokerClosed)
	assert.ErrorIs(t, b.Declare(ctx, types.RouteRoomEmptied, "lifecycle"), interfaces.ErrBrokerClosed)
	assert.ErrorIs(t, b.Publish(ctx, types.RouteRoomEmptied, roomEmptied(t, testSessionID("a", "b"))), interfaces.ErrBrokerClosed)
}

func TestMemoryBroker_PublishHonorsContextWhenFull(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{QueueSize: 1}, nil)
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Declare(context.Background(), types.RouteRoomEmptied, "lifecycle"))
	require.NoError(t, b.Publish(context.Background(), types.RouteRoomEmptied, roomEmptied(t, testSessionID("a", "b"))))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, types.RouteRoomEmptied, roomEmptied(t, testSessionID("c", "d")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
