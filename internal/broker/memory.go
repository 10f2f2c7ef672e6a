package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// MemoryConfig tunes the in-process broker.
type MemoryConfig struct {
	QueueSize       int
	RedeliveryDelay time.Duration
	MaxRedeliveries int
}

// DefaultMemoryConfig returns settings suited to a single binary.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		QueueSize:       1000,
		RedeliveryDelay: 100 * time.Millisecond,
		MaxRedeliveries: 5,
	}
}

// MemoryBroker is an in-process broker. Each declared (route, group) pair
// owns a buffered queue; publishing fans a copy out to every group bound to
// the route and members of one group compete for its queue.
// ARCHITECTURAL DISCOVERY: The buffered channel per group plays the role of a
// durable queue, so Declare before Publish is enough to never lose messages
type MemoryBroker struct {
	config   MemoryConfig
	queues   map[string]map[string]*memoryQueue // route -> group -> queue
	shutdown chan struct{}
	closed   bool
	mu       sync.RWMutex
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type memoryQueue struct {
	route      string
	group      string
	deliveries chan *memoryDelivery
}

type memoryDelivery struct {
	env     *types.Envelope
	attempt int
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(config MemoryConfig, m *metrics.Metrics) *MemoryBroker {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultMemoryConfig().QueueSize
	}
	return &MemoryBroker{
		config:   config,
		queues:   make(map[string]map[string]*memoryQueue),
		shutdown: make(chan struct{}),
		metrics:  m,
		logger:   logx.Component("broker.memory"),
	}
}

// Declare creates the queue for (route, group) if it does not exist yet.
func (b *MemoryBroker) Declare(_ context.Context, route, group string) error {
	_, err := b.queue(route, group)
	return err
}

func (b *MemoryBroker) queue(route, group string) (*memoryQueue, error) {
	if err := checkBinding(route, group); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, interfaces.ErrBrokerClosed
	}

	groups, ok := b.queues[route]
	if !ok {
		groups = make(map[string]*memoryQueue)
		b.queues[route] = groups
	}
	q, ok := groups[group]
	if !ok {
		q = &memoryQueue{
			route:      route,
			group:      group,
			deliveries: make(chan *memoryDelivery, b.config.QueueSize),
		}
		groups[group] = q
		b.logger.Debug().Str("route", route).Str("group", group).Msg("queue declared")
	}
	return q, nil
}

// Publish copies env into every queue bound to route. A route with no
// bindings drops the message.
func (b *MemoryBroker) Publish(ctx context.Context, route string, env *types.Envelope) error {
	if route == "" {
		return ErrEmptyRoute
	}
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return interfaces.ErrBrokerClosed
	}
	targets := make([]*memoryQueue, 0, len(b.queues[route]))
	for _, q := range b.queues[route] {
		targets = append(targets, q)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.Debug().Str("route", route).Str("id", env.ID).Msg("no bindings for route, message dropped")
		b.metrics.MessageDropped(route, "unbound")
		return nil
	}

	for _, q := range targets {
		copied := *env
		select {
		case q.deliveries <- &memoryDelivery{env: &copied}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdown:
			return interfaces.ErrBrokerClosed
		}
	}
	return nil
}

// Subscribe consumes (route, group) until ctx is done or the broker closes.
func (b *MemoryBroker) Subscribe(ctx context.Context, route, group string, handler interfaces.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	q, err := b.queue(route, group)
	if err != nil {
		return err
	}

	logger := b.logger.With().Str("route", route).Str("group", group).Logger()
	logger.Info().Msg("consumer started")
	defer logger.Info().Msg("consumer stopped")

	// TECHNICAL DISCOVERY: Single select loop per consumer, the same shape as
	// the connection hub, keeps shutdown and delivery on one goroutine
	for {
		select {
		case d := <-q.deliveries:
			b.deliver(ctx, q, d, handler, logger)

		case <-ctx.Done():
			return nil

		case <-b.shutdown:
			return nil
		}
	}
}

func (b *MemoryBroker) deliver(ctx context.Context, q *memoryQueue, d *memoryDelivery, handler interfaces.Handler, logger zerolog.Logger) {
	err := handler(ctx, d.env)
	if err == nil {
		return
	}

	if d.attempt >= b.config.MaxRedeliveries {
		logger.Error().Err(err).Str("id", d.env.ID).Int("attempts", d.attempt+1).Msg("redelivery budget exhausted, message dropped")
		b.metrics.MessageDropped(q.route, "max_deliveries")
		return
	}

	logger.Warn().Err(err).Str("id", d.env.ID).Int("attempt", d.attempt+1).Msg("handler failed, scheduling redelivery")
	next := &memoryDelivery{env: d.env, attempt: d.attempt + 1}
	go b.redeliver(q, next)
}

func (b *MemoryBroker) redeliver(q *memoryQueue, d *memoryDelivery) {
	timer := time.NewTimer(b.config.RedeliveryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-b.shutdown:
		return
	}

	select {
	case q.deliveries <- d:
	case <-b.shutdown:
	default:
		b.logger.Error().Err(ErrQueueFull).Str("route", q.route).Str("group", q.group).Str("id", d.env.ID).Msg("redelivery failed, message dropped")
		b.metrics.MessageDropped(q.route, "queue_full")
	}
}

// Pending reports how many messages wait in the (route, group) queue.
func (b *MemoryBroker) Pending(route, group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[route][group]; ok {
		return len(q.deliveries)
	}
	return 0
}

// HealthCheck reports whether the broker is open.
func (b *MemoryBroker) HealthCheck(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return interfaces.ErrBrokerClosed
	}
	return nil
}

// Close stops every consumer. Queued messages are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.shutdown)
	return nil
}
