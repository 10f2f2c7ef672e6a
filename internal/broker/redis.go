package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

const envelopeField = "envelope"

// RedisConfig configures the Redis Streams broker.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	Block        time.Duration // XREADGROUP block per poll
	Batch        int64
	ClaimIdle    time.Duration // pending entries idle this long are reclaimed
	MaxDeliver   int64
	MaxLen       int64 // approximate stream trim length, 0 disables trimming
}

// DefaultRedisConfig returns local development settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		StreamPrefix: "matchboard:",
		Block:        2 * time.Second,
		Batch:        16,
		ClaimIdle:    30 * time.Second,
		MaxDeliver:   5,
		MaxLen:       100000,
	}
}

// RedisBroker maps each route to one stream and each group to a Redis
// consumer group on it.
// FUNCTIONAL DISCOVERY: Unacknowledged entries stay in the group's pending
// list; XAUTOCLAIM hands them to a live consumer once they have idled for
// ClaimIdle, which is how a nack turns into a redelivery
type RedisBroker struct {
	client   *redis.Client
	config   RedisConfig
	consumer string
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRedisBroker connects and pings the server.
func NewRedisBroker(ctx context.Context, config RedisConfig, m *metrics.Metrics) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	host, _ := os.Hostname()
	b := &RedisBroker{
		client:   client,
		config:   config,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		metrics:  m,
		logger:   logx.Component("broker.redis"),
	}
	b.logger.Info().Str("addr", config.Addr).Str("consumer", b.consumer).Msg("redis broker connected")
	return b, nil
}

func (b *RedisBroker) stream(route string) string {
	return b.config.StreamPrefix + route
}

// Declare creates the stream and the consumer group, starting from the
// beginning of the stream. An existing group is left untouched.
func (b *RedisBroker) Declare(ctx context.Context, route, group string) error {
	if err := checkBinding(route, group); err != nil {
		return err
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream(route), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, route, err)
	}
	return nil
}

// Publish appends env to the route's stream.
func (b *RedisBroker) Publish(ctx context.Context, route string, env *types.Envelope) error {
	if route == "" {
		return ErrEmptyRoute
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream(route),
		Values: map[string]interface{}{envelopeField: data},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", route, err)
	}
	return nil
}

// Subscribe reads new entries for group and periodically reclaims stale
// pending ones until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, route, group string, handler interfaces.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := b.Declare(ctx, route, group); err != nil {
		return err
	}

	stream := b.stream(route)
	logger := b.logger.With().Str("route", route).Str("group", group).Logger()
	logger.Info().Msg("consumer started")
	defer logger.Info().Msg("consumer stopped")

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastClaim) >= b.config.ClaimIdle {
			lastClaim = time.Now()
			if err := b.reclaim(ctx, stream, route, group, handler, logger); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("reclaim failed")
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    b.config.Batch,
			Block:    b.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return interfaces.ErrBrokerClosed
			}
			logger.Warn().Err(err).Msg("read failed")
			if !sleepOrDone(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handle(ctx, stream, route, group, msg, handler, logger)
			}
		}
	}
}

// reclaim drops entries that exceeded MaxDeliver, then claims the remaining
// stale entries and runs them through handler again.
func (b *RedisBroker) reclaim(ctx context.Context, stream, route, group string, handler interfaces.Handler, logger zerolog.Logger) error {
	if b.config.MaxDeliver > 0 {
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   b.config.ClaimIdle,
			Start:  "-",
			End:    "+",
			Count:  b.config.Batch,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to list pending entries: %w", err)
		}
		for _, p := range pending {
			if p.RetryCount < b.config.MaxDeliver {
				continue
			}
			logger.Error().Str("entry", p.ID).Int64("deliveries", p.RetryCount).Msg("redelivery budget exhausted, message dropped")
			b.metrics.MessageDropped(route, "max_deliveries")
			if err := b.client.XAck(ctx, stream, group, p.ID).Err(); err != nil {
				return fmt.Errorf("failed to ack exhausted entry %s: %w", p.ID, err)
			}
		}
	}

	start := "0-0"
	for {
		messages, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.config.ClaimIdle,
			Start:    start,
			Count:    b.config.Batch,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to claim pending entries: %w", err)
		}
		for _, msg := range messages {
			b.handle(ctx, stream, route, group, msg, handler, logger)
		}
		if next == "0-0" || len(messages) == 0 {
			return nil
		}
		start = next
	}
}

func (b *RedisBroker) handle(ctx context.Context, stream, route, group string, msg redis.XMessage, handler interfaces.Handler, logger zerolog.Logger) {
	env, err := decodeStreamEntry(msg)
	if err != nil {
		logger.Warn().Err(err).Str("entry", msg.ID).Msg("malformed entry dropped")
		b.metrics.MessageDropped(route, "malformed")
		b.ack(ctx, stream, group, msg.ID, logger)
		return
	}

	if err := handler(ctx, env); err != nil {
		logger.Warn().Err(err).Str("id", env.ID).Str("entry", msg.ID).Msg("handler failed, left pending for redelivery")
		return
	}
	b.ack(ctx, stream, group, msg.ID, logger)
}

func (b *RedisBroker) ack(ctx context.Context, stream, group, id string, logger zerolog.Logger) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		logger.Warn().Err(err).Str("entry", id).Msg("ack failed")
	}
}

func decodeStreamEntry(msg redis.XMessage) (*types.Envelope, error) {
	raw, ok := msg.Values[envelopeField]
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", envelopeField)
	}
	switch v := raw.(type) {
	case string:
		return types.DecodeEnvelope([]byte(v))
	case []byte:
		return types.DecodeEnvelope(v)
	default:
		return nil, fmt.Errorf("unexpected %q field type %T", envelopeField, raw)
	}
}

// HealthCheck pings the server.
func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *RedisBroker) Close() error {
	err := b.client.Close()
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
