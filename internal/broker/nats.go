package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// NATSConfig configures the JetStream broker.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxDeliver    int
	AckWait       time.Duration
	FetchBatch    int
	FetchWait     time.Duration
}

// DefaultNATSConfig returns local development settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "MATCHBOARD",
		SubjectPrefix: "matchboard",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		FetchBatch:    16,
		FetchWait:     2 * time.Second,
	}
}

// NATSBroker publishes every route under one JetStream stream and binds each
// group to a durable pull consumer filtered on the route's subject.
// TECHNICAL DISCOVERY: The envelope id doubles as the JetStream Msg-Id, so the
// server drops duplicate publishes inside its dedupe window
type NATSBroker struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	config  NATSConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewNATSBroker connects and makes sure the stream exists.
func NewNATSBroker(config NATSConfig, m *metrics.Metrics) (*NATSBroker, error) {
	logger := logx.Component("broker.nats")

	conn, err := nats.Connect(config.URL,
		nats.Name("matchboard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", config.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(config.StreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("failed to inspect stream %s: %w", config.StreamName, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      config.StreamName,
			Subjects:  []string{config.SubjectPrefix + ".>"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", config.StreamName, err)
		}
		logger.Info().Str("stream", config.StreamName).Msg("stream created")
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats broker connected")
	return &NATSBroker{
		conn:    conn,
		js:      js,
		config:  config,
		metrics: m,
		logger:  logger,
	}, nil
}

func (b *NATSBroker) subject(route string) string {
	return b.config.SubjectPrefix + "." + route
}

// durableName derives a consumer name; JetStream forbids dots in it.
func durableName(route, group string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(group + "_" + route)
}

// Declare creates the durable consumer for (route, group) when missing.
func (b *NATSBroker) Declare(_ context.Context, route, group string) error {
	if err := checkBinding(route, group); err != nil {
		return err
	}

	durable := durableName(route, group)
	if _, err := b.js.ConsumerInfo(b.config.StreamName, durable); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to inspect consumer %s: %w", durable, err)
	}

	_, err := b.js.AddConsumer(b.config.StreamName, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: b.subject(route),
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverNewPolicy,
		AckWait:       b.config.AckWait,
		MaxDeliver:    b.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}
	b.logger.Debug().Str("route", route).Str("group", group).Str("durable", durable).Msg("consumer declared")
	return nil
}

// Publish sends env to the route's subject and waits for the stream ack.
func (b *NATSBroker) Publish(ctx context.Context, route string, env *types.Envelope) error {
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
	if _, err := b.js.Publish(b.subject(route), data, nats.Context(ctx), nats.MsgId(env.ID)); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return interfaces.ErrBrokerClosed
		}
		return fmt.Errorf("failed to publish to %s: %w", route, err)
	}
	return nil
}

// Subscribe fetches batches from the durable consumer until ctx is done.
func (b *NATSBroker) Subscribe(ctx context.Context, route, group string, handler interfaces.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := b.Declare(ctx, route, group); err != nil {
		return err
	}

	durable := durableName(route, group)
	sub, err := b.js.PullSubscribe(b.subject(route), durable, nats.Bind(b.config.StreamName, durable))
	if err != nil {
		return fmt.Errorf("failed to bind consumer %s: %w", durable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	logger := b.logger.With().Str("route", route).Str("group", group).Logger()
	logger.Info().Msg("consumer started")
	defer logger.Info().Msg("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, b.config.FetchWait)
		msgs, err := sub.Fetch(b.config.FetchBatch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return interfaces.ErrBrokerClosed
			}
			logger.Warn().Err(err).Msg("fetch failed")
			if !sleepOrDone(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			b.handle(ctx, route, msg, handler, logger)
		}
	}
}

func (b *NATSBroker) handle(ctx context.Context, route string, msg *nats.Msg, handler interfaces.Handler, logger zerolog.Logger) {
	env, err := types.DecodeEnvelope(msg.Data)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed message dropped")
		b.metrics.MessageDropped(route, "malformed")
		// Term stops redelivery outright
		if err := msg.Term(); err != nil {
			logger.Warn().Err(err).Msg("term failed")
		}
		return
	}

	if err := handler(ctx, env); err != nil {
		event := logger.Warn().Err(err).Str("id", env.ID)
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			event = event.Uint64("delivered", meta.NumDelivered)
			if b.config.MaxDeliver > 0 && meta.NumDelivered >= uint64(b.config.MaxDeliver) {
				b.metrics.MessageDropped(route, "max_deliveries")
			}
		}
		event.Msg("handler failed, message nacked")
		if err := msg.Nak(); err != nil {
			logger.Warn().Err(err).Msg("nak failed")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.Warn().Err(err).Str("id", env.ID).Msg("ack failed")
	}
}

// HealthCheck reports the connection status.
func (b *NATSBroker) HealthCheck(_ context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	return nil
}

// Close closes the connection; durable consumers survive on the server.
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}
