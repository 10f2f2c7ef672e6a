// Package coordinator drives the match choreography: it feeds broker intake
// into the matcher, publishes outcomes, and turns SessionReady into a durable
// session plus a SessionAnnounced for both requesters.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/matcher"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Group is the consumer group the coordinator reads its routes with.
const Group = "coordinator"

// Config tunes the coordinator.
type Config struct {
	Window         time.Duration // waiting window per request
	ContentTimeout time.Duration // AwaitingContent deadline, 0 uses the default
	PublishTimeout time.Duration // bound on publishes made from timer goroutines
	DedupeTTL      time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Window:         matcher.DefaultWindow,
		ContentTimeout: 15 * time.Second,
		PublishTimeout: 5 * time.Second,
		DedupeTTL:      broker.DefaultDedupeTTL,
	}
}

// Coordinator owns the matcher and the AwaitingContent handoffs.
type Coordinator struct {
	config    Config
	broker    interfaces.Broker
	directory interfaces.SessionDirectory
	matcher   *matcher.Matcher
	handoffs  *handoffTracker
	dedupe    *broker.Deduplicator
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// base bounds publishes that are not tied to an inbound delivery
	base   context.Context
	cancel context.CancelFunc
}

// New wires a coordinator and its matcher.
func New(config Config, b interfaces.Broker, directory interfaces.SessionDirectory, m *metrics.Metrics) (*Coordinator, error) {
	if b == nil {
		return nil, ErrNilBroker
	}
	if directory == nil {
		return nil, ErrNilDirectory
	}
	defaults := DefaultConfig()
	if config.ContentTimeout <= 0 {
		config.ContentTimeout = defaults.ContentTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:    config,
		broker:    b,
		directory: directory,
		dedupe:    broker.NewDeduplicator(config.DedupeTTL),
		metrics:   m,
		logger:    logx.Component("coordinator"),
		base:      base,
		cancel:    cancel,
	}

	mt, err := matcher.NewWithTrigger(matcher.Config{Window: config.Window}, c.handleOutcome)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create matcher: %w", err)
	}
	c.matcher = mt
	// finished handoffs are remembered for twice the content timeout so late
	// or duplicate SessionReady messages can be classified
	c.handoffs = newHandoffTracker(config.ContentTimeout, 2*config.ContentTimeout, c.handleHandoffExpired)

	m.RegisterGauge("pool_size", "Requests waiting in the pool.", func() float64 {
		return float64(c.matcher.Size())
	})
	m.RegisterGauge("handoffs_pending", "Pairs awaiting content.", func() float64 {
		return float64(c.handoffs.Len())
	})
	return c, nil
}

// Bindings lists the routes the coordinator consumes.
func Bindings() []broker.Binding {
	return []broker.Binding{
		{Route: types.RouteMatchRequest, Group: Group},
		{Route: types.RouteMatchCancel, Group: Group},
		{Route: types.RouteSessionReady, Group: Group},
	}
}

// Matcher exposes the pool for direct submission (HTTP API) and stats.
func (c *Coordinator) Matcher() *matcher.Matcher {
	return c.matcher
}

// Run consumes every coordinator route until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.broker.Subscribe(ctx, types.RouteMatchRequest, Group, c.dedupe.Wrap(c.HandleMatchRequested))
	})
	g.Go(func() error {
		return c.broker.Subscribe(ctx, types.RouteMatchCancel, Group, c.dedupe.Wrap(c.HandleCancelRequested))
	})
	g.Go(func() error {
		return c.broker.Subscribe(ctx, types.RouteSessionReady, Group, c.dedupe.Wrap(c.HandleSessionReady))
	})
	return g.Wait()
}

// Close stops the matcher and every handoff timer.
func (c *Coordinator) Close() {
	c.matcher.Close()
	c.handoffs.Close()
	c.cancel()
}

// HandleMatchRequested submits the request to the matcher. Invalid and
// duplicate requests are dropped.
func (c *Coordinator) HandleMatchRequested(ctx context.Context, env *types.Envelope) error {
	msg, ok := decodeAs[*types.MatchRequested](c, types.RouteMatchRequest, env)
	if !ok {
		return nil
	}

	req, _, err := c.matcher.Submit(ctx, msg)
	switch {
	case err == nil:
		c.metrics.RequestSubmitted()
		c.logger.Debug().Str("request_id", req.RequestID).Str("token", msg.CorrelationToken).Msg("request accepted")
		return nil
	case errors.Is(err, matcher.ErrAlreadyPending):
		c.logger.Warn().Str("requester_id", msg.RequesterID).Str("token", msg.CorrelationToken).Msg("requester already pending, request dropped")
		c.metrics.MessageDropped(types.RouteMatchRequest, "already_pending")
		return nil
	case errors.Is(err, matcher.ErrMatcherClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		c.logger.Warn().Err(err).Str("id", env.ID).Msg("invalid match request dropped")
		c.metrics.MessageDropped(types.RouteMatchRequest, "invalid")
		return nil
	}
}

// HandleCancelRequested withdraws the pooled request for the token. A request
// that was already consumed is a silent no-op.
func (c *Coordinator) HandleCancelRequested(_ context.Context, env *types.Envelope) error {
	msg, ok := decodeAs[*types.CancelRequested](c, types.RouteMatchCancel, env)
	if !ok {
		return nil
	}

	if c.matcher.CancelByToken(msg.CorrelationToken) == matcher.NotPending {
		c.metrics.CancelIgnored()
		c.logger.Debug().Str("token", msg.CorrelationToken).Msg("cancel for request that is not pending")
	}
	return nil
}

// HandleSessionReady records the session in the directory and announces it.
// Directory failures are returned so the broker redelivers.
func (c *Coordinator) HandleSessionReady(ctx context.Context, env *types.Envelope) error {
	msg, ok := decodeAs[*types.SessionReady](c, types.RouteSessionReady, env)
	if !ok {
		return nil
	}
	logger := c.logger.With().Str("session_id", msg.SessionID).Logger()

	if derived := types.DeriveSessionID(msg.A.RequesterID, msg.B.RequesterID, msg.Category, msg.Difficulty); derived != msg.SessionID {
		logger.Warn().Str("derived", derived).Msg("session id does not match its pair, message dropped")
		c.metrics.MessageDropped(types.RouteSessionReady, "invalid")
		return nil
	}

	pairs, status := c.handoffs.Claim(msg.SessionID)
	switch status {
	case claimAnnounced:
		logger.Debug().Msg("session already announced")
		return nil
	case claimExpired:
		logger.Warn().Msg("content arrived after handoff expired, dropped")
		c.metrics.Handoff("late")
		return nil
	case claimBusy:
		return ErrHandoffBusy
	case claimUnknown:
		// FUNCTIONAL DISCOVERY: A restart loses the in-memory handoffs but the
		// broker still holds SessionReady; announcing is idempotent, so proceed
		logger.Info().Msg("content for untracked handoff")
		pairs = []types.Paired{{SessionID: msg.SessionID, A: msg.A, B: msg.B, Category: msg.Category, Difficulty: msg.Difficulty}}
	}

	if _, err := c.directory.CreateSession(ctx, msg.A, msg.B, msg.Category, msg.Difficulty); err != nil {
		c.handoffs.Release(msg.SessionID)
		c.metrics.Handoff("failed")
		return fmt.Errorf("failed to create session %s: %w", msg.SessionID, err)
	}

	// every pair registered on the handoff gets the announcement on its own
	// tokens; a redelivery after a failed publish repeats the earlier ones
	for _, p := range pairs {
		if _, err := broker.PublishMessage(ctx, c.broker, announcement(msg, p)); err != nil {
			c.handoffs.Release(msg.SessionID)
			c.metrics.Handoff("failed")
			return err
		}
	}

	for _, p := range c.handoffs.Complete(msg.SessionID) {
		logger.Info().Str("a", p.A.CorrelationToken).Str("b", p.B.CorrelationToken).Msg("announcing pair that joined during the claim")
		c.publish(announcement(msg, p))
	}
	c.metrics.Handoff("announced")
	logger.Info().Str("a", msg.A.RequesterID).Str("b", msg.B.RequesterID).Int("pairs", len(pairs)).Msg("session announced")
	return nil
}

// announcement addresses ready's session and content to p's tokens.
func announcement(ready *types.SessionReady, p types.Paired) *types.SessionAnnounced {
	return &types.SessionAnnounced{
		SessionID:  ready.SessionID,
		A:          p.A,
		B:          p.B,
		Category:   ready.Category,
		Difficulty: ready.Difficulty,
		Content:    ready.Content,
	}
}

// handleOutcome runs after the matcher released its lock.
func (c *Coordinator) handleOutcome(o types.Outcome, trigger matcher.Trigger) {
	c.metrics.Outcome(string(o.Kind), string(trigger))

	var msg types.Message
	switch o.Kind {
	case types.OutcomePaired:
		// the session takes its terms from A: the pooled entry on an exact
		// match, the expired request on a fallback
		paired := types.Paired{
			SessionID:  types.DeriveSessionID(o.A.RequesterID, o.B.RequesterID, o.A.Category, o.A.Difficulty),
			A:          o.A.Participant(),
			B:          o.B.Participant(),
			Category:   o.A.Category,
			Difficulty: o.A.Difficulty,
		}
		if !c.handoffs.Register(paired) {
			c.logger.Info().Str("session_id", paired.SessionID).Msg("pair joined a handoff already awaiting content")
		}
		msg = &paired
	case types.OutcomeUnmatched:
		msg = &types.Unmatched{
			RequestID:  o.A.RequestID,
			Requester:  o.A.Participant(),
			Category:   o.A.Category,
			Difficulty: o.A.Difficulty,
		}
	case types.OutcomeCancelled:
		msg = &types.Cancelled{RequestID: o.A.RequestID, Requester: o.A.Participant()}
	default:
		c.logger.Error().Str("kind", string(o.Kind)).Msg("unknown outcome kind")
		return
	}

	c.publish(msg)
}

func (c *Coordinator) handleHandoffExpired(p types.Paired) {
	c.metrics.Handoff("expired")
	c.logger.Warn().Str("session_id", p.SessionID).Dur("timeout", c.config.ContentTimeout).Msg("no content before deadline, handoff expired")
	c.publish(&types.HandoffExpired{SessionID: p.SessionID, A: p.A, B: p.B})
}

func (c *Coordinator) publish(msg types.Message) {
	ctx, cancel := context.WithTimeout(c.base, c.config.PublishTimeout)
	defer cancel()

	env, err := broker.PublishMessage(ctx, c.broker, msg)
	if err != nil {
		route, _ := types.RouteFor(msg.MessageType())
		c.logger.Error().Err(err).Str("type", string(msg.MessageType())).Msg("failed to publish outcome")
		c.metrics.MessageDropped(route, "publish_failed")
		return
	}
	c.logger.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("outcome published")
}

// decodeAs decodes env and asserts the variant expected on the route.
// Anything else is logged and dropped.
func decodeAs[T types.Message](c *Coordinator, route string, env *types.Envelope) (T, bool) {
	var zero T
	msg, err := env.Decode()
	if err != nil {
		c.logger.Warn().Err(err).Str("id", env.ID).Msg("malformed message dropped")
		c.metrics.MessageDropped(route, "malformed")
		return zero, false
	}
	typed, ok := msg.(T)
	if !ok {
		c.logger.Warn().Str("id", env.ID).Str("type", string(env.Type)).Msg("unexpected message type dropped")
		c.metrics.MessageDropped(route, "unexpected_type")
		return zero, false
	}
	return typed, true
}
