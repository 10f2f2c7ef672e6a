// Package router delivers matchmaking outcomes to the client socket that is
// waiting on each correlation token.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/internal/websocket"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// DefaultGroup is the consumer group a single gateway instance reads
// match.result with. Each gateway instance needs its own group so that every
// instance sees every outcome.
const DefaultGroup = "gateway"

// Router consumes match.result and writes outcome frames to client sockets.
// ARCHITECTURAL DISCOVERY: Pure delivery; the router never changes matchmaking
// state, so a result whose socket is gone is simply dropped
type Router struct {
	registry *websocket.Registry
	broker   interfaces.Broker
	group    string
	dedupe   *broker.Deduplicator
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRouter creates a result router reading with group, or DefaultGroup
// when group is empty.
func NewRouter(registry *websocket.Registry, b interfaces.Broker, group string, m *metrics.Metrics) *Router {
	if group == "" {
		group = DefaultGroup
	}
	return &Router{
		registry: registry,
		broker:   b,
		group:    group,
		dedupe:   broker.NewDeduplicator(broker.DefaultDedupeTTL),
		metrics:  m,
		logger:   logx.Component("router"),
	}
}

// Bindings lists the routes the router consumes.
func (r *Router) Bindings() []broker.Binding {
	return []broker.Binding{{Route: types.RouteMatchResult, Group: r.group}}
}

// Run consumes match.result until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	return r.broker.Subscribe(ctx, types.RouteMatchResult, r.group, r.dedupe.Wrap(r.HandleResult))
}

// HandleResult maps one outcome to frames and delivers them. Delivery is best
// effort: the message is always acknowledged.
func (r *Router) HandleResult(_ context.Context, env *types.Envelope) error {
	decoded, err := env.Decode()
	if err != nil {
		r.logger.Warn().Err(err).Str("id", env.ID).Msg("malformed result dropped")
		r.metrics.MessageDropped(types.RouteMatchResult, "malformed")
		return nil
	}

	deliveries, err := FramesFor(decoded)
	if err != nil {
		r.logger.Warn().Err(err).Str("id", env.ID).Str("type", string(env.Type)).Msg("result dropped")
		r.metrics.MessageDropped(types.RouteMatchResult, "unexpected_type")
		return nil
	}

	for _, d := range deliveries {
		r.deliver(d)
	}
	return nil
}

func (r *Router) deliver(d Delivery) {
	conn, ok := r.registry.GetTokenConnection(d.Token)
	if !ok {
		// FUNCTIONAL DISCOVERY: The client left; nothing is waiting on this token
		r.metrics.Delivery(d.Frame.Type, "no_connection")
		r.logger.Debug().Str("token", d.Token).Str("frame", d.Frame.Type).Msg("no connection for result")
		return
	}
	if err := conn.WriteJSON(d.Frame); err != nil {
		r.metrics.Delivery(d.Frame.Type, "write_failed")
		r.logger.Debug().Err(err).Str("token", d.Token).Str("frame", d.Frame.Type).Msg("failed to deliver result")
		return
	}
	r.metrics.Delivery(d.Frame.Type, "delivered")
}

// Delivery is one frame addressed to one correlation token.
type Delivery struct {
	Token string
	Frame websocket.ServerFrame
}

// FramesFor translates an outcome into the frames each participant receives.
func FramesFor(msg types.Message) ([]Delivery, error) {
	switch m := msg.(type) {
	case *types.SessionAnnounced:
		var question *types.Question
		if !m.Content.IsZero() {
			q := m.Content
			question = &q
		}
		found := func(self, partner types.Participant) Delivery {
			return Delivery{Token: self.CorrelationToken, Frame: websocket.ServerFrame{
				Type:       websocket.FrameMatchFound,
				SessionID:  m.SessionID,
				Partner:    partner.RequesterID,
				Category:   m.Category,
				Difficulty: m.Difficulty,
				Question:   question,
			}}
		}
		return []Delivery{found(m.A, m.B), found(m.B, m.A)}, nil

	case *types.Unmatched:
		return []Delivery{{Token: m.Requester.CorrelationToken, Frame: websocket.ServerFrame{
			Type:       websocket.FrameMatchTimeout,
			Category:   m.Category,
			Difficulty: m.Difficulty,
			Message:    "no partner found in time",
		}}}, nil

	case *types.Cancelled:
		return []Delivery{{Token: m.Requester.CorrelationToken, Frame: websocket.ServerFrame{
			Type: websocket.FrameCancelSuccess,
		}}}, nil

	case *types.HandoffExpired:
		expired := func(self types.Participant) Delivery {
			return Delivery{Token: self.CorrelationToken, Frame: websocket.ServerFrame{
				Type:      websocket.FrameHandoffExpired,
				SessionID: m.SessionID,
				Message:   "session content was not ready in time, please request again",
			}}
		}
		return []Delivery{expired(m.A), expired(m.B)}, nil

	default:
		return nil, ErrUnexpectedResult
	}
}
