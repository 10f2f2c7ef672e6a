// Package allocator attaches content to freshly paired sessions.
package allocator

import (
	"context"

	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Group is the consumer group the allocator reads match.paired with.
const Group = "allocator"

// Allocator consumes Paired and publishes SessionReady.
type Allocator struct {
	broker  interfaces.Broker
	catalog *Catalog
	dedupe  *broker.Deduplicator
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an allocator drawing from catalog.
func New(b interfaces.Broker, catalog *Catalog, m *metrics.Metrics) *Allocator {
	return &Allocator{
		broker:  b,
		catalog: catalog,
		dedupe:  broker.NewDeduplicator(broker.DefaultDedupeTTL),
		metrics: m,
		logger:  logx.Component("allocator"),
	}
}

// Bindings lists the routes the allocator consumes.
func Bindings() []broker.Binding {
	return []broker.Binding{{Route: types.RouteMatchPaired, Group: Group}}
}

// Run consumes match.paired until ctx is done.
func (a *Allocator) Run(ctx context.Context) error {
	return a.broker.Subscribe(ctx, types.RouteMatchPaired, Group, a.dedupe.Wrap(a.HandlePaired))
}

// HandlePaired picks a question and publishes SessionReady. An empty catalog
// still produces SessionReady, with empty content.
func (a *Allocator) HandlePaired(ctx context.Context, env *types.Envelope) error {
	decoded, err := env.Decode()
	if err != nil {
		a.logger.Warn().Err(err).Str("id", env.ID).Msg("malformed message dropped")
		a.metrics.MessageDropped(types.RouteMatchPaired, "malformed")
		return nil
	}
	paired, ok := decoded.(*types.Paired)
	if !ok {
		a.logger.Warn().Str("id", env.ID).Str("type", string(env.Type)).Msg("unexpected message type dropped")
		a.metrics.MessageDropped(types.RouteMatchPaired, "unexpected_type")
		return nil
	}

	question, found := a.catalog.Pick(paired.Category, paired.Difficulty)
	if !found {
		a.logger.Warn().Str("session_id", paired.SessionID).Msg("catalog is empty, session gets no content")
	}

	ready := &types.SessionReady{
		SessionID:  paired.SessionID,
		A:          paired.A,
		B:          paired.B,
		Category:   paired.Category,
		Difficulty: paired.Difficulty,
		Content:    question,
	}
	if _, err := broker.PublishMessage(ctx, a.broker, ready); err != nil {
		return err
	}

	a.logger.Debug().
		Str("session_id", paired.SessionID).
		Str("question_id", question.ID).
		Msg("content allocated")
	return nil
}
