// Package lifecycle tears down directory entries when a live room empties.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Group is the consumer group the lifecycle manager reads room.emptied with.
const Group = "lifecycle"

// Manager consumes RoomEmptied and deletes the session from the directory.
// FUNCTIONAL DISCOVERY: DeleteSession is idempotent and only removes forward
// entries that still point at the emptied session, so duplicates and stale
// signals are harmless
type Manager struct {
	broker    interfaces.Broker
	directory interfaces.SessionDirectory
	dedupe    *broker.Deduplicator
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a lifecycle manager.
func New(b interfaces.Broker, directory interfaces.SessionDirectory, m *metrics.Metrics) *Manager {
	return &Manager{
		broker:    b,
		directory: directory,
		dedupe:    broker.NewDeduplicator(broker.DefaultDedupeTTL),
		metrics:   m,
		logger:    logx.Component("lifecycle"),
	}
}

// Bindings lists the routes the manager consumes.
func Bindings() []broker.Binding {
	return []broker.Binding{{Route: types.RouteRoomEmptied, Group: Group}}
}

// Run consumes room.emptied until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.broker.Subscribe(ctx, types.RouteRoomEmptied, Group, m.dedupe.Wrap(m.HandleRoomEmptied))
}

// HandleRoomEmptied deletes the session. The message is acknowledged only
// after the delete succeeded. Session ids are derived from the pair and its
// terms, so a teardown delayed past a re-pair on the same terms removes the
// newer session too; forward entries repointed to a session on other terms
// survive.
func (m *Manager) HandleRoomEmptied(ctx context.Context, env *types.Envelope) error {
	decoded, err := env.Decode()
	if err != nil {
		m.logger.Warn().Err(err).Str("id", env.ID).Msg("malformed message dropped")
		m.metrics.MessageDropped(types.RouteRoomEmptied, "malformed")
		return nil
	}
	emptied, ok := decoded.(*types.RoomEmptied)
	if !ok {
		m.logger.Warn().Str("id", env.ID).Str("type", string(env.Type)).Msg("unexpected message type dropped")
		m.metrics.MessageDropped(types.RouteRoomEmptied, "unexpected_type")
		return nil
	}

	if err := m.directory.DeleteSession(ctx, emptied.SessionID); err != nil {
		m.logger.Error().Err(err).Str("session_id", emptied.SessionID).Msg("teardown failed, requesting redelivery")
		return fmt.Errorf("failed to tear down session %s: %w", emptied.SessionID, err)
	}

	m.metrics.Teardown()
	m.logger.Info().Str("session_id", emptied.SessionID).Msg("session torn down")
	return nil
}
