package broker

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// DefaultDedupeTTL bounds how long a processed envelope id is remembered.
const DefaultDedupeTTL = 10 * time.Minute

// Deduplicator remembers processed envelope ids so a redelivered message is
// acknowledged without running its handler twice.
type Deduplicator struct {
	seen   *cache.Cache
	logger zerolog.Logger
}

// NewDeduplicator creates a deduplicator whose ids expire after ttl.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Deduplicator{
		seen:   cache.New(ttl, 2*ttl),
		logger: logx.Component("dedupe"),
	}
}

// Wrap returns a handler that runs h at most once per envelope id.
// FUNCTIONAL DISCOVERY: Add is an atomic check-and-set; a failed handler
// releases the id again so the broker's redelivery is not swallowed
func (d *Deduplicator) Wrap(h interfaces.Handler) interfaces.Handler {
	return func(ctx context.Context, env *types.Envelope) error {
		if err := d.seen.Add(env.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			d.logger.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("duplicate delivery acknowledged")
			return nil
		}
		if err := h(ctx, env); err != nil {
			d.seen.Delete(env.ID)
			return err
		}
		return nil
	}
}

// Seen reports whether id has been processed recently.
func (d *Deduplicator) Seen(id string) bool {
	_, found := d.seen.Get(id)
	return found
}
