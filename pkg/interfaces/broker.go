package interfaces

import (
	"context"

	"matchboard/pkg/types"
)

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error requests redelivery.
// FUNCTIONAL DISCOVERY: Delivery is at-least-once, so every Handler must be
// idempotent with respect to the envelope ID
type Handler func(ctx context.Context, env *types.Envelope) error

// Broker is the routing-key based message transport.
type Broker interface {
	// Declare binds a consumer group to a route so that messages published
	// afterwards are retained for it even before Subscribe runs.
	Declare(ctx context.Context, route, group string) error

	// Publish sends env on route.
	Publish(ctx context.Context, route string, env *types.Envelope) error

	// Subscribe consumes route as a member of group until ctx is done.
	Subscribe(ctx context.Context, route, group string, handler Handler) error

	HealthCheck(ctx context.Context) error
	Close() error
}
