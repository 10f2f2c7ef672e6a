// Package broker implements interfaces.Broker over an in-process queue,
// Redis Streams consumer groups and NATS JetStream durable consumers.
//
// Every implementation delivers at least once: a handler error leaves the
// message eligible for redelivery, a nil return acknowledges it. Envelopes
// that cannot be parsed are logged, acknowledged and dropped.
package broker

import (
	"context"
	"fmt"

	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Binding is one (route, group) pair of the topology.
type Binding struct {
	Route string
	Group string
}

// DeclareAll declares every binding before any consumer starts, so messages
// published during startup are retained.
func DeclareAll(ctx context.Context, b interfaces.Broker, bindings []Binding) error {
	for _, binding := range bindings {
		if err := b.Declare(ctx, binding.Route, binding.Group); err != nil {
			return fmt.Errorf("failed to declare %s/%s: %w", binding.Route, binding.Group, err)
		}
	}
	return nil
}

// PublishMessage wraps msg in a fresh envelope and publishes it on the route
// its type belongs to.
func PublishMessage(ctx context.Context, b interfaces.Broker, msg types.Message) (*types.Envelope, error) {
	route, err := types.RouteFor(msg.MessageType())
	if err != nil {
		return nil, err
	}
	env, err := types.NewEnvelope(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s envelope: %w", msg.MessageType(), err)
	}
	if err := b.Publish(ctx, route, env); err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", msg.MessageType(), err)
	}
	return env, nil
}

func checkBinding(route, group string) error {
	if route == "" {
		return ErrEmptyRoute
	}
	if group == "" {
		return ErrEmptyGroup
	}
	return nil
}
