package interfaces

import (
	"context"

	"matchboard/pkg/types"
)

// SessionDirectory is the retrying facade over a DirectoryStore that the
// coordinator, lifecycle manager, rooms and API depend on.
type SessionDirectory interface {
	CreateSession(ctx context.Context, a, b types.Participant, category string, difficulty types.Difficulty) (string, error)
	LookupSession(ctx context.Context, participant string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Members(ctx context.Context, sessionID string) ([]string, error)
	HealthCheck(ctx context.Context) error
}
