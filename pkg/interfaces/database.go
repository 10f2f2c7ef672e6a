package interfaces

import "context"

// DirectoryStore persists the forward and reverse session maps.
// ARCHITECTURAL DISCOVERY: Each mutating call is one atomic store transaction;
// retry policy lives above the store, not inside it
type DirectoryStore interface {
	// CreateSession points every participant at sessionID, replacing stale
	// entries, and appends the participants to the session's reverse set
	// without duplicates.
	CreateSession(ctx context.Context, sessionID string, participants []string) error

	// DeleteSession removes the reverse set and every forward entry that still
	// points at sessionID. It returns the members that were listed; an unknown
	// session returns nil and no error.
	DeleteSession(ctx context.Context, sessionID string) ([]string, error)

	// LookupSession returns ErrSessionNotFound when the participant has no session.
	LookupSession(ctx context.Context, participant string) (string, error)

	// Members returns the reverse set in insertion order, nil when absent.
	Members(ctx context.Context, sessionID string) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
