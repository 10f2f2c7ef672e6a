// Package session implements the session directory: which participant is in
// which session, and which participants a session holds.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Directory implements interfaces.SessionDirectory over a DirectoryStore.
// ARCHITECTURAL DISCOVERY: The store makes each write atomic; the directory
// adds id derivation, validation and bounded retry on top
type Directory struct {
	store   interfaces.DirectoryStore
	retry   RetryPolicy
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewDirectory creates a directory. A zero policy uses DefaultRetryPolicy.
func NewDirectory(store interfaces.DirectoryStore, policy RetryPolicy, m *metrics.Metrics) *Directory {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Directory{
		store:   store,
		retry:   policy,
		metrics: m,
		logger:  logx.Component("directory"),
		sleep:   sleepContext,
	}
}

// CreateSession records the pair under their derived session id and returns it.
// Stale forward entries are overwritten; the write is retried with backoff.
func (d *Directory) CreateSession(ctx context.Context, a, b types.Participant, category string, difficulty types.Difficulty) (string, error) {
	if !types.IsValidUserID(a.RequesterID) || !types.IsValidUserID(b.RequesterID) {
		return "", ErrInvalidParticipant
	}
	if a.RequesterID == b.RequesterID {
		return "", ErrSameParticipant
	}

	sessionID := types.DeriveSessionID(a.RequesterID, b.RequesterID, category, difficulty)
	participants := []string{a.RequesterID, b.RequesterID}

	err := d.withRetry(ctx, "create", func(ctx context.Context) error {
		return d.store.CreateSession(ctx, sessionID, participants)
	})
	if err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to create session")
		return "", err
	}

	d.logger.Info().
		Str("session_id", sessionID).
		Strs("participants", participants).
		Msg("session created")
	return sessionID, nil
}

// LookupSession returns the participant's current session or
// interfaces.ErrSessionNotFound.
func (d *Directory) LookupSession(ctx context.Context, participant string) (string, error) {
	if !types.IsValidUserID(participant) {
		return "", ErrInvalidParticipant
	}
	sessionID, err := d.store.LookupSession(ctx, participant)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return "", interfaces.ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to look up participant %s: %w", participant, err)
	}
	return sessionID, nil
}

// DeleteSession tears the session down. Unknown sessions and repeated deletes
// are no-ops; forward entries already repointed to a newer session survive.
func (d *Directory) DeleteSession(ctx context.Context, sessionID string) error {
	if !types.IsValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}

	var removed []string
	err := d.withRetry(ctx, "delete", func(ctx context.Context) error {
		var err error
		removed, err = d.store.DeleteSession(ctx, sessionID)
		return err
	})
	if err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to delete session")
		return err
	}

	if len(removed) == 0 {
		d.logger.Debug().Str("session_id", sessionID).Msg("delete of unknown session ignored")
		return nil
	}
	d.logger.Info().
		Str("session_id", sessionID).
		Strs("participants", removed).
		Msg("session torn down")
	return nil
}

// Members returns the session's participants in insertion order.
func (d *Directory) Members(ctx context.Context, sessionID string) ([]string, error) {
	if !types.IsValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	members, err := d.store.Members(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %s: %w", sessionID, err)
	}
	return members, nil
}

// HealthCheck delegates to the store.
func (d *Directory) HealthCheck(ctx context.Context) error {
	return d.store.HealthCheck(ctx)
}

// withRetry runs fn until it succeeds, fails permanently, the attempt budget
// runs out, or ctx is done.
func (d *Directory) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.retry.Attempts; attempt++ {
		err = fn(ctx)
		d.metrics.DirectoryWrite(op, err)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == d.retry.Attempts {
			break
		}

		backoff := d.retry.Backoff(attempt)
		d.metrics.DirectoryRetry(op)
		d.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("directory write failed, retrying")
		if sleepErr := d.sleep(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("directory %s interrupted: %w", op, sleepErr)
		}
	}
	if retryable(err) {
		return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, op, err)
	}
	return err
}
