package session

import "errors"

// Session directory error types
var (
	ErrInvalidParticipant = errors.New("participant ID is invalid")
	ErrSameParticipant    = errors.New("a session needs two distinct participants")
	ErrInvalidSessionID   = errors.New("session ID is invalid")
	ErrRetriesExhausted   = errors.New("directory write retries exhausted")
)
