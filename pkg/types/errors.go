package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidCategory    = errors.New("category must be 1-50 characters, letters, digits, spaces or _-&")
	ErrInvalidDifficulty  = errors.New("difficulty must be Easy, Medium or Hard")
	ErrInvalidToken       = errors.New("correlation token must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidSessionID   = errors.New("session ID must be a 64 character hex digest")
	ErrInvalidRequestID   = errors.New("request ID cannot be empty")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidEnvelope    = errors.New("envelope requires id, type and payload")
	ErrSameParticipant    = errors.New("a session needs two distinct participants")
	ErrContentTooLarge    = errors.New("message payload exceeds 64KB limit")
)
