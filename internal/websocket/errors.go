package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Frame-related errors
var (
	ErrUnknownFrame  = errors.New("unknown frame type")
	ErrRateLimited   = errors.New("too many frames, slow down")
	ErrInvalidToken  = errors.New("invalid correlation token")
	ErrPublishFailed = errors.New("request could not be queued")
)
