package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrBrokerClosed    = errors.New("broker closed")
	ErrStoreClosed     = errors.New("directory store closed")
)
