package broker

import "errors"

var (
	ErrEmptyRoute    = errors.New("route must not be empty")
	ErrEmptyGroup    = errors.New("consumer group must not be empty")
	ErrNilHandler    = errors.New("handler must not be nil")
	ErrQueueFull     = errors.New("consumer queue is full")
	ErrUnknownDriver = errors.New("unknown broker driver")
)
