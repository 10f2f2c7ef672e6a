package matcher

import "errors"

var (
	ErrMatcherClosed  = errors.New("matcher is closed")
	ErrAlreadyPending = errors.New("requester already has a pending request")
	ErrNilHandler     = errors.New("outcome handler cannot be nil")
)
