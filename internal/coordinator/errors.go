package coordinator

import "errors"

var (
	ErrNilBroker    = errors.New("coordinator requires a broker")
	ErrNilDirectory = errors.New("coordinator requires a session directory")
	// ErrHandoffBusy nacks a SessionReady whose handoff another consumer is
	// currently announcing.
	ErrHandoffBusy = errors.New("handoff is being announced by another consumer")
)
