package router

import "errors"

// ErrUnexpectedResult marks a message that does not belong on match.result.
var ErrUnexpectedResult = errors.New("unexpected message on result route")
