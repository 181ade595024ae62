package main

import (
	"context"
	"errors"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// ErrStoreUnavailable is returned by guarded store calls while the circuit
// breaker is open.
var ErrStoreUnavailable = errors.New("durable store unavailable")

// errorCode maps a handler error to the wire error code. Deadline overruns
// surface as TIMEOUT so clients can distinguish a hung collaborator from a
// plain failure.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return events.CodeTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return events.CodeActionFailed
	default:
		return events.CodeActionFailed
	}
}
