package bus

import "errors"

var (
	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("bus: handler is nil")

	// ErrInvalidWindow is returned for negative debounce or throttle windows.
	ErrInvalidWindow = errors.New("bus: invalid window")

	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("bus: handler panicked")
)
