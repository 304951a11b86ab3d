package history

import "errors"

var (
	// ErrUnknownBackend is returned by Open for an unrecognised backend.
	ErrUnknownBackend = errors.New("history: unknown backend")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("history: store closed")
)
