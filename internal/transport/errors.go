package transport

import "errors"

var (
	// ErrNotConnected is returned when the remote source is unreachable.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrInvalidPayload is returned for messages that cannot be decoded.
	// It is never retried.
	ErrInvalidPayload = errors.New("transport: invalid payload")

	// ErrStreamActive is returned when Stream is called while another
	// stream is running on the same client.
	ErrStreamActive = errors.New("transport: stream already active")
)
