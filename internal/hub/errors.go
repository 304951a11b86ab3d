package hub

import "errors"

var (
	// ErrHubSaturated is returned by Publish under PolicyBlock when a
	// subscriber queue stayed full for the whole publish timeout.
	ErrHubSaturated = errors.New("hub: saturated")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hub: closed")

	// ErrInvalidConfig is returned by NewHub for unusable settings.
	ErrInvalidConfig = errors.New("hub: invalid config")
)
