package app

import "errors"

// Domain-specific errors for the application host.
var (
	// ErrDuplicateApp is returned when an app name is registered twice.
	ErrDuplicateApp = errors.New("app: duplicate app name")

	// ErrInvalidName is returned for an empty app name.
	ErrInvalidName = errors.New("app: invalid app name")

	// ErrHostRunning is returned by Register once the host has started.
	ErrHostRunning = errors.New("app: host already running")

	// ErrNoCaller is returned by CallService when no transport is configured.
	ErrNoCaller = errors.New("app: no service caller configured")

	// ErrStopped is returned by Context methods after the app was stopped.
	ErrStopped = errors.New("app: app stopped")
)
