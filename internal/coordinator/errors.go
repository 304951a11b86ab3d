package coordinator

import "errors"

var (
	// ErrDependencyCycle is returned when the service graph is not acyclic.
	ErrDependencyCycle = errors.New("coordinator: dependency cycle")

	// ErrUnknownDependency is returned when a service depends on an
	// unregistered service.
	ErrUnknownDependency = errors.New("coordinator: unknown dependency")

	// ErrUnknownService is returned for lookups of unregistered names.
	ErrUnknownService = errors.New("coordinator: unknown service")

	// ErrDuplicateService is returned when a name is registered twice.
	ErrDuplicateService = errors.New("coordinator: duplicate service")

	// ErrWrongType is returned by Get when the registered value has
	// another type.
	ErrWrongType = errors.New("coordinator: registered value has wrong type")

	// ErrReadyTimeout is the crash cause of a service that did not
	// report ready in time.
	ErrReadyTimeout = errors.New("coordinator: service did not become ready in time")

	// ErrUnexpectedExit is the crash cause of a service whose Run
	// returned nil without being asked to stop.
	ErrUnexpectedExit = errors.New("coordinator: service exited unexpectedly")

	// ErrServiceFailed reports a service that exhausted its restarts.
	ErrServiceFailed = errors.New("coordinator: service failed permanently")

	// ErrGraceExceeded is recorded for a service abandoned at shutdown.
	ErrGraceExceeded = errors.New("coordinator: grace period exceeded")

	// ErrAlreadyStarted is returned by Start and Add after Start.
	ErrAlreadyStarted = errors.New("coordinator: already started")

	// ErrStopping is returned once shutdown has begun.
	ErrStopping = errors.New("coordinator: shutting down")

	// ErrNotRestartable is returned when restarting a service that is
	// running or starting.
	ErrNotRestartable = errors.New("coordinator: service is not restartable")
)
