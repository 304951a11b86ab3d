package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrSceneNotFound) {
//	    // handle not found case
//	}
var (
	// ErrSceneNotFound is returned when a scene ID does not exist.
	ErrSceneNotFound = errors.New("scene: not found")

	// ErrSceneExists is returned when two scenes share an ID.
	ErrSceneExists = errors.New("scene: already exists")

	// ErrSceneDisabled is returned when attempting to activate a disabled scene.
	ErrSceneDisabled = errors.New("scene: disabled")

	// ErrInvalidScene is returned when scene validation fails.
	ErrInvalidScene = errors.New("scene: invalid")

	// ErrInvalidAction is returned when a scene action is invalid.
	ErrInvalidAction = errors.New("scene: invalid action")

	// ErrInvalidTrigger is returned when a scene trigger is invalid.
	ErrInvalidTrigger = errors.New("scene: invalid trigger")

	// ErrInvalidID is returned when a scene ID format is invalid.
	ErrInvalidID = errors.New("scene: invalid id")

	// ErrNoActions is returned when a scene has no actions defined.
	ErrNoActions = errors.New("scene: no actions")

	// ErrCallerUnavailable is returned when no service caller is set.
	ErrCallerUnavailable = errors.New("scene: service caller unavailable")
)
