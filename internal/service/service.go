package service

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a Managed Service.
type Status string

// Lifecycle states.
const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusStarting   Status = "STARTING"
	StatusRunning    Status = "RUNNING"
	StatusDegraded   Status = "DEGRADED"
	StatusStopping   Status = "STOPPING"
	StatusStopped    Status = "STOPPED"
	StatusCrashed    Status = "CRASHED"
)

// Slug returns the lowercase form used in lifecycle topics.
func (s Status) Slug() string { return strings.ToLower(string(s)) }

// Serving reports whether dependents may rely on a service in this state.
// DEGRADED counts: the service is up but one capability is impaired.
func (s Status) Serving() bool {
	return s == StatusRunning || s == StatusDegraded
}

// Service is a supervised long-running component.
type Service interface {
	Name() string
	Run(ctx context.Context, r Reporter) error
}

// Reporter is handed to Run so a service can announce readiness and
// capability changes without polling.
type Reporter interface {
	// Ready marks the service RUNNING. Calling it again after Degraded
	// means the service recovered.
	Ready()

	// Degraded marks the service DEGRADED with the given cause.
	Degraded(err error)
}

// Reloadable is implemented by services that accept new configuration
// through the coordinated reload path. The argument is the
// configuration root, typed by the caller.
type Reloadable interface {
	Reload(cfg any) error
}

// RestartPolicy bounds how a crashed service is brought back.
type RestartPolicy struct {
	// MaxAttempts is the total number of start attempts after which a
	// crash is terminal. Zero disables restarts.
	MaxAttempts int

	// InitialBackoff is the delay before the second restart. The first
	// restart after a crash is immediate.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// StableAfter resets the crash counter once a service has been
	// RUNNING for this long.
	StableAfter time.Duration
}

// DefaultRestartPolicy returns the policy used when none is configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		StableAfter:    5 * time.Minute,
	}
}

// Func adapts a function to the Service interface.
type Func struct {
	ServiceName string
	RunFunc     func(ctx context.Context, r Reporter) error
}

// Name implements Service.
func (f Func) Name() string { return f.ServiceName }

// Run implements Service.
func (f Func) Run(ctx context.Context, r Reporter) error { return f.RunFunc(ctx, r) }
