package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
	"github.com/nerrad567/gray-logic-runtime/internal/state"
	"github.com/nerrad567/gray-logic-runtime/internal/transport"
)

// ServiceName is the managed service name of the application host.
const ServiceName = "apps"

// defaultTerminateTimeout bounds each app's Terminate when unset.
const defaultTerminateTimeout = 5 * time.Second

// Logger defines the logging interface used by the host and handed to apps.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// App is a user automation.
type App interface {
	// Name identifies the app. It must be unique within the host.
	Name() string

	// Initialize sets up subscriptions and jobs through ctx. It must not
	// block; long-running work belongs in jobs or handlers.
	Initialize(ctx *Context) error
}

// Terminator is implemented by apps that release resources on stop.
// Terminate runs before the app's subscriptions and jobs are cancelled.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Bus is the part of the bus apps use.
type Bus interface {
	Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error)
	UnsubscribeOwner(owner string) int
	Publish(ctx context.Context, env event.Envelope) (uint64, error)
}

// Scheduler is the part of the scheduler apps use.
type Scheduler interface {
	RunIn(fn scheduler.JobFunc, delay time.Duration, opts ...scheduler.JobOption) (*scheduler.Job, error)
	RunAt(fn scheduler.JobFunc, t time.Time, opts ...scheduler.JobOption) (*scheduler.Job, error)
	RunEvery(fn scheduler.JobFunc, interval time.Duration, start scheduler.Start, opts ...scheduler.JobOption) (*scheduler.Job, error)
	RunDaily(fn scheduler.JobFunc, hour, minute, second int, opts ...scheduler.JobOption) (*scheduler.Job, error)
	RunCron(fn scheduler.JobFunc, expr string, start scheduler.Start, opts ...scheduler.JobOption) (*scheduler.Job, error)
	CancelOwner(owner string) int
}

// Deps holds the host's collaborators. Caller is optional.
type Deps struct {
	Bus       Bus
	Scheduler Scheduler
	States    state.Reader
	Caller    transport.Caller
	Logger    Logger

	// TerminateTimeout bounds each app's Terminate.
	TerminateTimeout time.Duration
}

// App states reported by Apps.
const (
	StateRegistered = "registered"
	StateRunning    = "running"
	StateFailed     = "failed"
	StateStopped    = "stopped"
)

// Info is a read-only view of a hosted app.
type Info struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type hosted struct {
	app   App
	ctx   *Context
	state string
	err   error
}

// Host is the managed service that runs registered apps.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Register must be called before the host starts.
type Host struct {
	deps Deps

	mu      sync.Mutex
	apps    []*hosted
	byName  map[string]*hosted
	running bool
}

// NewHost creates an application host.
func NewHost(deps Deps) *Host {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.TerminateTimeout <= 0 {
		deps.TerminateTimeout = defaultTerminateTimeout
	}
	return &Host{deps: deps, byName: make(map[string]*hosted)}
}

// Name implements service.Service.
func (h *Host) Name() string { return ServiceName }

// Register adds an app. Apps start in registration order.
func (h *Host) Register(a App) error {
	name := a.Name()
	if name == "" {
		return ErrInvalidName
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHostRunning
	}
	if _, ok := h.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, name)
	}
	ha := &hosted{app: a, state: StateRegistered}
	h.apps = append(h.apps, ha)
	h.byName[name] = ha
	return nil
}

// Apps returns the hosted apps in registration order.
func (h *Host) Apps() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.apps))
	for _, ha := range h.apps {
		info := Info{Name: ha.app.Name(), State: ha.state}
		if ha.err != nil {
			info.Error = ha.err.Error()
		}
		out = append(out, info)
	}
	return out
}

// Run implements service.Service. It initializes every app, reports ready
// (degraded when any app failed) and cancels all of them when ctx ends.
func (h *Host) Run(ctx context.Context, r service.Reporter) error {
	h.mu.Lock()
	h.running = true
	apps := append([]*hosted(nil), h.apps...)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	var failed []error
	for _, ha := range apps {
		if err := h.start(ha); err != nil {
			failed = append(failed, err)
		}
	}

	r.Ready()
	if len(failed) > 0 {
		r.Degraded(errors.Join(failed...))
	}

	<-ctx.Done()

	for i := len(apps) - 1; i >= 0; i-- {
		h.stop(ctx, apps[i])
	}
	return nil
}

func (h *Host) start(ha *hosted) (err error) {
	name := ha.app.Name()
	c := newContext(name, h.deps)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initializing %s: panic: %v", name, p)
		}
		h.mu.Lock()
		ha.ctx, ha.err = c, err
		ha.state = StateRunning
		if err != nil {
			ha.state = StateFailed
		}
		h.mu.Unlock()

		if err != nil {
			subs, jobs := c.stop()
			h.deps.Logger.Error("app failed to initialize",
				"app", name, "error", err, "subscriptions", subs, "jobs", jobs)
		}
	}()

	if err := ha.app.Initialize(c); err != nil {
		return fmt.Errorf("initializing %s: %w", name, err)
	}
	h.deps.Logger.Info("app started", "app", name)
	return nil
}

func (h *Host) stop(ctx context.Context, ha *hosted) {
	h.mu.Lock()
	c, st := ha.ctx, ha.state
	h.mu.Unlock()
	if c == nil || st != StateRunning {
		return
	}
	name := ha.app.Name()

	if t, ok := ha.app.(Terminator); ok {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.deps.TerminateTimeout)
		h.terminate(tctx, name, t)
		cancel()
	}

	subs, jobs := c.stop()

	h.mu.Lock()
	ha.state = StateStopped
	h.mu.Unlock()
	h.deps.Logger.Info("app stopped", "app", name, "subscriptions", subs, "jobs", jobs)
}

func (h *Host) terminate(ctx context.Context, name string, t Terminator) {
	defer func() {
		if p := recover(); p != nil {
			h.deps.Logger.Error("app terminate panicked", "app", name, "panic", p)
		}
	}()
	if err := t.Terminate(ctx); err != nil {
		h.deps.Logger.Warn("app terminate failed", "app", name, "error", err)
	}
}
