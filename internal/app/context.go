package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/state"
	"github.com/nerrad567/gray-logic-runtime/internal/transport"
)

// ownerPrefix namespaces app owners on the bus and scheduler.
const ownerPrefix = "app:"

// Owner returns the owner tag used for the subscriptions and jobs of the
// named app.
func Owner(name string) string { return ownerPrefix + name }

// Context is the owner-scoped view of the runtime handed to one app.
//
// Subscriptions are always registered at application priority, so the
// state cache is updated before any app handler sees an envelope. After
// the app is stopped every method that creates work returns ErrStopped.
type Context struct {
	name   string
	owner  string
	bus    Bus
	sched  Scheduler
	states state.Reader
	caller transport.Caller
	logger Logger

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newContext(name string, d Deps) *Context {
	return &Context{
		name:   name,
		owner:  Owner(name),
		bus:    d.Bus,
		sched:  d.Scheduler,
		states: d.States,
		caller: d.Caller,
		logger: appLogger{inner: d.Logger, name: name},
		done:   make(chan struct{}),
	}
}

// Name returns the app name.
func (c *Context) Name() string { return c.name }

// Owner returns the owner tag of the app's subscriptions and jobs.
func (c *Context) Owner() string { return c.owner }

// Logger returns a logger that tags every record with the app name.
func (c *Context) Logger() Logger { return c.logger }

// States returns the read-only state cache.
func (c *Context) States() state.Reader { return c.states }

// Done is closed when the app is stopped.
func (c *Context) Done() <-chan struct{} { return c.done }

// Subscribe registers handler for pattern on behalf of the app.
func (c *Context) Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	opts = append(opts, bus.WithOwner(c.owner), bus.WithPriority(bus.PriorityApp))
	return c.bus.Subscribe(pattern, handler, opts...)
}

// OnStateChange subscribes to state changes of entity, an id or a glob.
func (c *Context) OnStateChange(entity string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error) {
	return c.Subscribe(event.StateTopic(entity), handler, opts...)
}

// OnEvent subscribes to custom events called name, which may be a glob.
func (c *Context) OnEvent(name string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error) {
	return c.Subscribe(event.CustomTopic(name), handler, opts...)
}

// schedule runs add with the app's owner appended to opts.
func (c *Context) schedule(add func(opts []scheduler.JobOption) (*scheduler.Job, error), opts []scheduler.JobOption) (*scheduler.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	return add(append(opts, scheduler.WithJobOwner(c.owner)))
}

// RunIn runs fn once after delay.
func (c *Context) RunIn(fn scheduler.JobFunc, delay time.Duration, opts ...scheduler.JobOption) (*scheduler.Job, error) {
	return c.schedule(func(o []scheduler.JobOption) (*scheduler.Job, error) {
		return c.sched.RunIn(fn, delay, o...)
	}, opts)
}

// RunAt runs fn once at t.
func (c *Context) RunAt(fn scheduler.JobFunc, t time.Time, opts ...scheduler.JobOption) (*scheduler.Job, error) {
	return c.schedule(func(o []scheduler.JobOption) (*scheduler.Job, error) {
		return c.sched.RunAt(fn, t, o...)
	}, opts)
}

// RunEvery runs fn every interval from start.
func (c *Context) RunEvery(fn scheduler.JobFunc, interval time.Duration, start scheduler.Start, opts ...scheduler.JobOption) (*scheduler.Job, error) {
	return c.schedule(func(o []scheduler.JobOption) (*scheduler.Job, error) {
		return c.sched.RunEvery(fn, interval, start, o...)
	}, opts)
}

// RunDaily runs fn every day at the given local wall time.
func (c *Context) RunDaily(fn scheduler.JobFunc, hour, minute, second int, opts ...scheduler.JobOption) (*scheduler.Job, error) {
	return c.schedule(func(o []scheduler.JobOption) (*scheduler.Job, error) {
		return c.sched.RunDaily(fn, hour, minute, second, o...)
	}, opts)
}

// RunCron runs fn on a five-field cron expression.
func (c *Context) RunCron(fn scheduler.JobFunc, expr string, start scheduler.Start, opts ...scheduler.JobOption) (*scheduler.Job, error) {
	return c.schedule(func(o []scheduler.JobOption) (*scheduler.Job, error) {
		return c.sched.RunCron(fn, expr, start, o...)
	}, opts)
}

// CallService invokes domain.svc on the remote source.
func (c *Context) CallService(ctx context.Context, domain, svc string, data map[string]any) error {
	if c.caller == nil {
		return ErrNoCaller
	}
	if c.isStopped() {
		return ErrStopped
	}
	return c.caller.CallService(ctx, domain, svc, data)
}

// Fire publishes a custom event into the hub.
func (c *Context) Fire(ctx context.Context, name string, data map[string]any) error {
	if c.isStopped() {
		return ErrStopped
	}
	if _, err := c.bus.Publish(ctx, event.New(event.CustomTopic(name), &event.Custom{Name: name, Data: data})); err != nil {
		return fmt.Errorf("firing %s: %w", name, err)
	}
	return nil
}

func (c *Context) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// stop refuses new work and cancels everything the app owns. It returns
// the number of subscriptions and jobs cancelled.
func (c *Context) stop() (subs, jobs int) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, 0
	}
	c.stopped = true
	close(c.done)
	c.mu.Unlock()

	return c.bus.UnsubscribeOwner(c.owner), c.sched.CancelOwner(c.owner)
}

// appLogger tags records with the app name.
type appLogger struct {
	inner Logger
	name  string
}

func (l appLogger) with(args []any) []any { return append([]any{"app", l.name}, args...) }

func (l appLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.with(args)...) }
func (l appLogger) Info(msg string, args ...any)  { l.inner.Info(msg, l.with(args)...) }
func (l appLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.with(args)...) }
func (l appLogger) Error(msg string, args ...any) { l.inner.Error(msg, l.with(args)...) }
