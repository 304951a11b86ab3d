package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// Logger defines the logging interface used by the coordinator.
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

// Publisher receives lifecycle envelopes, normally the hub.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) (uint64, error)
}

// Observer receives service transitions, typically a metrics collector.
type Observer interface {
	ServiceTransition(name string, from, to service.Status)
	ServiceStarted(name string, attempt int)
}

// CrashRecord describes one service crash.
type CrashRecord struct {
	Service    string        `json:"service"`
	Error      string        `json:"error"`
	Attempt    int           `json:"attempt"`
	RunningFor time.Duration `json:"running_for"`
	At         time.Time     `json:"at"`
	Terminal   bool          `json:"terminal"`
}

// CrashRecorder persists crash records. It is optional.
type CrashRecorder interface {
	RecordCrash(ctx context.Context, rec CrashRecord) error
}

// Config holds coordinator tunables.
type Config struct {
	// ReadyTimeout bounds how long a starting service may take to
	// report ready before the attempt counts as a crash.
	ReadyTimeout time.Duration

	// GracePeriod bounds how long a stopping service may take to return.
	GracePeriod time.Duration

	// PublishTimeout bounds each lifecycle envelope publish.
	PublishTimeout time.Duration
}

// ServiceInfo is a read-only view of a managed service.
type ServiceInfo struct {
	Name      string         `json:"name"`
	Status    service.Status `json:"status"`
	Since     time.Time      `json:"since"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Essential bool           `json:"essential,omitempty"`
	Starts    int            `json:"starts"`
	Crashes   int            `json:"crashes"`
	LastError string         `json:"last_error,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
}

// Coordinator starts, supervises and stops managed services.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Lifecycle envelopes are published in transition order.
type Coordinator struct {
	cfg      Config
	clock    clock.Clock
	pub      Publisher
	registry *Registry

	mu       sync.Mutex
	units    map[string]*unit
	specs    []Spec
	order    []string
	started  bool
	stopping bool
	changed  chan struct{}
	fatalErr error
	runCtx   context.Context
	cancel   context.CancelFunc

	// pubMu is taken before mu is released so envelopes leave in the
	// order their transitions happened.
	pubMu sync.Mutex

	fatal chan error

	logger   Logger
	observer Observer
	crashes  CrashRecorder
}

type unit struct {
	spec     Spec
	svc      service.Service
	status   service.Status
	since    time.Time
	lastErr  error
	starts   int
	crashes  int
	terminal bool
	run      *execution
}

// execution is one invocation of a service's Run method.
type execution struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	readyAt time.Time
	forced  error
}

// New creates a coordinator publishing lifecycle envelopes to pub.
func New(cfg Config, pub Publisher, clk clock.Clock) *Coordinator {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		cfg:      cfg,
		clock:    clk,
		pub:      pub,
		registry: NewRegistry(),
		units:    make(map[string]*unit),
		changed:  make(chan struct{}),
		fatal:    make(chan error, 1),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// SetObserver attaches a transition observer.
func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetCrashRecorder sets where crash records are persisted.
func (c *Coordinator) SetCrashRecorder(r CrashRecorder) {
	c.mu.Lock()
	c.crashes = r
	c.mu.Unlock()
}

// Registry returns the service directory.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Lookup returns the component registered under name.
func (c *Coordinator) Lookup(name string) (any, bool) { return c.registry.Lookup(name) }

// Add registers a managed service. It also becomes available through
// the registry under its name.
func (c *Coordinator) Add(svc service.Service, spec Spec) error {
	if spec.Name == "" {
		spec.Name = svc.Name()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if _, ok := c.units[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, spec.Name)
	}
	if err := c.registry.Register(spec.Name, svc); err != nil {
		return err
	}
	c.units[spec.Name] = &unit{
		spec:   spec,
		svc:    svc,
		status: service.StatusNotStarted,
		since:  c.clock.Now(),
	}
	c.specs = append(c.specs, spec)
	return nil
}

// Validate checks the service graph without starting anything.
func (c *Coordinator) Validate() error {
	c.mu.Lock()
	specs := append([]Spec(nil), c.specs...)
	c.mu.Unlock()
	_, err := Order(specs)
	return err
}

// Start brings every service up in dependency order and returns once
// all of them are serving. Independent services start concurrently.
// If startup fails, already started services are stopped again.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	order, err := Order(c.specs)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("invalid service graph: %w", err)
	}
	c.order = order
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	logger := c.logger
	c.mu.Unlock()

	logger.Info("starting services", "order", order)
	begun := c.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		u := c.units[name]
		g.Go(func() error {
			if err := c.waitUntil(gctx, func() (bool, error) { return c.depsServingLocked(u) }); err != nil {
				return fmt.Errorf("%s: waiting for dependencies: %w", name, err)
			}
			if err := c.startUnit(u); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			err := c.waitUntil(gctx, func() (bool, error) {
				if u.terminal {
					return false, fmt.Errorf("%w: %s", ErrServiceFailed, name)
				}
				return u.status.Serving(), nil
			})
			if err != nil {
				return fmt.Errorf("%s: waiting for ready: %w", name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("startup failed, stopping started services", "error", err)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.GracePeriod*time.Duration(len(order)+1))
		defer cancel()
		if stopErr := c.Stop(stopCtx); stopErr != nil {
			logger.Warn("services did not stop cleanly after startup failure", "error", stopErr)
		}
		return err
	}

	logger.Info("all services running", "count", len(order), "duration", c.clock.Now().Sub(begun))
	return nil
}

// depsServingLocked reports whether every dependency of u is serving.
func (c *Coordinator) depsServingLocked(u *unit) (bool, error) {
	if c.stopping {
		return false, ErrStopping
	}
	for _, dep := range u.spec.DependsOn {
		d := c.units[dep]
		if d.terminal {
			return false, fmt.Errorf("%w: dependency %s", ErrServiceFailed, dep)
		}
		if !d.status.Serving() {
			return false, nil
		}
	}
	return true, nil
}

// waitUntil blocks until cond holds. cond runs with c.mu held and is
// re-evaluated after every state change.
func (c *Coordinator) waitUntil(ctx context.Context, cond func() (bool, error)) error {
	for {
		c.mu.Lock()
		ok, err := cond()
		changed, fatal := c.changed, c.fatalErr
		c.mu.Unlock()

		switch {
		case err != nil:
			return err
		case ok:
			return nil
		case fatal != nil:
			return fatal
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// startUnit launches a new execution of u. u must not be running.
func (c *Coordinator) startUnit(u *unit) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return ErrStopping
	}
	if u.status == service.StatusStarting || u.status.Serving() || u.status == service.StatusStopping {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRestartable, u.spec.Name, u.status)
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	run := &execution{
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: c.clock.Now(),
	}
	u.run = run
	u.starts++
	u.lastErr = nil
	attempt := u.starts
	env := c.setStatusLocked(u, service.StatusStarting, nil)
	obs := c.observer
	timeout := u.spec.ReadyTimeout
	if timeout <= 0 {
		timeout = c.cfg.ReadyTimeout
	}
	c.unlockAndPublish(env)

	if obs != nil {
		obs.ServiceStarted(u.spec.Name, attempt)
	}

	go c.watchReady(u, run, timeout)
	go func() {
		err := c.invoke(run.ctx, u.svc, &reporter{c: c, u: u, run: run})
		c.handleExit(u, run, err)
	}()
	return nil
}

func (c *Coordinator) invoke(ctx context.Context, svc service.Service, r service.Reporter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("service panicked: %v", p)
		}
	}()
	return svc.Run(ctx, r)
}

// watchReady crashes run if it is still STARTING after timeout.
func (c *Coordinator) watchReady(u *unit, run *execution, timeout time.Duration) {
	deadline := c.clock.After(timeout)
	for {
		c.mu.Lock()
		current := u.run == run && u.status == service.StatusStarting
		changed := c.changed
		c.mu.Unlock()
		if !current {
			return
		}

		select {
		case <-changed:
		case <-run.done:
			return
		case <-deadline:
			c.mu.Lock()
			if u.run == run && u.status == service.StatusStarting {
				run.forced = fmt.Errorf("%w after %v", ErrReadyTimeout, timeout)
			}
			logger := c.logger
			c.mu.Unlock()
			if run.forced != nil {
				logger.Error("service did not become ready", "service", u.spec.Name, "timeout", timeout)
				run.cancel()
			}
			return
		}
	}
}

// handleExit runs when a service's Run method returns.
func (c *Coordinator) handleExit(u *unit, run *execution, runErr error) {
	defer close(run.done)
	run.cancel()

	c.mu.Lock()
	if u.run != run {
		c.mu.Unlock()
		return
	}
	u.run = nil

	if u.status == service.StatusStopping {
		env := c.setStatusLocked(u, service.StatusStopped, nil)
		c.unlockAndPublish(env)
		return
	}

	cause := runErr
	if run.forced != nil {
		cause = run.forced
	}
	if cause == nil {
		cause = ErrUnexpectedExit
	}

	u.crashes++
	u.lastErr = cause
	var runningFor time.Duration
	if !run.readyAt.IsZero() {
		runningFor = c.clock.Now().Sub(run.readyAt)
	}
	rec := CrashRecord{
		Service:    u.spec.Name,
		Error:      cause.Error(),
		Attempt:    u.starts,
		RunningFor: runningFor,
		At:         c.clock.Now(),
		Terminal:   u.spec.Essential,
	}
	env := c.setStatusLocked(u, service.StatusCrashed, cause)
	if lc, ok := event.As[*event.Lifecycle](env); ok {
		lc.RunningFor = runningFor
	}
	logger, recorder := c.logger, c.crashes
	essential := u.spec.Essential
	c.unlockAndPublish(env)

	logger.Error("service crashed",
		"service", u.spec.Name,
		"attempt", rec.Attempt,
		"running_for", runningFor,
		"error", cause,
	)
	if recorder != nil {
		if err := recorder.RecordCrash(context.Background(), rec); err != nil {
			logger.Warn("recording service crash failed", "service", u.spec.Name, "error", err)
		}
	}
	if essential {
		c.MarkFailed(u.spec.Name, cause)
	}
}

// setStatusLocked moves u to status and returns the lifecycle envelope
// to publish once c.mu is released.
func (c *Coordinator) setStatusLocked(u *unit, status service.Status, cause error) event.Envelope {
	prev := u.status
	u.status = status
	u.since = c.clock.Now()
	c.broadcastLocked()

	if c.observer != nil {
		c.observer.ServiceTransition(u.spec.Name, prev, status)
	}

	lc := &event.Lifecycle{
		Service:  u.spec.Name,
		Status:   status,
		Previous: prev,
		Attempt:  u.starts,
		Terminal: u.terminal,
	}
	if cause != nil {
		lc.Error = cause.Error()
	}
	env := event.New(event.LifecycleTopic(status), lc)
	env.Timestamp = u.since
	return env
}

// unlockAndPublish releases c.mu and publishes envs, keeping the
// publish order equal to the transition order.
func (c *Coordinator) unlockAndPublish(envs ...event.Envelope) {
	c.pubMu.Lock()
	pub, logger := c.pub, c.logger
	c.mu.Unlock()
	defer c.pubMu.Unlock()

	if pub == nil {
		return
	}
	for _, env := range envs {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		_, err := pub.Publish(ctx, env)
		cancel()
		if err != nil {
			logger.Warn("publishing lifecycle event failed", "topic", env.Topic, "error", err)
		}
	}
}

// reporter implements service.Reporter for one execution.
type reporter struct {
	c   *Coordinator
	u   *unit
	run *execution
}

func (r *reporter) Ready() {
	c, u := r.c, r.u
	c.mu.Lock()
	if u.run != r.run || r.run.forced != nil ||
		(u.status != service.StatusStarting && u.status != service.StatusDegraded) {
		c.mu.Unlock()
		return
	}
	if r.run.readyAt.IsZero() {
		r.run.readyAt = c.clock.Now()
	}
	u.lastErr = nil
	env := c.setStatusLocked(u, service.StatusRunning, nil)
	logger := c.logger
	c.unlockAndPublish(env)
	logger.Info("service running", "service", u.spec.Name, "attempt", u.starts)
}

func (r *reporter) Degraded(err error) {
	c, u := r.c, r.u
	c.mu.Lock()
	if u.run != r.run || u.status != service.StatusRunning {
		c.mu.Unlock()
		return
	}
	u.lastErr = err
	env := c.setStatusLocked(u, service.StatusDegraded, err)
	logger := c.logger
	c.unlockAndPublish(env)
	logger.Warn("service degraded", "service", u.spec.Name, "error", err)
}

// Restart starts a crashed or stopped service again once all of its
// dependencies are serving. It returns when the new attempt has begun;
// readiness is reported through lifecycle envelopes.
func (c *Coordinator) Restart(ctx context.Context, name string) error {
	c.mu.Lock()
	u, ok := c.units[name]
	switch {
	case !ok:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	case c.stopping:
		c.mu.Unlock()
		return ErrStopping
	case !c.started:
		c.mu.Unlock()
		return fmt.Errorf("%w: coordinator not started", ErrNotRestartable)
	case u.terminal:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceFailed, name)
	}
	c.mu.Unlock()

	if err := c.waitUntil(ctx, func() (bool, error) { return c.depsServingLocked(u) }); err != nil {
		return fmt.Errorf("%s: waiting for dependencies: %w", name, err)
	}
	return c.startUnit(u)
}

// MarkFailed leaves a service permanently STOPPED, emits the terminal
// failure envelope and signals Fatal. Repeated calls for the same
// service have no effect.
func (c *Coordinator) MarkFailed(name string, cause error) {
	c.mu.Lock()
	u, ok := c.units[name]
	if !ok || u.terminal {
		c.mu.Unlock()
		return
	}
	u.terminal = true
	if cause != nil {
		u.lastErr = cause
	}
	if u.run != nil {
		u.run.cancel()
		u.run = nil
	}

	prev := u.status
	envs := []event.Envelope{c.setStatusLocked(u, service.StatusStopped, cause)}
	lc := &event.Lifecycle{
		Service:  name,
		Status:   service.StatusStopped,
		Previous: prev,
		Attempt:  u.starts,
		Terminal: true,
	}
	if cause != nil {
		lc.Error = cause.Error()
	}
	envs = append(envs, event.New(event.TopicServiceFailed, lc))

	fatal := fmt.Errorf("%w: %s: %v", ErrServiceFailed, name, cause)
	if c.fatalErr == nil {
		c.fatalErr = fatal
		c.fatal <- fatal
	}
	c.broadcastLocked()
	logger, recorder := c.logger, c.crashes
	attempts := u.starts
	c.unlockAndPublish(envs...)

	logger.Error("service failed permanently",
		"service", name,
		"attempts", attempts,
		"error", cause,
	)
	if recorder != nil {
		rec := CrashRecord{Service: name, Attempt: attempts, At: c.clock.Now(), Terminal: true}
		if cause != nil {
			rec.Error = cause.Error()
		}
		if err := recorder.RecordCrash(context.Background(), rec); err != nil {
			logger.Warn("recording terminal failure failed", "service", name, "error", err)
		}
	}
}

// Fatal delivers the first unrecoverable failure. The runtime should
// shut down when it fires.
func (c *Coordinator) Fatal() <-chan error { return c.fatal }

// Err returns the first unrecoverable failure, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Stop shuts services down in reverse dependency order.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.broadcastLocked()
	order := c.order
	logger := c.logger
	c.mu.Unlock()

	logger.Info("stopping services")
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := c.stopUnit(ctx, c.units[order[i]]); err != nil {
			errs = append(errs, err)
		}
	}
	c.cancel()
	logger.Info("all services stopped")
	return errors.Join(errs...)
}

func (c *Coordinator) stopUnit(ctx context.Context, u *unit) error {
	c.mu.Lock()
	run := u.run
	switch {
	case u.status == service.StatusNotStarted, u.status == service.StatusStopped:
		c.mu.Unlock()
		return nil
	case run == nil:
		env := c.setStatusLocked(u, service.StatusStopped, nil)
		c.unlockAndPublish(env)
		return nil
	}
	env := c.setStatusLocked(u, service.StatusStopping, nil)
	grace := u.spec.GracePeriod
	if grace <= 0 {
		grace = c.cfg.GracePeriod
	}
	logger := c.logger
	c.unlockAndPublish(env)

	run.cancel()
	var abandoned error
	select {
	case <-run.done:
		return nil
	case <-c.clock.After(grace):
		abandoned = fmt.Errorf("%s: %w (%v)", u.spec.Name, ErrGraceExceeded, grace)
	case <-ctx.Done():
		abandoned = fmt.Errorf("%s: %w", u.spec.Name, ctx.Err())
	}

	logger.Warn("service did not stop in time, abandoning it", "service", u.spec.Name, "grace_period", grace)
	c.mu.Lock()
	if u.run != run {
		c.mu.Unlock()
		return nil
	}
	u.run = nil
	u.lastErr = abandoned
	env = c.setStatusLocked(u, service.StatusStopped, abandoned)
	c.unlockAndPublish(env)
	return abandoned
}

// Reload hands cfg to every serving service that implements
// service.Reloadable, in dependency order.
func (c *Coordinator) Reload(cfg any) error {
	c.mu.Lock()
	order := c.order
	if !c.started {
		order = make([]string, 0, len(c.specs))
		for _, s := range c.specs {
			order = append(order, s.Name)
		}
	}
	var targets []service.Reloadable
	var names []string
	for _, name := range order {
		u := c.units[name]
		if r, ok := u.svc.(service.Reloadable); ok && (u.status.Serving() || !c.started) {
			targets = append(targets, r)
			names = append(names, name)
		}
	}
	logger := c.logger
	c.mu.Unlock()

	var errs []error
	for i, r := range targets {
		if err := r.Reload(cfg); err != nil {
			logger.Warn("service rejected configuration reload", "service", names[i], "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
		}
	}
	if len(errs) == 0 {
		logger.Info("configuration reloaded", "services", names)
	}
	return errors.Join(errs...)
}

// Status returns the current status of name.
func (c *Coordinator) Status(name string) (service.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return u.status, nil
}

// Statuses returns the status of every managed service.
func (c *Coordinator) Statuses() map[string]service.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]service.Status, len(c.units))
	for name, u := range c.units {
		out[name] = u.status
	}
	return out
}

// Policy returns the restart policy override declared for name.
func (c *Coordinator) Policy(name string) (service.RestartPolicy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[name]
	if !ok || u.spec.Restart == nil {
		return service.RestartPolicy{}, false
	}
	return *u.spec.Restart, true
}

// Services returns a snapshot of every managed service in dependency
// order (registration order before Start).
func (c *Coordinator) Services() []ServiceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := c.order
	if names == nil {
		for _, s := range c.specs {
			names = append(names, s.Name)
		}
	}
	out := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		u := c.units[name]
		info := ServiceInfo{
			Name:      name,
			Status:    u.status,
			Since:     u.since,
			DependsOn: append([]string(nil), u.spec.DependsOn...),
			Essential: u.spec.Essential,
			Starts:    u.starts,
			Crashes:   u.crashes,
			Failed:    u.terminal,
		}
		if u.lastErr != nil {
			info.LastError = u.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}
