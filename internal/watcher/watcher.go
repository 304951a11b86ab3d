// Package watcher restarts crashed managed services under their
// restart policy.
//
// The Watcher learns about crashes only from lifecycle envelopes on the
// bus. The first restart after a crash is immediate; later ones wait an
// exponentially growing delay. Once a service has crashed MaxAttempts
// times without staying up for StableAfter, the watcher gives up and
// asks the supervisor to mark it failed, which is fatal for the runtime.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// ServiceName is the managed service name of the watcher.
const ServiceName = "watcher"

var (
	// ErrRestartsExhausted is the failure cause handed to MarkFailed.
	ErrRestartsExhausted = errors.New("watcher: restart attempts exhausted")

	// ErrUnsupportedConfig is returned by Reload for values without a
	// restart policy.
	ErrUnsupportedConfig = errors.New("watcher: configuration carries no restart policy")
)

// Logger defines the logging interface used by the watcher.
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

// Supervisor is the part of the coordinator the watcher drives.
type Supervisor interface {
	Restart(ctx context.Context, name string) error
	MarkFailed(name string, cause error)
	Policy(name string) (service.RestartPolicy, bool)
	Services() []coordinator.ServiceInfo
}

// Subscriber is the part of the bus the watcher needs.
type Subscriber interface {
	Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error)
}

// PolicySource is accepted by Reload.
type PolicySource interface {
	RestartPolicy() service.RestartPolicy
}

// Observer receives restart decisions, typically a metrics collector.
type Observer interface {
	RestartScheduled(name string, crashes int, delay time.Duration)
	RestartsExhausted(name string)
}

// Watcher applies restart policies to crashed services.
//
// Thread Safety:
//   - Lifecycle envelopes are queued by the bus handler and handled one
//     at a time by Run, in publish order.
type Watcher struct {
	sup   Supervisor
	bus   Subscriber
	clock clock.Clock

	mu     sync.Mutex
	policy service.RestartPolicy
	tracks map[string]*track
	inbox  []item
	notify chan struct{}

	restarts sync.WaitGroup

	logger   Logger
	observer Observer
}

// track is the restart bookkeeping for one service.
type track struct {
	crashes     int
	lastAttempt int
	backoff     *backoff.ExponentialBackOff
	timer       *clock.Timer
	pending     bool
}

// item is either a lifecycle envelope or a due restart.
type item struct {
	lifecycle *event.Lifecycle
	restart   string
}

// New creates a watcher using policy for services without an override.
func New(policy service.RestartPolicy, sup Supervisor, b Subscriber, clk clock.Clock) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Watcher{
		sup:    sup,
		bus:    b,
		clock:  clk,
		policy: policy,
		tracks: make(map[string]*track),
		notify: make(chan struct{}, 1),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger.
func (w *Watcher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	w.mu.Lock()
	w.logger = logger
	w.mu.Unlock()
}

// SetObserver attaches a restart observer.
func (w *Watcher) SetObserver(o Observer) {
	w.mu.Lock()
	w.observer = o
	w.mu.Unlock()
}

// Name implements service.Service.
func (w *Watcher) Name() string { return ServiceName }

// Reload replaces the default restart policy.
func (w *Watcher) Reload(cfg any) error {
	src, ok := cfg.(PolicySource)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedConfig, cfg)
	}
	w.mu.Lock()
	w.policy = src.RestartPolicy()
	w.mu.Unlock()
	return nil
}

// Run watches lifecycle envelopes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, r service.Reporter) error {
	sub, err := w.bus.Subscribe(event.AllLifecycle, w.enqueue,
		bus.WithPriority(bus.PriorityInfrastructure),
		bus.WithOwner(ServiceName),
		bus.WithName("watcher.lifecycle"),
	)
	if err != nil {
		return fmt.Errorf("subscribing to lifecycle events: %w", err)
	}
	defer sub.Cancel()
	defer w.shutdown()

	r.Ready()

	// Crashes published before the subscription existed.
	for _, info := range w.sup.Services() {
		if info.Status == service.StatusCrashed && !info.Failed {
			w.onCrash(&event.Lifecycle{
				Service: info.Name,
				Status:  service.StatusCrashed,
				Error:   info.LastError,
				Attempt: info.Starts,
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.notify:
		}
		for _, it := range w.drain() {
			switch {
			case it.restart != "":
				w.restart(ctx, it.restart)
			case it.lifecycle != nil:
				w.handle(it.lifecycle)
			}
		}
	}
}

// enqueue runs inline in the bus dispatch loop, so it only queues.
func (w *Watcher) enqueue(_ context.Context, env event.Envelope) error {
	if env.Topic == event.TopicServiceFailed {
		return nil
	}
	lc, ok := event.As[*event.Lifecycle](env)
	if !ok {
		return nil
	}
	w.push(item{lifecycle: lc})
	return nil
}

func (w *Watcher) push(it item) {
	w.mu.Lock()
	w.inbox = append(w.inbox, it)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) drain() []item {
	w.mu.Lock()
	defer w.mu.Unlock()
	items := w.inbox
	w.inbox = nil
	return items
}

func (w *Watcher) handle(lc *event.Lifecycle) {
	switch {
	case lc.Status == service.StatusCrashed:
		w.onCrash(lc)
	case lc.Status == service.StatusStopped && lc.Terminal:
		w.forget(lc.Service)
	case lc.Status == service.StatusRunning:
		w.mu.Lock()
		tr := w.tracks[lc.Service]
		logger := w.logger
		w.mu.Unlock()
		if tr != nil && tr.crashes > 0 {
			logger.Info("restarted service is running", "service", lc.Service, "crashes", tr.crashes)
		}
	}
}

func (w *Watcher) policyFor(name string) service.RestartPolicy {
	if p, ok := w.sup.Policy(name); ok {
		return p
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy
}

func (w *Watcher) onCrash(lc *event.Lifecycle) {
	name := lc.Service
	policy := w.policyFor(name)

	w.mu.Lock()
	tr, ok := w.tracks[name]
	if !ok {
		tr = &track{backoff: newBackoff(policy)}
		w.tracks[name] = tr
	}
	if tr.pending || (lc.Attempt != 0 && lc.Attempt == tr.lastAttempt) {
		w.mu.Unlock()
		return
	}
	tr.lastAttempt = lc.Attempt

	if policy.StableAfter > 0 && lc.RunningFor >= policy.StableAfter {
		tr.crashes = 0
		tr.backoff = newBackoff(policy)
	}
	tr.crashes++
	crashes := tr.crashes
	logger, obs := w.logger, w.observer

	if crashes >= policy.MaxAttempts {
		delete(w.tracks, name)
		w.mu.Unlock()

		cause := fmt.Errorf("%w after %d crashes: %s", ErrRestartsExhausted, crashes, lc.Error)
		logger.Error("giving up on crashed service",
			"service", name,
			"crashes", crashes,
			"max_attempts", policy.MaxAttempts,
			"last_error", lc.Error,
		)
		if obs != nil {
			obs.RestartsExhausted(name)
		}
		w.sup.MarkFailed(name, cause)
		return
	}

	var delay time.Duration
	if crashes > 1 {
		delay = tr.backoff.NextBackOff()
	}
	tr.pending = true
	w.mu.Unlock()

	logger.Warn("restarting crashed service",
		"service", name,
		"crashes", crashes,
		"delay", delay,
		"error", lc.Error,
	)
	if obs != nil {
		obs.RestartScheduled(name, crashes, delay)
	}

	timer := w.clock.AfterFunc(delay, func() { w.push(item{restart: name}) })
	w.mu.Lock()
	if cur, ok := w.tracks[name]; ok && cur == tr {
		tr.timer = timer
	}
	w.mu.Unlock()
}

func (w *Watcher) restart(ctx context.Context, name string) {
	w.mu.Lock()
	if tr, ok := w.tracks[name]; ok {
		tr.pending = false
		tr.timer = nil
	}
	logger := w.logger
	w.mu.Unlock()

	w.restarts.Add(1)
	go func() {
		defer w.restarts.Done()
		err := w.sup.Restart(ctx, name)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, coordinator.ErrStopping):
		case errors.Is(err, coordinator.ErrServiceFailed):
			logger.Warn("restart abandoned, dependency failed", "service", name, "error", err)
		default:
			logger.Error("restart failed", "service", name, "error", err)
		}
	}()
}

func (w *Watcher) forget(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tr, ok := w.tracks[name]; ok {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		delete(w.tracks, name)
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	for name, tr := range w.tracks {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		delete(w.tracks, name)
	}
	w.inbox = nil
	w.mu.Unlock()
	w.restarts.Wait()
}

// Crashes returns the current crash count per tracked service.
func (w *Watcher) Crashes() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.tracks))
	for name, tr := range w.tracks {
		out[name] = tr.crashes
	}
	return out
}

func newBackoff(p service.RestartPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return b
}
