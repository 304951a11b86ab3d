package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/hub"
	"github.com/nerrad567/gray-logic-runtime/internal/predicate"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
	"github.com/nerrad567/gray-logic-runtime/internal/worker"
)

// ServiceName is the managed service name of the bus.
const ServiceName = "bus"

// Handler processes one delivered envelope. Returned errors are logged
// and counted; they never stop dispatch.
type Handler func(ctx context.Context, env event.Envelope) error

// Logger defines the logging interface used by the bus.
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

// Observer receives dispatch counters, typically a metrics collector.
type Observer interface {
	EnvelopeDispatched(topic string, matched int)
	DeliverySuppressed(subscription, gate string)
	HandlerFinished(subscription string, d time.Duration, err error)
}

// Hub is the envelope source the bus consumes.
type Hub interface {
	Subscribe(name string) (*hub.Subscriber, error)
	Publish(ctx context.Context, env event.Envelope) (uint64, error)
}

// Config holds bus tunables.
type Config struct {
	// Workers bounds concurrent application handler invocations.
	Workers int

	// DrainTimeout bounds how long Run waits for in-flight handlers
	// after its context is cancelled.
	DrainTimeout time.Duration
}

// Bus dispatches hub envelopes to subscriptions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Bus struct {
	cfg   Config
	hub   Hub
	raw   *hub.Subscriber
	clock clock.Clock
	pool  *worker.Pool

	mu     sync.RWMutex
	subs   map[string]*Subscription
	sorted []*Subscription
	order  uint64

	lastSeq    atomic.Uint64
	dispatched atomic.Uint64

	logger   Logger
	observer Observer
}

// New creates a bus and registers it as a raw hub subscriber straight
// away, so nothing published after construction is missed even if Run
// starts later or is restarted.
func New(cfg Config, h Hub, clk clock.Clock) (*Bus, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 16
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	raw, err := h.Subscribe(ServiceName)
	if err != nil {
		return nil, fmt.Errorf("subscribing to hub: %w", err)
	}
	return &Bus{
		cfg:    cfg,
		hub:    h,
		raw:    raw,
		clock:  clk,
		pool:   worker.NewPool(cfg.Workers),
		subs:   make(map[string]*Subscription),
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger used for handler failures.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// SetObserver attaches a counter observer.
func (b *Bus) SetObserver(o Observer) {
	b.mu.Lock()
	b.observer = o
	b.mu.Unlock()
}

// Name implements service.Service.
func (b *Bus) Name() string { return ServiceName }

// Subscribe registers handler for envelopes whose topic matches pattern.
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := event.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	s := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		bus:     b,
		created: b.clock.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.debounce < 0 || s.throttle < 0 {
		return nil, fmt.Errorf("%w: debounce=%v throttle=%v", ErrInvalidWindow, s.debounce, s.throttle)
	}
	if s.throttle > 0 {
		s.limiter = rate.NewLimiter(rate.Every(s.throttle), 1)
	}
	if s.name == "" {
		s.name = pattern
	}

	b.mu.Lock()
	b.order++
	s.order = b.order
	b.subs[s.id] = s
	b.resortLocked()
	b.mu.Unlock()

	b.logger.Debug("bus subscription added",
		"subscription_id", s.id,
		"name", s.name,
		"owner", s.owner,
		"topic", pattern,
		"predicate", s.pred.String(),
	)
	return s, nil
}

// OnStateChange subscribes to state changes of entity, which may be an
// entity id or a glob such as "light.*".
func (b *Bus) OnStateChange(entity string, handler Handler, opts ...Option) (*Subscription, error) {
	return b.Subscribe(event.StateTopic(entity), handler, opts...)
}

// OnServiceCall subscribes to calls of domain.svc. Either may be "*".
func (b *Bus) OnServiceCall(domain, svc string, handler Handler, opts ...Option) (*Subscription, error) {
	return b.Subscribe(event.ServiceCallTopic(domain, svc), handler, opts...)
}

// OnLifecycle subscribes to lifecycle transitions of the named service,
// or of every service when name is "".
func (b *Bus) OnLifecycle(name string, handler Handler, opts ...Option) (*Subscription, error) {
	if name != "" {
		own := predicate.Func("service_is("+name+")", func(env event.Envelope) bool {
			l, ok := event.As[*event.Lifecycle](env)
			return ok && l.Service == name
		})
		opts = append([]Option{WithPredicate(own)}, opts...)
	}
	return b.Subscribe(event.AllLifecycle, handler, opts...)
}

// Unsubscribe removes s. It is idempotent.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.stop()

	b.mu.Lock()
	delete(b.subs, s.id)
	b.resortLocked()
	b.mu.Unlock()
}

// UnsubscribeOwner cancels every subscription owned by owner and
// returns how many were removed.
func (b *Bus) UnsubscribeOwner(owner string) int {
	b.mu.RLock()
	var owned []*Subscription
	for _, s := range b.sorted {
		if s.owner == owner {
			owned = append(owned, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range owned {
		b.Unsubscribe(s)
	}
	return len(owned)
}

// Subscriptions returns a snapshot of active subscriptions in dispatch order.
func (b *Bus) Subscriptions() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Info, 0, len(b.sorted))
	for _, s := range b.sorted {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sorted)
}

// Publish forwards env to the hub.
func (b *Bus) Publish(ctx context.Context, env event.Envelope) (uint64, error) {
	return b.hub.Publish(ctx, env)
}

// LastSequence returns the sequence of the last dispatched envelope.
func (b *Bus) LastSequence() uint64 { return b.lastSeq.Load() }

// resortLocked rebuilds the dispatch order. The slice is replaced, never
// mutated, so snapshots taken by dispatch stay valid.
func (b *Bus) resortLocked() {
	sorted := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority > sorted[j].priority
		}
		return sorted[i].order < sorted[j].order
	})
	b.sorted = sorted
}

// Run consumes the hub until ctx is cancelled or the hub is closed.
func (b *Bus) Run(ctx context.Context, r service.Reporter) error {
	r.Ready()
	for {
		env, err := b.raw.Next(ctx)
		if err != nil {
			b.drain()
			if ctx.Err() != nil || errors.Is(err, hub.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading hub: %w", err)
		}
		b.Dispatch(ctx, env)
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	defer cancel()
	if err := b.pool.Wait(ctx); err != nil {
		b.logger.Warn("bus handlers still running after drain timeout",
			"running", b.pool.Running(),
			"waiting", b.pool.Waiting(),
			"timeout", b.cfg.DrainTimeout,
		)
	}
}

// Dispatch delivers one envelope. Infrastructure subscriptions complete
// before Dispatch starts any application handler. Run calls it for
// every hub envelope; tests may call it directly.
func (b *Bus) Dispatch(ctx context.Context, env event.Envelope) {
	b.mu.RLock()
	subs := b.sorted
	obs := b.observer
	b.mu.RUnlock()

	b.lastSeq.Store(env.Sequence)
	b.dispatched.Add(1)

	matched := 0
	for _, s := range subs {
		if !s.Active() || !event.Match(s.pattern, env.Topic) {
			continue
		}
		if !predicate.Eval(s.pred, env) {
			continue
		}
		matched++
		b.offer(ctx, s, env)
	}
	if obs != nil {
		obs.EnvelopeDispatched(env.Topic, matched)
	}
}

func (b *Bus) offer(ctx context.Context, s *Subscription, env event.Envelope) {
	if s.limiter != nil {
		s.mu.Lock()
		ok := s.limiter.AllowN(b.clock.Now(), 1)
		s.mu.Unlock()
		if !ok {
			b.suppress(s, "throttle")
			return
		}
	}

	if s.debounce > 0 {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			b.suppress(s, "debounce")
		}
		if s.cancelled.Load() {
			s.mu.Unlock()
			return
		}
		s.gen++
		gen := s.gen
		s.pending = env
		s.timer = b.clock.AfterFunc(s.debounce, func() { b.fireDebounced(ctx, s, gen) })
		s.mu.Unlock()
		return
	}

	b.deliver(ctx, s, env)
}

func (b *Bus) fireDebounced(ctx context.Context, s *Subscription, gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.cancelled.Load() {
		s.mu.Unlock()
		return
	}
	env := s.pending
	s.pending = event.Envelope{}
	s.timer = nil
	s.mu.Unlock()

	b.deliver(ctx, s, env)
}

func (b *Bus) suppress(s *Subscription, gate string) {
	s.suppressed.Add(1)
	b.mu.RLock()
	obs := b.observer
	b.mu.RUnlock()
	if obs != nil {
		obs.DeliverySuppressed(s.name, gate)
	}
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, env event.Envelope) {
	if !s.Active() {
		return
	}
	if s.infrastructure() {
		b.invoke(ctx, s, env)
		return
	}

	if s.serial {
		s.mu.Lock()
		s.queue = append(s.queue, env)
		start := !s.draining
		s.draining = true
		s.mu.Unlock()
		if start {
			b.submit(ctx, s, func() { b.drainSerial(ctx, s) })
		}
		return
	}

	b.submit(ctx, s, func() {
		if s.Active() {
			b.invoke(ctx, s, env)
		}
	})
}

func (b *Bus) submit(ctx context.Context, s *Subscription, fn func()) {
	if err := b.pool.Go(ctx, fn); err != nil {
		b.logger.Warn("bus delivery rejected",
			"subscription_id", s.id,
			"error", err,
		)
	}
}

func (b *Bus) drainSerial(ctx context.Context, s *Subscription) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || !s.Active() {
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.invoke(ctx, s, env)
	}
}

func (b *Bus) invoke(ctx context.Context, s *Subscription, env event.Envelope) {
	s.delivered.Add(1)
	start := b.clock.Now()
	err := call(ctx, s.handler, env)
	elapsed := b.clock.Now().Sub(start)

	b.mu.RLock()
	logger, obs := b.logger, b.observer
	b.mu.RUnlock()

	if err != nil {
		s.failed.Add(1)
		logger.Error("bus handler failed",
			"subscription_id", s.id,
			"subscription", s.name,
			"owner", s.owner,
			"topic", env.Topic,
			"sequence", env.Sequence,
			"envelope", env,
			"duration", elapsed,
			"error", err,
		)
	}
	if obs != nil {
		obs.HandlerFinished(s.name, elapsed, err)
	}
}

func call(ctx context.Context, h Handler, env event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return h(ctx, env)
}
