package bus

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/predicate"
)

// Priority orders subscriptions within one envelope's dispatch.
type Priority int

// Priority levels.
const (
	PriorityApp            Priority = 0
	PriorityInfrastructure Priority = 100
)

// Option configures a subscription.
type Option func(*Subscription)

// WithPredicate filters deliveries with p.
func WithPredicate(p predicate.Predicate) Option {
	return func(s *Subscription) { s.pred = p }
}

// WithDebounce delivers only the last envelope of a burst, once w has
// passed without another match.
func WithDebounce(w time.Duration) Option {
	return func(s *Subscription) { s.debounce = w }
}

// WithThrottle delivers at most one envelope per window w, keeping the first.
func WithThrottle(w time.Duration) Option {
	return func(s *Subscription) { s.throttle = w }
}

// WithPriority sets the dispatch priority.
func WithPriority(p Priority) Option {
	return func(s *Subscription) { s.priority = p }
}

// WithOwner tags the subscription with the resource that created it.
func WithOwner(owner string) Option {
	return func(s *Subscription) { s.owner = owner }
}

// WithName sets a human-readable name for logs and snapshots.
func WithName(name string) Option {
	return func(s *Subscription) { s.name = name }
}

// WithSerial makes deliveries to this subscription run one at a time
// in sequence order.
func WithSerial() Option {
	return func(s *Subscription) { s.serial = true }
}

// Subscription is a registered consumer. It is safe for concurrent use.
type Subscription struct {
	id       string
	order    uint64
	name     string
	owner    string
	pattern  string
	pred     predicate.Predicate
	handler  Handler
	priority Priority
	debounce time.Duration
	throttle time.Duration
	serial   bool
	created  time.Time

	bus       *Bus
	cancelled atomic.Bool

	mu       sync.Mutex
	limiter  *rate.Limiter
	timer    *clock.Timer
	gen      uint64
	pending  event.Envelope
	queue    []event.Envelope
	draining bool

	delivered  atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.id }

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Owner returns the owning resource, or "".
func (s *Subscription) Owner() string { return s.owner }

// Topic returns the topic pattern.
func (s *Subscription) Topic() string { return s.pattern }

// Priority returns the dispatch priority.
func (s *Subscription) Priority() Priority { return s.priority }

// Active reports whether the subscription still receives envelopes.
func (s *Subscription) Active() bool { return !s.cancelled.Load() }

// Cancel unsubscribes. Future envelopes are not delivered; an
// invocation already running is allowed to finish.
func (s *Subscription) Cancel() { s.bus.Unsubscribe(s) }

// Delivered returns the number of handler invocations started.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Suppressed returns the number of envelopes held back by gates.
func (s *Subscription) Suppressed() uint64 { return s.suppressed.Load() }

// Failed returns the number of invocations that errored or panicked.
func (s *Subscription) Failed() uint64 { return s.failed.Load() }

func (s *Subscription) infrastructure() bool {
	return s.priority >= PriorityInfrastructure
}

// stop discards pending debounced and serial deliveries.
func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = event.Envelope{}
	s.queue = nil
}

// Info is a read-only view of a subscription for observability.
type Info struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Owner      string        `json:"owner,omitempty"`
	Topic      string        `json:"topic"`
	Predicate  string        `json:"predicate"`
	Handler    string        `json:"handler"`
	Priority   Priority      `json:"priority"`
	Debounce   time.Duration `json:"debounce,omitempty"`
	Throttle   time.Duration `json:"throttle,omitempty"`
	Serial     bool          `json:"serial,omitempty"`
	Created    time.Time     `json:"created"`
	Delivered  uint64        `json:"delivered"`
	Suppressed uint64        `json:"suppressed"`
	Failed     uint64        `json:"failed"`
}

// Info returns a snapshot of the subscription.
func (s *Subscription) Info() Info {
	return Info{
		ID:         s.id,
		Name:       s.name,
		Owner:      s.owner,
		Topic:      s.pattern,
		Predicate:  s.pred.String(),
		Handler:    handlerName(s.handler),
		Priority:   s.priority,
		Debounce:   s.debounce,
		Throttle:   s.throttle,
		Serial:     s.serial,
		Created:    s.created,
		Delivered:  s.delivered.Load(),
		Suppressed: s.suppressed.Load(),
		Failed:     s.failed.Load(),
	}
}

func handlerName(h Handler) string {
	if h == nil {
		return ""
	}
	if fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer()); fn != nil {
		return fn.Name()
	}
	return "unknown"
}
