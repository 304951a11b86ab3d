package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

// OverflowPolicy decides what Publish does when a subscriber queue is full.
type OverflowPolicy string

// Overflow policies.
const (
	PolicyBlock      OverflowPolicy = "block"
	PolicyDropOldest OverflowPolicy = "drop_oldest"
)

// Config holds hub tunables.
type Config struct {
	// BufferSize is the per-subscriber queue capacity.
	BufferSize int

	// Overflow must be set explicitly.
	Overflow OverflowPolicy

	// PublishTimeout bounds how long PolicyBlock may suspend a producer.
	PublishTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer size must be positive", ErrInvalidConfig)
	}
	switch c.Overflow {
	case PolicyBlock:
		if c.PublishTimeout <= 0 {
			return fmt.Errorf("%w: block policy needs a positive publish timeout", ErrInvalidConfig)
		}
	case PolicyDropOldest:
	default:
		return fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfig, c.Overflow)
	}
	return nil
}

// Logger defines the logging interface used by the hub.
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

// Observer receives hub counters, typically a metrics collector.
type Observer interface {
	EnvelopePublished(topic string)
	EnvelopeDropped(topic string)
	PublishSaturated()
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Saturated   uint64 `json:"saturated"`
	Subscribers int    `json:"subscribers"`
	LastSeq     uint64 `json:"last_sequence"`
}

// Hub fans envelopes out to raw subscribers.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Hub struct {
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscriber]struct{}
	closed bool
	done   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	saturated atomic.Uint64

	logger   Logger
	observer Observer
}

// NewHub creates a hub. A nil clock uses the real clock.
func NewHub(cfg Config, clk clock.Clock) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		cfg:    cfg,
		clock:  clk,
		subs:   make(map[*Subscriber]struct{}),
		done:   make(chan struct{}),
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger for drop and saturation reports.
func (h *Hub) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// SetObserver attaches a counter observer.
func (h *Hub) SetObserver(o Observer) {
	h.mu.Lock()
	h.observer = o
	h.mu.Unlock()
}

// Policy returns the configured overflow policy.
func (h *Hub) Policy() OverflowPolicy { return h.cfg.Overflow }

// Publish stamps env with the next sequence number and a timestamp and
// queues it for every raw subscriber. It returns the assigned sequence.
//
// Under PolicyBlock the sequence is only assigned once every queue has
// room, so concurrent producers can never enqueue out of order.
func (h *Hub) Publish(ctx context.Context, env event.Envelope) (uint64, error) {
	var deadline <-chan time.Time

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return 0, ErrClosed
		}

		if h.cfg.Overflow == PolicyBlock {
			if full := h.firstFullLocked(); full != nil {
				space := full.space
				h.mu.Unlock()

				if deadline == nil {
					deadline = h.clock.After(h.cfg.PublishTimeout)
				}
				select {
				case <-space:
					continue
				case <-h.done:
					return 0, ErrClosed
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-deadline:
					h.saturated.Add(1)
					h.mu.Lock()
					logger, obs := h.logger, h.observer
					h.mu.Unlock()
					logger.Warn("hub saturated, publish rejected",
						"topic", env.Topic,
						"timeout", h.cfg.PublishTimeout,
					)
					if obs != nil {
						obs.PublishSaturated()
					}
					return 0, fmt.Errorf("%w: %s after %v", ErrHubSaturated, env.Topic, h.cfg.PublishTimeout)
				}
			}
		}

		seq := h.enqueueLocked(env)
		h.mu.Unlock()
		return seq, nil
	}
}

func (h *Hub) firstFullLocked() *Subscriber {
	for s := range h.subs {
		if s.q.full() {
			return s
		}
	}
	return nil
}

func (h *Hub) enqueueLocked(env event.Envelope) uint64 {
	h.seq++
	env.Sequence = h.seq
	if env.Timestamp.IsZero() {
		env.Timestamp = h.clock.Now()
	}

	for s := range h.subs {
		if s.q.full() {
			old := s.q.pop()
			h.dropped.Add(1)
			s.dropped++
			h.logger.Warn("hub subscriber queue full, dropped oldest envelope",
				"subscriber", s.name,
				"dropped_topic", old.Topic,
				"dropped_sequence", old.Sequence,
			)
			if h.observer != nil {
				h.observer.EnvelopeDropped(old.Topic)
			}
		}
		s.q.push(env)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}

	h.published.Add(1)
	if h.observer != nil {
		h.observer.EnvelopePublished(env.Topic)
	}
	return env.Sequence
}

// Subscribe registers a raw subscriber that receives every envelope
// published after this call, in sequence order.
func (h *Hub) Subscribe(name string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	s := &Subscriber{
		hub:    h,
		name:   name,
		q:      newRing(h.cfg.BufferSize),
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}),
	}
	h.subs[s] = struct{}{}
	return s, nil
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n, seq := len(h.subs), h.seq
	h.mu.Unlock()

	return Stats{
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Saturated:   h.saturated.Load(),
		Subscribers: n,
		LastSeq:     seq,
	}
}

// Close stops accepting envelopes. Subscribers drain what is already
// queued and then receive ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// Subscriber is a raw hub consumer.
type Subscriber struct {
	hub     *Hub
	name    string
	q       *ring
	notify  chan struct{}
	space   chan struct{}
	dropped uint64
	removed bool
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscriber) Name() string { return s.name }

// Next blocks until an envelope is available, the hub is closed and
// drained, or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (event.Envelope, error) {
	h := s.hub
	for {
		h.mu.Lock()
		if s.q.len() > 0 {
			env := s.q.pop()
			close(s.space)
			s.space = make(chan struct{})
			h.mu.Unlock()
			return env, nil
		}
		if h.closed || s.removed {
			h.mu.Unlock()
			return event.Envelope{}, ErrClosed
		}
		h.mu.Unlock()

		select {
		case <-s.notify:
		case <-h.done:
		case <-ctx.Done():
			return event.Envelope{}, ctx.Err()
		}
	}
}

// Len returns the number of queued envelopes.
func (s *Subscriber) Len() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.q.len()
}

// Dropped returns how many envelopes this subscriber lost to
// PolicyDropOldest.
func (s *Subscriber) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscriber and releases any producer blocked on
// its queue.
func (s *Subscriber) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.removed {
		return
	}
	s.removed = true
	delete(h.subs, s)
	close(s.space)
	s.space = make(chan struct{})
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
