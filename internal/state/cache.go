package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// ServiceName is the managed service name of the state cache.
const ServiceName = "state"

// Logger defines the logging interface used by the cache.
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

// Fetcher loads the full remote state. It is normally the transport
// client wrapped in a retry policy.
type Fetcher interface {
	FetchStates(ctx context.Context) ([]*event.EntityState, error)
}

// Subscriber is the part of the bus the cache needs.
type Subscriber interface {
	Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error)
}

// Reader is the read-only view handed to application code.
type Reader interface {
	Get(entityID string) (*event.EntityState, bool)
	Domain(domain string) []*event.EntityState
	All() map[string]*event.EntityState
	Entities() []string
	Len() int
}

// Config holds cache tunables.
type Config struct {
	// ResyncRetry is the pause before retrying a failed re-snapshot.
	ResyncRetry time.Duration
}

// Cache is the latest known state per entity.
//
// Thread Safety:
//   - Reads take a shared lock and return deep copies.
//   - Updates happen only from bus handlers and the snapshot path.
type Cache struct {
	cfg     Config
	fetcher Fetcher
	bus     Subscriber
	clock   clock.Clock

	mu        sync.RWMutex
	states    map[string]*event.EntityState
	lastSeq   uint64
	syncing   bool
	pending   []event.Envelope
	refreshed time.Time

	resync chan struct{}

	logger Logger
}

// New creates a cache fed by b and rebuilt from f.
func New(cfg Config, f Fetcher, b Subscriber, clk clock.Clock) (*Cache, error) {
	if f == nil {
		return nil, ErrNilFetcher
	}
	if cfg.ResyncRetry <= 0 {
		cfg.ResyncRetry = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		cfg:     cfg,
		fetcher: f,
		bus:     b,
		clock:   clk,
		states:  make(map[string]*event.EntityState),
		resync:  make(chan struct{}, 1),
		logger:  noopLogger{},
	}, nil
}

// SetLogger sets the logger.
func (c *Cache) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// Name implements service.Service.
func (c *Cache) Name() string { return ServiceName }

// Run subscribes to state changes, loads the initial snapshot and then
// re-snapshots whenever the remote source reconnects.
func (c *Cache) Run(ctx context.Context, r service.Reporter) error {
	c.mu.Lock()
	c.syncing = true
	c.pending = nil
	c.mu.Unlock()

	stateSub, err := c.bus.Subscribe(event.AllStates, c.handleStateChange,
		bus.WithPriority(bus.PriorityInfrastructure),
		bus.WithOwner(ServiceName),
		bus.WithName("state.apply"),
	)
	if err != nil {
		return fmt.Errorf("subscribing to state changes: %w", err)
	}
	defer stateSub.Cancel()

	connSub, err := c.bus.Subscribe(event.TopicTransportConnected, c.handleConnected,
		bus.WithPriority(bus.PriorityInfrastructure),
		bus.WithOwner(ServiceName),
		bus.WithName("state.resync"),
	)
	if err != nil {
		return fmt.Errorf("subscribing to connection events: %w", err)
	}
	defer connSub.Cancel()

	if err := c.snapshot(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	r.Ready()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.resync:
		}

		c.beginResync()
		for {
			err := c.snapshot(ctx)
			if err == nil {
				r.Ready()
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("state re-snapshot failed", "error", err, "retry_in", c.cfg.ResyncRetry)
			r.Degraded(err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.cfg.ResyncRetry):
			}
		}
	}
}

// Resync requests a full re-snapshot. It never blocks.
func (c *Cache) Resync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

func (c *Cache) beginResync() {
	c.mu.Lock()
	c.syncing = true
	c.pending = nil
	c.mu.Unlock()
}

// snapshot replaces the cache contents with a fresh fetch, then replays
// the state changes that were applied while the fetch was in flight.
func (c *Cache) snapshot(ctx context.Context) error {
	started := c.clock.Now()
	records, err := c.fetcher.FetchStates(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*event.EntityState, len(records))
	for _, rec := range records {
		if rec == nil || rec.EntityID == "" {
			continue
		}
		fresh[rec.EntityID] = rec.Clone()
	}

	c.mu.Lock()
	replayed := 0
	for _, env := range c.pending {
		if replayOnto(fresh, env) {
			replayed++
		}
	}
	c.states = fresh
	c.syncing = false
	c.pending = nil
	c.refreshed = c.clock.Now()
	count := len(fresh)
	c.mu.Unlock()

	c.logger.Info("state snapshot loaded",
		"entities", count,
		"replayed", replayed,
		"duration", c.clock.Now().Sub(started),
	)
	return nil
}

// replayOnto applies env to states unless the snapshot already holds a
// newer record for the entity.
func replayOnto(states map[string]*event.EntityState, env event.Envelope) bool {
	sc, ok := event.As[*event.StateChange](env)
	if !ok {
		return false
	}
	current := states[sc.EntityID]
	if sc.New == nil {
		if current != nil && current.LastUpdated.After(env.Timestamp) {
			return false
		}
		delete(states, sc.EntityID)
		return true
	}
	if current != nil && current.LastUpdated.After(sc.New.LastUpdated) {
		return false
	}
	states[sc.EntityID] = sc.New.Clone()
	return true
}

func (c *Cache) handleStateChange(_ context.Context, env event.Envelope) error {
	sc, ok := event.As[*event.StateChange](env)
	if !ok || sc.EntityID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != 0 {
		if env.Sequence <= c.lastSeq {
			return nil
		}
		c.lastSeq = env.Sequence
	}
	if sc.New == nil {
		delete(c.states, sc.EntityID)
	} else {
		c.states[sc.EntityID] = sc.New.Clone()
	}
	if c.syncing {
		c.pending = append(c.pending, env)
	}
	return nil
}

func (c *Cache) handleConnected(_ context.Context, env event.Envelope) error {
	conn, ok := event.As[*event.Connection](env)
	if ok && conn.Connected && conn.Reconnect {
		c.logger.Info("remote source reconnected, scheduling state re-snapshot")
		c.Resync()
	}
	return nil
}

// Get returns a copy of the entity's state.
func (c *Cache) Get(entityID string) (*event.EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[entityID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Value returns the entity's current value, or "" when unknown.
func (c *Cache) Value(entityID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[entityID]; ok {
		return s.Value
	}
	return ""
}

// Domain returns copies of every entity in domain, ordered by id.
func (c *Cache) Domain(domain string) []*event.EntityState {
	c.mu.RLock()
	out := make([]*event.EntityState, 0)
	for id, s := range c.states {
		if event.Domain(id) == domain {
			out = append(out, s.Clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// All returns a copy of the full cache.
func (c *Cache) All() map[string]*event.EntityState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*event.EntityState, len(c.states))
	for id, s := range c.states {
		out[id] = s.Clone()
	}
	return out
}

// Entities returns every known entity id, sorted.
func (c *Cache) Entities() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// LastSequence returns the sequence of the last applied state change.
func (c *Cache) LastSequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// Refreshed returns when the last full snapshot was loaded.
func (c *Cache) Refreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}
