package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// ServiceName is the managed service name of the ingest loop.
const ServiceName = "transport"

// Publisher is the hub ingress.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) (uint64, error)
}

// IngestConfig bounds stream reconnection.
type IngestConfig struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Ingest is the managed service that runs the transport stream and
// publishes every raw event into the hub.
//
// It reports ready on the first connection, degraded while disconnected
// and ready again after a reconnect. Each connection change is also
// published as an envelope; a connection that follows a loss carries
// Reconnect so the state cache re-snapshots.
type Ingest struct {
	client Client
	pub    Publisher
	cfg    IngestConfig
	clock  clock.Clock

	mu            sync.Mutex
	logger        Logger
	connected     bool
	everConnected bool
	dropped       uint64
	backoff       *backoff.ExponentialBackOff
}

// NewIngest creates the ingest service.
func NewIngest(cfg IngestConfig, c Client, pub Publisher, clk clock.Clock) *Ingest {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = time.Minute
	}
	return &Ingest{client: c, pub: pub, cfg: cfg, clock: clk, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (i *Ingest) SetLogger(logger Logger) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	i.logger = logger
}

func (i *Ingest) getLogger() Logger {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.logger
}

// Name implements service.Service.
func (i *Ingest) Name() string { return ServiceName }

// Connected reports the current connection state.
func (i *Ingest) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected
}

// Dropped returns the number of raw events the hub refused.
func (i *Ingest) Dropped() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dropped
}

// Run implements service.Service.
func (i *Ingest) Run(ctx context.Context, r service.Reporter) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.cfg.ReconnectInitial
	b.MaxInterval = i.cfg.ReconnectMax
	i.mu.Lock()
	i.backoff = b
	i.mu.Unlock()

	for {
		err := i.client.Stream(ctx, func(ev RawEvent) { i.handle(ctx, r, ev) })
		if ctx.Err() != nil {
			i.disconnected(ctx, r, nil)
			return nil
		}
		if errors.Is(err, ErrStreamActive) {
			return err
		}
		if err == nil {
			err = ErrNotConnected
		}
		i.disconnected(ctx, r, err)

		i.mu.Lock()
		delay := i.backoff.NextBackOff()
		i.mu.Unlock()
		i.getLogger().Warn("transport stream ended, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-i.clock.After(delay):
		}
	}
}

func (i *Ingest) handle(ctx context.Context, r service.Reporter, ev RawEvent) {
	switch ev.Kind {
	case RawConnected:
		i.mu.Lock()
		reconnect := i.everConnected
		i.connected, i.everConnected = true, true
		i.backoff.Reset()
		i.mu.Unlock()
		r.Ready()
		i.publish(ctx, event.New(event.TopicTransportConnected, &event.Connection{Connected: true, Reconnect: reconnect}))
		i.getLogger().Info("transport connected", "reconnect", reconnect)

	case RawDisconnected:
		i.disconnected(ctx, r, ev.Err)

	default:
		env, ok := Envelope(ev)
		if !ok {
			i.getLogger().Debug("ignoring raw event", "kind", ev.Kind.String())
			return
		}
		i.publish(ctx, env)
	}
}

func (i *Ingest) disconnected(ctx context.Context, r service.Reporter, cause error) {
	i.mu.Lock()
	was := i.connected
	i.connected = false
	i.mu.Unlock()
	if !was {
		return
	}

	if cause == nil {
		cause = ErrNotConnected
	}
	payload := &event.Connection{Connected: false, Error: cause.Error()}
	if ctx.Err() != nil {
		// Shutting down: still announce the loss, bounded by a fresh deadline.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
	} else {
		r.Degraded(cause)
	}
	i.publish(ctx, event.New(event.TopicTransportDisconnected, payload))
	i.getLogger().Warn("transport disconnected", "error", cause)
}

func (i *Ingest) publish(ctx context.Context, env event.Envelope) {
	if _, err := i.pub.Publish(ctx, env); err != nil {
		i.mu.Lock()
		i.dropped++
		logger := i.logger
		i.mu.Unlock()
		logger.Warn("raw event not published", "topic", env.Topic, "error", err)
	}
}

// Envelope converts a state, service call or custom raw event into an
// unsequenced envelope.
func Envelope(ev RawEvent) (event.Envelope, bool) {
	switch ev.Kind {
	case RawStateChanged:
		if ev.EntityID == "" {
			return event.Envelope{}, false
		}
		return event.New(event.StateTopic(ev.EntityID), &event.StateChange{
			EntityID: ev.EntityID,
			Old:      ev.Old,
			New:      ev.New,
		}), true
	case RawServiceCall:
		return event.New(event.ServiceCallTopic(ev.Domain, ev.Service), &event.ServiceCall{
			Domain:  ev.Domain,
			Service: ev.Service,
			Data:    ev.Data,
		}), true
	case RawCustom:
		return event.New(event.CustomTopic(ev.Name), &event.Custom{Name: ev.Name, Data: ev.Data}), true
	default:
		return event.Envelope{}, false
	}
}
