package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// ServiceName is the managed service name of the sink.
const ServiceName = "telemetry"

// Measurements.
const (
	MeasurementState     = "entity_state"
	MeasurementJob       = "job_execution"
	MeasurementLifecycle = "service_status"
)

// Logger defines the logging interface used by the sink.
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

// Writer is a batching point writer.
type Writer interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
	Flush()
	Close() error
}

// Dialer opens a Writer.
type Dialer func(ctx context.Context) (Writer, error)

// DialInfluxDB returns a Dialer for the configured server. Asynchronous
// write failures are logged.
func DialInfluxDB(cfg config.InfluxDBConfig, logger Logger) Dialer {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(ctx context.Context) (Writer, error) {
		c, err := influxdb.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.SetOnError(func(err error) {
			logger.Warn("telemetry write failed", "error", err)
		})
		return c, nil
	}
}

// Subscriber is the part of the bus the sink needs.
type Subscriber interface {
	Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error)
}

// Point is one time-series sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Sink forwards envelopes to a Writer.
type Sink struct {
	dial   Dialer
	bus    Subscriber
	logger Logger

	written atomic.Uint64
	skipped atomic.Uint64
}

// New creates the sink.
func New(dial Dialer, b Subscriber) *Sink {
	return &Sink{dial: dial, bus: b, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (s *Sink) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Name implements service.Service.
func (s *Sink) Name() string { return ServiceName }

// Written returns the number of points handed to the writer.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Run implements service.Service. A failed connection ends the run so the
// watcher retries it.
func (s *Sink) Run(ctx context.Context, r service.Reporter) error {
	w, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting telemetry writer: %w", err)
	}
	defer func() {
		w.Flush()
		if err := w.Close(); err != nil {
			s.logger.Warn("closing telemetry writer", "error", err)
		}
	}()

	handler := func(_ context.Context, env event.Envelope) error {
		p, ok := ToPoint(env)
		if !ok {
			s.skipped.Add(1)
			return nil
		}
		w.WritePoint(p.Measurement, p.Tags, p.Fields, p.Time)
		s.written.Add(1)
		return nil
	}

	for _, pattern := range []string{event.AllStates, event.TopicSchedulerFinished, event.AllLifecycle} {
		sub, err := s.bus.Subscribe(pattern, handler,
			bus.WithOwner(ServiceName),
			bus.WithName("telemetry."+pattern),
			bus.WithSerial(),
		)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
		defer sub.Cancel()
	}

	r.Ready()
	s.logger.Info("telemetry sink running")
	<-ctx.Done()
	return nil
}

// ToPoint converts a state change, job completion or lifecycle envelope.
func ToPoint(env event.Envelope) (Point, bool) {
	switch p := env.Payload.(type) {
	case *event.StateChange:
		return statePoint(p, env.Timestamp)
	case *event.SchedulerFinished:
		fields := map[string]any{"duration_ms": float64(p.Duration) / float64(time.Millisecond)}
		if p.Error != "" {
			fields["error"] = p.Error
		}
		return Point{
			Measurement: MeasurementJob,
			Tags:        map[string]string{"job_id": p.JobID, "status": p.Status},
			Fields:      fields,
			Time:        env.Timestamp,
		}, true
	case *event.Lifecycle:
		return Point{
			Measurement: MeasurementLifecycle,
			Tags:        map[string]string{"service": p.Service, "status": p.Status.Slug()},
			Fields: map[string]any{
				"attempt":        p.Attempt,
				"running_for_ms": p.RunningFor.Milliseconds(),
				"terminal":       p.Terminal,
			},
			Time: env.Timestamp,
		}, true
	default:
		return Point{}, false
	}
}

func statePoint(c *event.StateChange, ts time.Time) (Point, bool) {
	if c.New == nil {
		return Point{}, false
	}
	fields := make(map[string]any, len(c.New.Attributes)+1)
	if v, err := strconv.ParseFloat(c.New.Value, 64); err == nil {
		fields["value"] = v
	} else {
		fields["state"] = c.New.Value
	}
	for k, v := range c.New.Attributes {
		switch n := v.(type) {
		case float64, float32, int, int64, bool:
			fields["attr_"+k] = n
		}
	}
	if !c.New.LastUpdated.IsZero() {
		ts = c.New.LastUpdated
	}
	return Point{
		Measurement: MeasurementState,
		Tags:        map[string]string{"entity_id": c.EntityID, "domain": event.Domain(c.EntityID)},
		Fields:      fields,
		Time:        ts,
	}, true
}
