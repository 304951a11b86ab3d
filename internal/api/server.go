package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
	"github.com/nerrad567/gray-logic-runtime/internal/state"
)

// ServiceName is the managed service name of the API server.
const ServiceName = "api"

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Logger defines the logging interface used by the server.
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

// BusView is the part of the bus the server reads and feeds from.
type BusView interface {
	Subscribe(pattern string, handler bus.Handler, opts ...bus.Option) (*bus.Subscription, error)
	Subscriptions() []bus.Info
}

// SchedulerView lists jobs and recent executions.
type SchedulerView interface {
	Jobs() []scheduler.JobInfo
	History(limit int) []scheduler.ExecutionRecord
}

// ServiceView lists managed services.
type ServiceView interface {
	Services() []coordinator.ServiceInfo
}

// HistoryView reads persisted execution and crash records.
type HistoryView interface {
	Executions(ctx context.Context, jobID string, limit int) ([]scheduler.ExecutionRecord, error)
	Crashes(ctx context.Context, service string, limit int) ([]coordinator.CrashRecord, error)
}

// MetricsView exposes the Prometheus handler and records request metrics.
type MetricsView interface {
	Handler() http.Handler
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Deps holds the dependencies required by the API server. History and
// Metrics are optional.
type Deps struct {
	Config    config.APIConfig
	Logger    Logger
	Bus       BusView
	Scheduler SchedulerView
	Services  ServiceView
	States    state.Reader
	History   HistoryView
	Metrics   MetricsView
	Clock     clock.Clock
	Version   string
}

// Server is the observability HTTP server.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Run may only be active once at a time.
type Server struct {
	cfg       config.APIConfig
	logger    Logger
	bus       BusView
	scheduler SchedulerView
	services  ServiceView
	states    state.Reader
	history   HistoryView
	metrics   MetricsView
	clock     clock.Clock
	version   string
	startedAt time.Time
	feed      *Feed

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server does not listen until Run is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Bus == nil:
		return nil, fmt.Errorf("bus is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case deps.Services == nil:
		return nil, fmt.Errorf("service view is required")
	case deps.States == nil:
		return nil, fmt.Errorf("state reader is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		bus:       deps.Bus,
		scheduler: deps.Scheduler,
		services:  deps.Services,
		states:    deps.States,
		history:   deps.History,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		version:   deps.Version,
		startedAt: deps.Clock.Now(),
		feed:      NewFeed(deps.Config.WebSocket, deps.Logger),
	}, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return ServiceName }

// Feed returns the WebSocket envelope feed.
func (s *Server) Feed() *Feed { return s.feed }

// Addr returns the bound listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setAddr(a net.Addr) {
	s.mu.Lock()
	s.addr = a
	s.mu.Unlock()
}

// Run implements service.Service. It binds the listener, subscribes the
// feed to every topic and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, r service.Reporter) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	sub, err := s.bus.Subscribe(event.AllTopics, s.feed.Broadcast,
		bus.WithOwner(ServiceName),
		bus.WithName("api.feed"),
		bus.WithPriority(bus.PriorityInfrastructure),
	)
	if err != nil {
		ln.Close() //nolint:errcheck // listener was never served
		return fmt.Errorf("subscribing feed: %w", err)
	}
	defer sub.Cancel()

	s.feed.open()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	s.setAddr(ln.Addr())
	defer s.setAddr(nil)
	s.logger.Info("API server listening", "address", ln.Addr().String())
	r.Ready()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		s.feed.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving API: %w", err)
	}

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.feed.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
