package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/api"
	"github.com/nerrad567/gray-logic-runtime/internal/app"
	"github.com/nerrad567/gray-logic-runtime/internal/automation"
	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/history"
	"github.com/nerrad567/gray-logic-runtime/internal/hub"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-runtime/internal/metrics"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
	"github.com/nerrad567/gray-logic-runtime/internal/state"
	"github.com/nerrad567/gray-logic-runtime/internal/telemetry"
	"github.com/nerrad567/gray-logic-runtime/internal/transport"
	"github.com/nerrad567/gray-logic-runtime/internal/watcher"
)

// pruneJobName is the scheduler job that trims persisted history.
const pruneJobName = "history.prune"

// runtime is the assembled service graph.
type runtime struct {
	hub   *hub.Hub
	bus   *bus.Bus
	sched *scheduler.Scheduler
	cache *state.Cache
	coord *coordinator.Coordinator
	store history.Store
	log   *logging.Logger
}

// offlineFetcher is the state source when no transport is configured.
type offlineFetcher struct{}

func (offlineFetcher) FetchStates(context.Context) ([]*event.EntityState, error) { return nil, nil }

// build wires every component from cfg. Nothing runs until the
// coordinator is started.
func build(ctx context.Context, cfg *config.Config, log *logging.Logger) (*runtime, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading site timezone: %w", err)
	}
	m := metrics.New()

	h, err := hub.NewHub(hub.Config{
		BufferSize:     cfg.Hub.BufferSize,
		Overflow:       hub.OverflowPolicy(cfg.Hub.OverflowPolicy),
		PublishTimeout: cfg.Hub.PublishTimeout,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating event hub: %w", err)
	}
	h.SetLogger(log.With("component", "hub"))
	h.SetObserver(m)

	rt := &runtime{hub: h, log: log}

	b, err := bus.New(bus.Config{Workers: cfg.Bus.Workers, DrainTimeout: cfg.Bus.DrainTimeout}, h, nil)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("creating bus: %w", err)
	}
	b.SetLogger(log.With("component", "bus"))
	b.SetObserver(m)
	rt.bus = b

	sched := scheduler.New(scheduler.Config{
		TickResolution: cfg.Scheduler.TickResolution,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: cfg.Scheduler.DefaultJobTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Location:       loc,
		FallBack:       scheduler.FallBackPolicy(cfg.Scheduler.DSTFallBack),
	}, nil)
	sched.SetLogger(log.With("component", "scheduler"))
	sched.SetPublisher(h)
	sched.SetObserver(m)
	rt.sched = sched

	coord := coordinator.New(coordinator.Config{
		ReadyTimeout:   cfg.Coordinator.ReadyTimeout,
		GracePeriod:    cfg.Coordinator.GracePeriod,
		PublishTimeout: cfg.Coordinator.PublishTimeout,
	}, h, nil)
	coord.SetLogger(log.With("component", "coordinator"))
	coord.SetObserver(m)
	rt.coord = coord

	store, err := history.Open(ctx, cfg.History, log.With("component", "history"))
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	if store != nil {
		rt.store = store
		sched.SetRecorder(store)
		coord.SetCrashRecorder(store)
		log.Info("history store opened", "backend", cfg.History.Backend, "path", cfg.History.Path)

		// Badger expires records by TTL.
		if cfg.History.Backend == history.BackendSQLite && cfg.History.Retention > 0 {
			prune := history.PruneJob(store, cfg.History.Retention, time.Now, log.With("component", "history"))
			if _, err := sched.RunHourly(prune, 1, scheduler.Immediately(),
				scheduler.WithJobName(pruneJobName), scheduler.WithJobOwner("history")); err != nil {
				rt.close()
				return nil, fmt.Errorf("scheduling history prune: %w", err)
			}
		}
	}

	var (
		fetcher state.Fetcher = offlineFetcher{}
		caller  transport.Caller
		ingest  *transport.Ingest
	)
	if mq := cfg.Transport.MQTT; mq.Enabled {
		tlog := log.With("component", "transport")
		client := transport.NewRetrying(
			transport.NewMQTT(mq, transport.DialMQTT(mq, tlog), nil),
			transport.RetryPolicy{
				MaxTries:        mq.Retry.MaxTries,
				InitialInterval: mq.Retry.InitialInterval,
				MaxInterval:     mq.Retry.MaxInterval,
			})
		client.SetLogger(tlog)
		ingest = transport.NewIngest(transport.IngestConfig{
			ReconnectInitial: mq.Reconnect.InitialDelay,
			ReconnectMax:     mq.Reconnect.MaxDelay,
		}, client, h, nil)
		ingest.SetLogger(tlog)
		fetcher, caller = client, client
	} else {
		log.Warn("transport disabled, state cache starts empty and service calls are rejected")
	}

	cache, err := state.New(state.Config{ResyncRetry: cfg.State.ResyncRetry}, fetcher, b, nil)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("creating state cache: %w", err)
	}
	cache.SetLogger(log.With("component", "state"))
	rt.cache = cache

	w := watcher.New(cfg.RestartPolicy(), coord, b, nil)
	w.SetLogger(log.With("component", "watcher"))
	w.SetObserver(m)

	scenes, err := automation.FromConfig(cfg.Apps.Scenes)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("loading scenes: %w", err)
	}
	host := app.NewHost(app.Deps{
		Bus:              b,
		Scheduler:        sched,
		States:           cache,
		Caller:           caller,
		Logger:           log.With("component", "apps"),
		TerminateTimeout: cfg.Apps.TerminateTimeout,
	})
	if err := host.Register(automation.NewApp(scenes, nil)); err != nil {
		rt.close()
		return nil, fmt.Errorf("registering scene app: %w", err)
	}

	stateDeps := []string{bus.ServiceName}
	specs := []registration{
		{svc: b, spec: coordinator.Spec{Essential: true}},
		{svc: w, spec: coordinator.Spec{DependsOn: []string{bus.ServiceName}, Essential: true}},
		{svc: sched, spec: coordinator.Spec{DependsOn: []string{bus.ServiceName}}},
	}
	if ingest != nil {
		specs = append(specs, registration{svc: ingest, spec: coordinator.Spec{DependsOn: []string{bus.ServiceName}}})
		if cfg.ServiceEnabled(transport.ServiceName) {
			stateDeps = append(stateDeps, transport.ServiceName)
		}
	}
	specs = append(specs, registration{svc: cache, spec: coordinator.Spec{DependsOn: stateDeps}})

	if cfg.InfluxDB.Enabled {
		sink := telemetry.New(telemetry.DialInfluxDB(cfg.InfluxDB, log.With("component", "telemetry")), b)
		sink.SetLogger(log.With("component", "telemetry"))
		specs = append(specs, registration{svc: sink, spec: coordinator.Spec{DependsOn: []string{bus.ServiceName}}})
	}

	core := []string{bus.ServiceName, scheduler.ServiceName, state.ServiceName}
	specs = append(specs, registration{svc: host, spec: coordinator.Spec{DependsOn: core}})

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			Logger:    log.With("component", "api"),
			Bus:       b,
			Scheduler: sched,
			Services:  coord,
			States:    cache,
			Metrics:   m,
			Version:   version,
		}
		if store != nil {
			deps.History = store
		}
		srv, err := api.New(deps)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("creating API server: %w", err)
		}
		specs = append(specs, registration{svc: srv, spec: coordinator.Spec{DependsOn: core}})
	}

	for _, r := range specs {
		name := r.svc.Name()
		if !cfg.ServiceEnabled(name) {
			log.Info("service disabled by configuration", "service", name)
			continue
		}
		if err := coord.Add(r.svc, withOverrides(r.spec, cfg.Service(name))); err != nil {
			rt.close()
			return nil, fmt.Errorf("registering service %s: %w", name, err)
		}
	}
	if err := coord.Validate(); err != nil {
		rt.close()
		return nil, fmt.Errorf("validating service graph: %w", err)
	}

	return rt, nil
}

// registration pairs a service with its built-in spec.
type registration struct {
	svc  service.Service
	spec coordinator.Spec
}

// withOverrides applies the non-zero fields of o to spec.
func withOverrides(spec coordinator.Spec, o config.ServiceConfig) coordinator.Spec {
	if o.DependsOn != nil {
		spec.DependsOn = o.DependsOn
	}
	if o.Essential != nil {
		spec.Essential = *o.Essential
	}
	if o.ReadyTimeout > 0 {
		spec.ReadyTimeout = o.ReadyTimeout
	}
	if o.GracePeriod > 0 {
		spec.GracePeriod = o.GracePeriod
	}
	if o.Restart != nil {
		p := o.Restart.Policy()
		spec.Restart = &p
	}
	return spec
}

// close releases what the coordinator does not own. It is safe after a
// partial build.
func (rt *runtime) close() {
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Error("error closing history store", "error", err)
		}
	}
}
