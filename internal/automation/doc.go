// Package automation provides the scene app of the runtime.
//
// Scenes are named collections of service calls that execute together.
// Each scene contains ordered actions that can run in parallel or
// sequentially, with optional delays, and a set of triggers that activate
// it: a custom event, a state change of an entity, a cron schedule, or a
// scene.turn_on service call from the remote source.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────┐
//	│                     App (app.go)                       │
//	│  Binds scene triggers through an owner-scoped context  │
//	│        │                                              │
//	│        ▼                                              │
//	│  ┌──────────────────────────────────────────────┐    │
//	│  │  Engine (engine.go)                           │    │
//	│  │  1. Group actions by parallel flag            │    │
//	│  │  2. Execute groups: goroutines + WaitGroup    │    │
//	│  │  3. Call services through the transport       │    │
//	│  │  4. Record the execution                      │    │
//	│  │  5. Fire a scene_activated event              │    │
//	│  └──────────────────────────────────────────────┘    │
//	└───────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Scene: Named collection of actions and triggers
//   - Action: One service call (domain, service, data)
//   - Execution: Record of a scene activation
//   - Engine: Runs scenes against a service caller
//   - App: Hosted app wiring triggers to the engine
//
// # Thread Safety
//
// Engine and App are safe for concurrent use from multiple goroutines.
//
// # Usage
//
//	scenes, err := automation.FromConfig(cfg.Apps.Scenes)
//	if err != nil {
//	    return err
//	}
//	host.Register(automation.NewApp(scenes, clk))
package automation
