package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-runtime/internal/app"
	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/predicate"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
)

// AppName is the name the scene app registers under.
const AppName = "scenes"

// ActivatedEvent is the custom event fired after every scene execution.
const ActivatedEvent = "scene_activated"

// Scene activation through the remote source.
const (
	sceneDomain   = "scene"
	turnOnService = "turn_on"
)

// App is the hosted app that binds scene triggers to an Engine.
type App struct {
	scenes []Scene
	clock  clock.Clock

	mu     sync.RWMutex
	engine *Engine
}

// NewApp creates the scene app for scenes.
func NewApp(scenes []Scene, clk clock.Clock) *App {
	return &App{scenes: scenes, clock: clk}
}

// Name implements app.App.
func (a *App) Name() string { return AppName }

// Engine returns the engine of the current run, or nil before Initialize.
func (a *App) Engine() *Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

// Initialize implements app.App. A fresh engine is built on every start so
// a restarted host never sees executions or bindings of a previous run.
func (a *App) Initialize(c *app.Context) error {
	engine, err := NewEngine(a.scenes, c, a.clock, c.Logger())
	if err != nil {
		return err
	}
	engine.onComplete = func(ctx context.Context, s *Scene, exec *Execution) {
		data := map[string]any{
			"scene_id":     s.ID,
			"scene_name":   s.Name,
			"execution_id": exec.ID,
			"status":       string(exec.Status),
			"trigger":      string(exec.TriggerType),
		}
		if err := c.Fire(ctx, ActivatedEvent, data); err != nil {
			c.Logger().Warn("scene activated event not published", "scene_id", s.ID, "error", err)
		}
	}

	for _, s := range engine.Scenes() {
		if !s.Enabled {
			continue
		}
		for i, t := range s.Triggers {
			if err := a.bind(c, engine, s.ID, t); err != nil {
				return fmt.Errorf("scene %s trigger[%d]: %w", s.ID, i, err)
			}
		}
	}

	_, err = c.Subscribe(event.ServiceCallTopic(sceneDomain, turnOnService),
		func(ctx context.Context, env event.Envelope) error {
			return a.turnOn(ctx, engine, env)
		},
		bus.WithName("scenes.turn_on"))
	if err != nil {
		return fmt.Errorf("subscribing to %s.%s: %w", sceneDomain, turnOnService, err)
	}

	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()

	c.Logger().Info("scenes loaded", "count", len(a.scenes))
	return nil
}

func (a *App) bind(c *app.Context, engine *Engine, sceneID string, t Trigger) error {
	name := "scene:" + sceneID

	switch t.Type() {
	case TriggerEvent:
		_, err := c.OnEvent(t.Event, func(ctx context.Context, env event.Envelope) error {
			return a.activate(ctx, engine, sceneID, TriggerEvent, env.Topic)
		}, bus.WithName(name))
		return err

	case TriggerState:
		opts := []bus.Option{bus.WithName(name)}
		if t.To != "" {
			opts = append(opts, bus.WithPredicate(predicate.ChangedTo(t.To)))
		}
		if t.Debounce > 0 {
			opts = append(opts, bus.WithDebounce(t.Debounce))
		}
		_, err := c.OnStateChange(t.Entity, func(ctx context.Context, env event.Envelope) error {
			entity, _ := event.EntityID(env.Topic)
			return a.activate(ctx, engine, sceneID, TriggerState, entity)
		}, opts...)
		return err

	case TriggerSchedule:
		_, err := c.RunCron(func(ctx context.Context) error {
			return a.activate(ctx, engine, sceneID, TriggerSchedule, t.Cron)
		}, t.Cron, scheduler.Immediately(),
			scheduler.WithJobName(name), scheduler.WithTimeout(maxSceneExecutionTime))
		return err

	default:
		return ErrInvalidTrigger
	}
}

// turnOn activates the scene named by a scene.turn_on call. The scene is
// taken from scene_id, or from an entity_id of the form scene.<id>.
func (a *App) turnOn(ctx context.Context, engine *Engine, env event.Envelope) error {
	call, ok := event.As[*event.ServiceCall](env)
	if !ok || call == nil {
		return nil
	}
	id, _ := call.Data["scene_id"].(string)
	if id == "" {
		entity, _ := call.Data["entity_id"].(string)
		id, _ = strings.CutPrefix(entity, sceneDomain+".")
	}
	if id == "" {
		return fmt.Errorf("%w: scene.turn_on without scene_id", ErrSceneNotFound)
	}
	return a.activate(ctx, engine, id, TriggerServiceCall, env.Topic)
}

func (a *App) activate(ctx context.Context, engine *Engine, sceneID string, tt TriggerType, source string) error {
	exec, err := engine.Activate(ctx, sceneID, tt, source)
	if err != nil {
		return err
	}
	if exec.Status == StatusFailed {
		return fmt.Errorf("scene %s: %d of %d actions failed", sceneID, exec.ActionsFailed, exec.ActionsTotal)
	}
	return nil
}
