package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
)

// Scene represents a predefined collection of service calls that are
// activated together. Actions execute in parallel or sequentially based on
// the Parallel flag, with optional delays.
type Scene struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// Actions to execute (ordered)
	Actions []Action `json:"actions"`

	// Triggers that activate the scene besides scene.turn_on
	Triggers []Trigger `json:"triggers,omitempty"`
}

// Action defines a single service call within a scene.
//
// When Parallel is true, the action runs concurrently with the previous
// action's group. When false, it starts a new sequential group.
type Action struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"data,omitempty"`

	// Delay before executing
	Delay time.Duration `json:"delay"`

	// When true, runs concurrently with previous action
	Parallel bool `json:"parallel"`

	// When true, scene continues even if this action fails (default false: fail-fast)
	ContinueOnError bool `json:"continue_on_error"`
}

// Trigger activates a scene. Exactly one of Event, Cron or Entity is set.
type Trigger struct {
	Event    string        `json:"event,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	Entity   string        `json:"entity,omitempty"`
	To       string        `json:"to,omitempty"`
	Debounce time.Duration `json:"debounce,omitempty"`
}

// Type reports which activation path the trigger uses.
func (t Trigger) Type() TriggerType {
	switch {
	case t.Event != "":
		return TriggerEvent
	case t.Cron != "":
		return TriggerSchedule
	case t.Entity != "":
		return TriggerState
	default:
		return ""
	}
}

// TriggerType identifies how a scene was activated.
type TriggerType string

const (
	TriggerManual      TriggerType = "manual"
	TriggerEvent       TriggerType = "event"
	TriggerSchedule    TriggerType = "schedule"
	TriggerState       TriggerType = "state"
	TriggerServiceCall TriggerType = "service_call"
)

// Execution tracks a single activation of a scene.
type Execution struct {
	ID            string          `json:"id"`
	SceneID       string          `json:"scene_id"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	CompletedAt   time.Time       `json:"completed_at"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerSource string          `json:"trigger_source,omitempty"`
	Status        ExecutionStatus `json:"status"`

	// Action counts
	ActionsTotal     int `json:"actions_total"`
	ActionsCompleted int `json:"actions_completed"`
	ActionsFailed    int `json:"actions_failed"`
	ActionsSkipped   int `json:"actions_skipped"`

	// Failure details (populated when actions fail)
	Failures []ActionFailure `json:"failures,omitempty"`

	Duration time.Duration `json:"duration"`
}

// ActionFailure records details of a failed action within an execution.
type ActionFailure struct {
	ActionIndex int    `json:"action_index"`
	Service     string `json:"service"`
	ErrorMsg    string `json:"error_message"`
}

// ExecutionStatus represents the outcome of a scene execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusPartial   ExecutionStatus = "partial"   // Some actions failed, but scene continued
	StatusFailed    ExecutionStatus = "failed"    // Critical action failed, scene aborted
	StatusCancelled ExecutionStatus = "cancelled" // Context cancelled mid-execution
)

// FromConfig converts and validates the configured scenes. Scene IDs must
// be unique; a missing enabled flag means enabled.
func FromConfig(cfgs []config.SceneConfig) ([]Scene, error) {
	scenes := make([]Scene, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))

	for i, sc := range cfgs {
		s := Scene{
			ID:      sc.ID,
			Name:    sc.Name,
			Enabled: sc.Enabled == nil || *sc.Enabled,
		}
		if s.Name == "" {
			s.Name = s.ID
		}

		for j, ac := range sc.Actions {
			domain, svc, ok := strings.Cut(ac.Service, ".")
			if !ok || domain == "" || svc == "" {
				return nil, fmt.Errorf("scenes[%d] action[%d]: %w: service %q must be domain.service",
					i, j, ErrInvalidAction, ac.Service)
			}
			s.Actions = append(s.Actions, Action{
				Domain:          domain,
				Service:         svc,
				Data:            deepCopyMap(ac.Data),
				Delay:           ac.Delay,
				Parallel:        ac.Parallel,
				ContinueOnError: ac.ContinueOnError,
			})
		}

		for _, tc := range sc.Triggers {
			s.Triggers = append(s.Triggers, Trigger{
				Event:    tc.Event,
				Cron:     tc.Cron,
				Entity:   tc.Entity,
				To:       tc.To,
				Debounce: tc.Debounce,
			})
		}

		if err := ValidateScene(&s); err != nil {
			return nil, fmt.Errorf("scenes[%d]: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("scenes[%d]: %w: %s", i, ErrSceneExists, s.ID)
		}
		seen[s.ID] = struct{}{}
		scenes = append(scenes, s)
	}
	return scenes, nil
}

// DeepCopy creates a complete independent copy of the Scene.
func (s *Scene) DeepCopy() *Scene {
	if s == nil {
		return nil
	}

	cpy := *s
	if s.Actions != nil {
		cpy.Actions = make([]Action, len(s.Actions))
		for i, action := range s.Actions {
			cpy.Actions[i] = action
			cpy.Actions[i].Data = deepCopyMap(action.Data)
		}
	}
	if s.Triggers != nil {
		cpy.Triggers = append([]Trigger(nil), s.Triggers...)
	}
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
