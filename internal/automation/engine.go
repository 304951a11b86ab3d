package automation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
)

// maxSceneExecutionTime is the hard limit for a single scene activation.
const maxSceneExecutionTime = 60 * time.Second

// maxRecentExecutions bounds the in-memory execution log.
const maxRecentExecutions = 100

// Logger defines the logging interface used by the engine.
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

// Caller invokes services on the remote source.
type Caller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Engine orchestrates scene execution.
//
// It groups actions by parallel flag, executes groups sequentially (with
// parallel actions within each group), calls services through the caller
// and keeps a bounded log of recent executions.
//
// Thread Safety: Activate is safe for concurrent use.
type Engine struct {
	scenes map[string]*Scene
	order  []string
	caller Caller
	clock  clock.Clock
	logger Logger

	// onComplete is invoked after every finished execution.
	onComplete func(ctx context.Context, s *Scene, exec *Execution)

	mu     sync.Mutex
	recent []Execution
}

// NewEngine creates a new scene engine. Scenes are validated and
// copied; caller may be nil, in which case every activation fails with
// ErrCallerUnavailable.
func NewEngine(scenes []Scene, caller Caller, clk clock.Clock, logger Logger) (*Engine, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	e := &Engine{
		scenes: make(map[string]*Scene, len(scenes)),
		caller: caller,
		clock:  clk,
		logger: logger,
	}
	for i := range scenes {
		s := scenes[i].DeepCopy()
		if err := ValidateScene(s); err != nil {
			return nil, fmt.Errorf("scene %q: %w", s.ID, err)
		}
		if _, dup := e.scenes[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrSceneExists, s.ID)
		}
		e.scenes[s.ID] = s
		e.order = append(e.order, s.ID)
	}
	return e, nil
}

// Scene returns a copy of the scene with id.
func (e *Engine) Scene(id string) (*Scene, error) {
	s, ok := e.scenes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return s.DeepCopy(), nil
}

// Scenes returns copies of all scenes in configuration order.
func (e *Engine) Scenes() []*Scene {
	out := make([]*Scene, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.scenes[id].DeepCopy())
	}
	return out
}

// Recent returns up to limit recent executions, newest first. A limit of
// zero or less returns all retained executions.
func (e *Engine) Recent(limit int) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Execution, 0, n)
	for i := len(e.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Activate runs the scene with sceneID and returns its execution record.
//
// Returns:
//   - ErrSceneNotFound if the scene doesn't exist
//   - ErrSceneDisabled if the scene is disabled
//   - ErrCallerUnavailable if no caller is set
//
// Action failures do not produce an error; they are reported through the
// execution status and Failures.
func (e *Engine) Activate(ctx context.Context, sceneID string, triggerType TriggerType, triggerSource string) (*Execution, error) {
	scene, ok := e.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	if !scene.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrSceneDisabled, sceneID)
	}
	if e.caller == nil {
		return nil, ErrCallerUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, maxSceneExecutionTime)
	defer cancel()

	started := e.clock.Now().UTC()
	exec := &Execution{
		ID:            GenerateID(),
		SceneID:       sceneID,
		TriggeredAt:   started,
		TriggerType:   triggerType,
		TriggerSource: triggerSource,
		Status:        StatusRunning,
		ActionsTotal:  len(scene.Actions),
	}

	e.logger.Info("scene activation started",
		"scene_id", sceneID,
		"execution_id", exec.ID,
		"trigger", triggerType,
		"actions", len(scene.Actions),
	)

	var (
		failures  []ActionFailure
		completed int
		failed    int
		skipped   int
		aborted   bool
		offset    int
	)

	for _, group := range groupActions(scene.Actions) {
		base := offset
		offset += len(group)

		if aborted {
			skipped += len(group)
			continue
		}

		// Check context cancellation between groups
		if ctx.Err() != nil {
			skipped += len(group)
			exec.Status = StatusCancelled
			aborted = true
			continue
		}

		groupFailures := e.executeGroup(ctx, sceneID, base, group)
		completed += len(group) - len(groupFailures)
		failed += len(groupFailures)
		failures = append(failures, groupFailures...)

		for _, gf := range groupFailures {
			if !scene.Actions[gf.ActionIndex].ContinueOnError {
				aborted = true
				break
			}
		}
	}

	slices.SortFunc(failures, func(a, b ActionFailure) int { return a.ActionIndex - b.ActionIndex })

	exec.CompletedAt = e.clock.Now().UTC()
	exec.Duration = exec.CompletedAt.Sub(started)
	exec.ActionsCompleted = completed
	exec.ActionsFailed = failed
	exec.ActionsSkipped = skipped
	exec.Failures = failures

	switch {
	case exec.Status == StatusCancelled:
	case failed > 0 && aborted:
		exec.Status = StatusFailed
	case failed > 0:
		exec.Status = StatusPartial
	default:
		exec.Status = StatusCompleted
	}

	e.record(*exec)

	e.logger.Info("scene activation complete",
		"scene_id", sceneID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"completed", completed,
		"failed", failed,
		"skipped", skipped,
		"duration", exec.Duration,
	)

	if e.onComplete != nil {
		e.onComplete(context.WithoutCancel(ctx), scene, exec)
	}
	return exec, nil
}

func (e *Engine) record(exec Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recent) == maxRecentExecutions {
		e.recent = slices.Delete(e.recent, 0, 1)
	}
	e.recent = append(e.recent, exec)
}

// executeGroup executes all actions in a group concurrently. base is the
// scene index of the group's first action.
func (e *Engine) executeGroup(ctx context.Context, sceneID string, base int, actions []Action) []ActionFailure {
	var (
		mu       sync.Mutex
		failures []ActionFailure
		wg       sync.WaitGroup
	)

	for i, action := range actions {
		wg.Add(1)
		go func(idx int, a Action) {
			defer wg.Done()

			if err := e.executeAction(ctx, sceneID, a); err != nil {
				mu.Lock()
				failures = append(failures, ActionFailure{
					ActionIndex: idx,
					Service:     a.Domain + "." + a.Service,
					ErrorMsg:    err.Error(),
				})
				mu.Unlock()
			}
		}(base+i, action)
	}

	wg.Wait()
	return failures
}

// executeAction waits out the action delay and calls its service.
func (e *Engine) executeAction(ctx context.Context, sceneID string, action Action) error {
	if action.Delay > 0 {
		select {
		case <-e.clock.After(action.Delay):
		case <-ctx.Done():
			return fmt.Errorf("action delayed: %w", ctx.Err())
		}
	}

	// Each call gets its own copy so parallel callers never share a map.
	if err := e.caller.CallService(ctx, action.Domain, action.Service, deepCopyMap(action.Data)); err != nil {
		return fmt.Errorf("calling %s.%s: %w", action.Domain, action.Service, err)
	}

	e.logger.Debug("scene action called",
		"scene_id", sceneID,
		"domain", action.Domain,
		"service", action.Service,
	)
	return nil
}

// groupActions splits actions into sequential groups based on the Parallel flag.
//
// The first action always starts a new group. Subsequent actions with
// Parallel=true join the current group; Parallel=false starts a new group.
//
// Example:
//
//	actions: [A(parallel=false), B(parallel=true), C(parallel=true), D(parallel=false)]
//	groups:  [[A, B, C], [D]]
//
// Group 1 (A, B, C) executes concurrently, then group 2 (D) executes after.
func groupActions(actions []Action) [][]Action {
	if len(actions) == 0 {
		return nil
	}

	var groups [][]Action
	current := []Action{actions[0]}

	for _, action := range actions[1:] {
		if action.Parallel {
			current = append(current, action)
		} else {
			groups = append(groups, current)
			current = []Action{action}
		}
	}
	groups = append(groups, current)
	return groups
}
