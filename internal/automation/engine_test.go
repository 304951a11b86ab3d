package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockCaller records service calls and fails the ones listed in failOn.
// When block is set, each call signals started and waits on block.
type mockCaller struct {
	mu      sync.Mutex
	calls   []call
	failOn  map[string]bool
	block   chan struct{}
	started chan struct{}
}

type call struct {
	Service string
	Data    map[string]any
}

func newMockCaller() *mockCaller {
	return &mockCaller{failOn: map[string]bool{}, started: make(chan struct{}, 64)}
}

func (m *mockCaller) CallService(ctx context.Context, domain, svc string, data map[string]any) error {
	if m.block != nil {
		m.started <- struct{}{}
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := call{Service: domain + "." + svc, Data: data}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	fail := m.failOn[c.Service]
	m.mu.Unlock()
	if fail {
		return errors.New("remote: service failed")
	}
	return nil
}

func (m *mockCaller) services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Service)
	}
	return out
}

func act(service string, parallel bool) Action {
	domain, svc, _ := strings.Cut(service, ".")
	return Action{Domain: domain, Service: svc, Parallel: parallel}
}

func newTestEngine(t *testing.T, caller Caller, clk clock.Clock, scenes ...Scene) *Engine {
	t.Helper()
	e, err := NewEngine(scenes, caller, clk, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestEngine_Activate_Success(t *testing.T) {
	caller := newMockCaller()
	engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
		ID: "cinema", Name: "Cinema", Enabled: true,
		Actions: []Action{
			{Domain: "light", Service: "turn_off", Data: map[string]any{"entity_id": "light.lounge"}},
			{Domain: "cover", Service: "close_cover", Data: map[string]any{"entity_id": "cover.lounge"}},
		},
	})

	exec, err := engine.Activate(context.Background(), "cinema", TriggerManual, "test")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if exec.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", exec.Status, StatusCompleted)
	}
	if exec.ActionsTotal != 2 || exec.ActionsCompleted != 2 || exec.ActionsFailed != 0 || exec.ActionsSkipped != 0 {
		t.Errorf("counts = %d/%d/%d/%d, want 2/2/0/0",
			exec.ActionsTotal, exec.ActionsCompleted, exec.ActionsFailed, exec.ActionsSkipped)
	}
	if exec.TriggerType != TriggerManual || exec.TriggerSource != "test" || exec.ID == "" {
		t.Errorf("execution metadata = %+v", exec)
	}
	if diff := cmp.Diff([]string{"light.turn_off", "cover.close_cover"}, caller.services()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got := caller.calls[0].Data["entity_id"]; got != "light.lounge" {
		t.Errorf("call data entity_id = %v, want light.lounge", got)
	}
}

func TestEngine_Activate_Errors(t *testing.T) {
	scenes := []Scene{
		{ID: "on", Name: "On", Enabled: true, Actions: []Action{act("light.turn_on", false)}},
		{ID: "off", Name: "Off", Enabled: false, Actions: []Action{act("light.turn_off", false)}},
	}

	tests := []struct {
		name    string
		caller  Caller
		sceneID string
		wantErr error
	}{
		{name: "not found", caller: newMockCaller(), sceneID: "missing", wantErr: ErrSceneNotFound},
		{name: "disabled", caller: newMockCaller(), sceneID: "off", wantErr: ErrSceneDisabled},
		{name: "no caller", caller: nil, sceneID: "on", wantErr: ErrCallerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.caller, clock.Fake(epoch), scenes...)
			if _, err := engine.Activate(context.Background(), tt.sceneID, TriggerManual, ""); !errors.Is(err, tt.wantErr) {
				t.Errorf("Activate() error = %v, want %v", err, tt.wantErr)
			}
			if got := engine.Recent(0); len(got) != 0 {
				t.Errorf("Recent() = %d executions, want 0", len(got))
			}
		})
	}
}

func TestEngine_Activate_ParallelGroupRunsConcurrently(t *testing.T) {
	caller := newMockCaller()
	caller.block = make(chan struct{})
	engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
		ID: "all_on", Name: "All On", Enabled: true,
		Actions: []Action{
			act("light.turn_on", false),
			act("switch.turn_on", true),
			act("fan.turn_on", true),
		},
	})

	done := make(chan *Execution, 1)
	go func() {
		exec, _ := engine.Activate(context.Background(), "all_on", TriggerManual, "")
		done <- exec
	}()

	// All three calls must be in flight at once; a sequential engine would
	// never start the second.
	for range 3 {
		select {
		case <-caller.started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for parallel calls")
		}
	}
	close(caller.block)

	exec := <-done
	if exec.Status != StatusCompleted || exec.ActionsCompleted != 3 {
		t.Errorf("execution = %+v, want 3 completed", exec)
	}
}

func TestEngine_Activate_SequentialOrder(t *testing.T) {
	caller := newMockCaller()
	engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
		ID: "ordered", Name: "Ordered", Enabled: true,
		Actions: []Action{
			act("cover.close_cover", false),
			act("light.turn_off", false),
			act("media_player.turn_on", false),
		},
	})

	if _, err := engine.Activate(context.Background(), "ordered", TriggerManual, ""); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	want := []string{"cover.close_cover", "light.turn_off", "media_player.turn_on"}
	if diff := cmp.Diff(want, caller.services()); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Activate_DelayUsesClock(t *testing.T) {
	clk := clock.Fake(epoch)
	caller := newMockCaller()
	engine := newTestEngine(t, caller, clk, Scene{
		ID: "late", Name: "Late", Enabled: true,
		Actions: []Action{{Domain: "light", Service: "turn_on", Delay: 30 * time.Second}},
	})

	done := make(chan *Execution, 1)
	go func() {
		exec, _ := engine.Activate(context.Background(), "late", TriggerManual, "")
		done <- exec
	}()

	clk.WaitForTimers(1)
	if got := caller.services(); len(got) != 0 {
		t.Fatalf("called before delay elapsed: %v", got)
	}
	clk.Advance(30 * time.Second)

	select {
	case exec := <-done:
		if exec.Status != StatusCompleted {
			t.Errorf("Status = %q, want completed", exec.Status)
		}
		if exec.Duration != 30*time.Second {
			t.Errorf("Duration = %v, want 30s", exec.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Activate() did not return after delay")
	}
}

func TestEngine_Activate_FailureHandling(t *testing.T) {
	tests := []struct {
		name          string
		continueOnErr bool
		wantStatus    ExecutionStatus
		wantCompleted int
		wantSkipped   int
		wantCalls     []string
	}{
		{
			name:          "abort on error",
			continueOnErr: false,
			wantStatus:    StatusFailed,
			wantCompleted: 1,
			wantSkipped:   1,
			wantCalls:     []string{"light.turn_on", "cover.open_cover"},
		},
		{
			name:          "continue on error",
			continueOnErr: true,
			wantStatus:    StatusPartial,
			wantCompleted: 2,
			wantSkipped:   0,
			wantCalls:     []string{"light.turn_on", "cover.open_cover", "fan.turn_on"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := newMockCaller()
			caller.failOn["cover.open_cover"] = true

			failing := act("cover.open_cover", false)
			failing.ContinueOnError = tt.continueOnErr
			engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
				ID: "morning", Name: "Morning", Enabled: true,
				Actions: []Action{act("light.turn_on", false), failing, act("fan.turn_on", false)},
			})

			exec, err := engine.Activate(context.Background(), "morning", TriggerManual, "")
			if err != nil {
				t.Fatalf("Activate() error = %v", err)
			}
			if exec.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", exec.Status, tt.wantStatus)
			}
			if exec.ActionsCompleted != tt.wantCompleted || exec.ActionsFailed != 1 || exec.ActionsSkipped != tt.wantSkipped {
				t.Errorf("counts completed=%d failed=%d skipped=%d, want %d/1/%d",
					exec.ActionsCompleted, exec.ActionsFailed, exec.ActionsSkipped, tt.wantCompleted, tt.wantSkipped)
			}
			if len(exec.Failures) != 1 || exec.Failures[0].ActionIndex != 1 || exec.Failures[0].Service != "cover.open_cover" {
				t.Errorf("Failures = %+v, want action 1 cover.open_cover", exec.Failures)
			}
			if diff := cmp.Diff(tt.wantCalls, caller.services()); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEngine_Activate_ContextCancelled(t *testing.T) {
	caller := newMockCaller()
	engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
		ID: "cancelled", Name: "Cancelled", Enabled: true,
		Actions: []Action{act("light.turn_on", false), act("light.turn_off", false)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := engine.Activate(ctx, "cancelled", TriggerManual, "")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if exec.Status != StatusCancelled || exec.ActionsSkipped != 2 {
		t.Errorf("execution status=%q skipped=%d, want cancelled/2", exec.Status, exec.ActionsSkipped)
	}
	if got := caller.services(); len(got) != 0 {
		t.Errorf("calls = %v, want none", got)
	}
}

func TestEngine_Activate_DataIsolatedPerCall(t *testing.T) {
	caller := newMockCaller()
	data := map[string]any{"entity_id": "light.hall", "rgb": []any{255, 0, 0}}
	engine := newTestEngine(t, caller, clock.Fake(epoch), Scene{
		ID: "red", Name: "Red", Enabled: true,
		Actions: []Action{{Domain: "light", Service: "turn_on", Data: data}},
	})

	if _, err := engine.Activate(context.Background(), "red", TriggerManual, ""); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	caller.calls[0].Data["rgb"].([]any)[0] = 0

	s, err := engine.Scene("red")
	if err != nil {
		t.Fatalf("Scene() error = %v", err)
	}
	if got := s.Actions[0].Data["rgb"].([]any)[0]; got != 255 {
		t.Errorf("scene data mutated by caller: rgb[0] = %v", got)
	}
}

func TestEngine_RecentNewestFirstAndBounded(t *testing.T) {
	engine := newTestEngine(t, newMockCaller(), clock.Fake(epoch),
		Scene{ID: "a", Name: "A", Enabled: true, Actions: []Action{act("light.turn_on", false)}},
		Scene{ID: "b", Name: "B", Enabled: true, Actions: []Action{act("light.turn_off", false)}},
	)
	ctx := context.Background()

	for i := range maxRecentExecutions + 5 {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		if _, err := engine.Activate(ctx, id, TriggerManual, ""); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}
	}

	if got := len(engine.Recent(0)); got != maxRecentExecutions {
		t.Errorf("len(Recent(0)) = %d, want %d", got, maxRecentExecutions)
	}
	var got []string
	for _, exec := range engine.Recent(2) {
		got = append(got, exec.SceneID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("Recent(2) scenes mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_OnCompleteSeesExecution(t *testing.T) {
	engine := newTestEngine(t, newMockCaller(), clock.Fake(epoch),
		Scene{ID: "a", Name: "A", Enabled: true, Actions: []Action{act("light.turn_on", false)}})

	var got *Execution
	engine.onComplete = func(_ context.Context, s *Scene, exec *Execution) {
		if s.ID != "a" {
			t.Errorf("onComplete scene = %q", s.ID)
		}
		got = exec
	}

	exec, err := engine.Activate(context.Background(), "a", TriggerEvent, "custom.doorbell")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if got != exec {
		t.Error("onComplete did not receive the returned execution")
	}
}

func TestNewEngine_RejectsInvalidScenes(t *testing.T) {
	valid := Scene{ID: "a", Name: "A", Actions: []Action{act("light.turn_on", false)}}

	if _, err := NewEngine([]Scene{valid, valid}, nil, nil, nil); !errors.Is(err, ErrSceneExists) {
		t.Errorf("duplicate error = %v, want ErrSceneExists", err)
	}
	if _, err := NewEngine([]Scene{{ID: "b", Name: "B"}}, nil, nil, nil); !errors.Is(err, ErrNoActions) {
		t.Errorf("no actions error = %v, want ErrNoActions", err)
	}
}

func TestGroupActions(t *testing.T) {
	a := act("light.turn_on", false)
	b := act("switch.turn_on", true)
	c := act("fan.turn_on", true)
	d := act("cover.open_cover", false)

	tests := []struct {
		name    string
		actions []Action
		want    [][]Action
	}{
		{name: "empty", actions: nil, want: nil},
		{name: "single", actions: []Action{a}, want: [][]Action{{a}}},
		{name: "all sequential", actions: []Action{a, d}, want: [][]Action{{a}, {d}}},
		{name: "parallel then sequential", actions: []Action{a, b, c, d}, want: [][]Action{{a, b, c}, {d}}},
		{name: "first parallel flag ignored", actions: []Action{b, c}, want: [][]Action{{b, c}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, groupActions(tt.actions)); diff != "" {
				t.Errorf("groupActions() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
