package automation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
)

func TestValidateScene(t *testing.T) {
	validAction := Action{Domain: "light", Service: "turn_on", Data: map[string]any{"entity_id": "light.lounge"}}

	tests := []struct {
		name    string
		scene   *Scene
		wantErr error
	}{
		{
			name:  "valid scene",
			scene: &Scene{ID: "cinema", Name: "Cinema Mode", Actions: []Action{validAction}},
		},
		{
			name:    "nil scene",
			scene:   nil,
			wantErr: ErrInvalidScene,
		},
		{
			name:    "empty id",
			scene:   &Scene{Name: "Cinema", Actions: []Action{validAction}},
			wantErr: ErrInvalidID,
		},
		{
			name:    "uppercase id",
			scene:   &Scene{ID: "Cinema", Name: "Cinema", Actions: []Action{validAction}},
			wantErr: ErrInvalidID,
		},
		{
			name:    "whitespace-only name",
			scene:   &Scene{ID: "cinema", Name: "   ", Actions: []Action{validAction}},
			wantErr: ErrInvalidScene,
		},
		{
			name:    "name too long",
			scene:   &Scene{ID: "cinema", Name: strings.Repeat("a", 101), Actions: []Action{validAction}},
			wantErr: ErrInvalidScene,
		},
		{
			name:    "no actions",
			scene:   &Scene{ID: "cinema", Name: "Cinema"},
			wantErr: ErrNoActions,
		},
		{
			name: "too many actions",
			scene: &Scene{ID: "cinema", Name: "Cinema", Actions: func() []Action {
				out := make([]Action, 101)
				for i := range out {
					out[i] = validAction
				}
				return out
			}()},
			wantErr: ErrInvalidAction,
		},
		{
			name: "invalid trigger",
			scene: &Scene{ID: "cinema", Name: "Cinema", Actions: []Action{validAction},
				Triggers: []Trigger{{}}},
			wantErr: ErrInvalidTrigger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScene(tt.scene)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateScene() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateScene() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAction(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{name: "valid", action: Action{Domain: "light", Service: "turn_on"}},
		{name: "max delay", action: Action{Domain: "light", Service: "turn_on", Delay: 5 * time.Minute}},
		{name: "empty domain", action: Action{Service: "turn_on"}, wantErr: true},
		{name: "dotted service", action: Action{Domain: "light", Service: "turn.on"}, wantErr: true},
		{name: "negative delay", action: Action{Domain: "light", Service: "turn_on", Delay: -time.Second}, wantErr: true},
		{name: "delay too long", action: Action{Domain: "light", Service: "turn_on", Delay: 6 * time.Minute}, wantErr: true},
		{
			name: "too many data keys",
			action: Action{Domain: "light", Service: "turn_on", Data: func() map[string]any {
				m := make(map[string]any, 21)
				for i := range 21 {
					m[strings.Repeat("k", i+1)] = i
				}
				return m
			}()},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAction(tt.action)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAction) {
					t.Errorf("ValidateAction() error = %v, want ErrInvalidAction", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateAction() error = %v, want nil", err)
			}
		})
	}
}

func TestValidateTrigger(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{name: "event", trigger: Trigger{Event: "doorbell"}},
		{name: "event glob", trigger: Trigger{Event: "alarm_*"}},
		{name: "cron", trigger: Trigger{Cron: "30 7 * * 1-5"}},
		{name: "entity with target", trigger: Trigger{Entity: "binary_sensor.door", To: "on", Debounce: time.Second}},
		{name: "none set", trigger: Trigger{}, wantErr: true},
		{name: "two set", trigger: Trigger{Event: "doorbell", Cron: "* * * * *"}, wantErr: true},
		{name: "bad cron", trigger: Trigger{Cron: "every morning"}, wantErr: true},
		{name: "bad entity pattern", trigger: Trigger{Entity: "light.["}, wantErr: true},
		{name: "to on event trigger", trigger: Trigger{Event: "doorbell", To: "on"}, wantErr: true},
		{name: "negative debounce", trigger: Trigger{Entity: "light.hall", Debounce: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrigger(tt.trigger)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTrigger) {
					t.Errorf("ValidateTrigger() error = %v, want ErrInvalidTrigger", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateTrigger() error = %v, want nil", err)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	disabled := false
	cfgs := []config.SceneConfig{
		{
			ID: "good_morning",
			Actions: []config.SceneActionConfig{
				{Service: "cover.open_cover", Data: map[string]any{"entity_id": "cover.bedroom"}},
				{Service: "light.turn_on", Delay: 2 * time.Second, Parallel: true, ContinueOnError: true},
			},
			Triggers: []config.SceneTriggerConfig{{Cron: "0 7 * * *"}},
		},
		{
			ID:      "away",
			Name:    "Away",
			Enabled: &disabled,
			Actions: []config.SceneActionConfig{{Service: "light.turn_off"}},
		},
	}

	got, err := FromConfig(cfgs)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}

	want := []Scene{
		{
			ID:      "good_morning",
			Name:    "good_morning",
			Enabled: true,
			Actions: []Action{
				{Domain: "cover", Service: "open_cover", Data: map[string]any{"entity_id": "cover.bedroom"}},
				{Domain: "light", Service: "turn_on", Delay: 2 * time.Second, Parallel: true, ContinueOnError: true},
			},
			Triggers: []Trigger{{Cron: "0 7 * * *"}},
		},
		{
			ID:      "away",
			Name:    "Away",
			Enabled: false,
			Actions: []Action{{Domain: "light", Service: "turn_off"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromConfig() mismatch (-want +got):\n%s", diff)
	}

	// The converted data must not alias the configuration map.
	got[0].Actions[0].Data["entity_id"] = "cover.kitchen"
	if cfgs[0].Actions[0].Data["entity_id"] != "cover.bedroom" {
		t.Error("FromConfig() shares action data with the configuration")
	}
}

func TestFromConfig_Errors(t *testing.T) {
	action := []config.SceneActionConfig{{Service: "light.turn_on"}}

	tests := []struct {
		name    string
		cfgs    []config.SceneConfig
		wantErr error
	}{
		{
			name:    "service without domain",
			cfgs:    []config.SceneConfig{{ID: "a", Actions: []config.SceneActionConfig{{Service: "turn_on"}}}},
			wantErr: ErrInvalidAction,
		},
		{
			name:    "duplicate id",
			cfgs:    []config.SceneConfig{{ID: "a", Actions: action}, {ID: "a", Actions: action}},
			wantErr: ErrSceneExists,
		},
		{
			name:    "invalid id",
			cfgs:    []config.SceneConfig{{ID: "Not Valid", Actions: action}},
			wantErr: ErrInvalidID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromConfig(tt.cfgs); !errors.Is(err, tt.wantErr) {
				t.Errorf("FromConfig() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Errorf("GenerateID() returned duplicate %q", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("GenerateID() = %q, not a UUID: %v", a, err)
	}
}
