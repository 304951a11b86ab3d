package automation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
)

// Validation constants.
const (
	maxNameLength      = 100
	maxIDLength        = 50
	maxActions         = 100
	maxTriggers        = 20
	maxDataKeys        = 20
	maxDelay           = 5 * time.Minute
	maxDebounce        = time.Hour
	idPattern          = `^[a-z0-9]+(?:[_-][a-z0-9]+)*$`
	serviceNamePattern = `^[a-z0-9_]+$`
)

var (
	idRegex      = regexp.MustCompile(idPattern)
	serviceRegex = regexp.MustCompile(serviceNamePattern)
)

// ValidateScene performs comprehensive validation on a scene.
// Returns an error describing the first validation failure found.
func ValidateScene(s *Scene) error {
	if s == nil {
		return ErrInvalidScene
	}

	if err := ValidateID(s.ID); err != nil {
		return err
	}

	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidScene)
	}
	if len(s.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidScene, maxNameLength)
	}

	if len(s.Actions) == 0 {
		return ErrNoActions
	}
	if len(s.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidAction, maxActions)
	}
	for i, action := range s.Actions {
		if err := ValidateAction(action); err != nil {
			return fmt.Errorf("action[%d]: %w", i, err)
		}
	}

	if len(s.Triggers) > maxTriggers {
		return fmt.Errorf("%w: exceeds maximum of %d triggers", ErrInvalidTrigger, maxTriggers)
	}
	for i, trigger := range s.Triggers {
		if err := ValidateTrigger(trigger); err != nil {
			return fmt.Errorf("trigger[%d]: %w", i, err)
		}
	}

	return nil
}

// ValidateID checks if a scene ID format is valid.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: must be lowercase alphanumeric with hyphens or underscores", ErrInvalidID)
	}
	return nil
}

// ValidateAction checks if a scene action is valid.
func ValidateAction(action Action) error {
	if !serviceRegex.MatchString(action.Domain) {
		return fmt.Errorf("%w: invalid domain %q", ErrInvalidAction, action.Domain)
	}
	if !serviceRegex.MatchString(action.Service) {
		return fmt.Errorf("%w: invalid service %q", ErrInvalidAction, action.Service)
	}
	if action.Delay < 0 || action.Delay > maxDelay {
		return fmt.Errorf("%w: delay must be 0-%s", ErrInvalidAction, maxDelay)
	}
	if len(action.Data) > maxDataKeys {
		return fmt.Errorf("%w: data exceeds %d keys", ErrInvalidAction, maxDataKeys)
	}
	return nil
}

// ValidateTrigger checks that exactly one activation path is set and that
// its pattern or expression parses.
func ValidateTrigger(t Trigger) error {
	set := 0
	for _, v := range []string{t.Event, t.Cron, t.Entity} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of event, cron or entity is required", ErrInvalidTrigger)
	}
	if t.Debounce < 0 || t.Debounce > maxDebounce {
		return fmt.Errorf("%w: debounce must be 0-%s", ErrInvalidTrigger, maxDebounce)
	}
	if t.Entity == "" && (t.To != "" || t.Debounce != 0) {
		return fmt.Errorf("%w: to and debounce apply to entity triggers only", ErrInvalidTrigger)
	}

	switch t.Type() {
	case TriggerEvent:
		if err := event.ValidatePattern(event.CustomTopic(t.Event)); err != nil {
			return fmt.Errorf("%w: event %q: %w", ErrInvalidTrigger, t.Event, err)
		}
	case TriggerState:
		if err := event.ValidatePattern(event.StateTopic(t.Entity)); err != nil {
			return fmt.Errorf("%w: entity %q: %w", ErrInvalidTrigger, t.Entity, err)
		}
	case TriggerSchedule:
		if _, err := scheduler.Cron(t.Cron, time.UTC, scheduler.FallBackOnce); err != nil {
			return fmt.Errorf("%w: cron %q: %w", ErrInvalidTrigger, t.Cron, err)
		}
	}
	return nil
}

// GenerateID creates a new UUID for an execution.
func GenerateID() string {
	return uuid.New().String()
}
