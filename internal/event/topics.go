package event

import (
	"fmt"
	"path"
	"strings"

	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// Topic prefixes and fixed topics.
const (
	PrefixState       = "state"
	PrefixCallService = "call_service"
	PrefixCustom      = "custom"
	PrefixService     = "graylogic.service"

	TopicServiceFailed         = "graylogic.service.failed"
	TopicSchedulerFired        = "graylogic.scheduler.fired"
	TopicSchedulerFinished     = "graylogic.scheduler.finished"
	TopicTransportConnected    = "graylogic.transport.connected"
	TopicTransportDisconnected = "graylogic.transport.disconnected"

	// AllTopics matches every topic.
	AllTopics = "*"

	// AllStates matches every state change topic.
	AllStates = PrefixState + ".*"

	// AllLifecycle matches every service lifecycle topic, including
	// the terminal failure topic.
	AllLifecycle = PrefixService + ".*"
)

// StateTopic returns the topic for a state change of entityID.
func StateTopic(entityID string) string {
	return PrefixState + "." + entityID
}

// ServiceCallTopic returns the topic for a service call.
func ServiceCallTopic(domain, svc string) string {
	return fmt.Sprintf("%s.%s.%s", PrefixCallService, domain, svc)
}

// CustomTopic returns the topic for a user-defined event.
func CustomTopic(name string) string {
	return PrefixCustom + "." + name
}

// LifecycleTopic returns the topic for a transition into status.
func LifecycleTopic(status service.Status) string {
	return PrefixService + "." + status.Slug()
}

// Domain returns the domain part of an entity id ("light" for
// "light.kitchen"), or "" when the id has no domain.
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// EntityID returns the entity id carried by a state topic.
func EntityID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, PrefixState+".")
	return id, ok && id != ""
}

// IsGlob reports whether pattern contains glob metacharacters.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

// ValidatePattern checks that pattern is usable for subscriptions.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if !IsGlob(pattern) {
		return nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidPattern, pattern, err)
	}
	return nil
}

// Match reports whether topic matches pattern. Malformed patterns never
// match; validate them with ValidatePattern first.
func Match(pattern, topic string) bool {
	if !IsGlob(pattern) {
		return pattern == topic
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
