package mqtt

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the topic root when none is configured.
const DefaultPrefix = "graylogic"

// Topics builds and parses the runtime's MQTT topics under one prefix.
//
// The hierarchy is:
//
//	{prefix}/state/{domain}/{object}      retained JSON entity state
//	{prefix}/event/{type}                 custom events
//	{prefix}/service/{domain}/{service}   service calls observed on the source
//	{prefix}/command/{domain}/{service}   service calls issued by the runtime
//	{prefix}/system/runtime/status        runtime online/offline status (LWT)
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// State returns the retained state topic of one entity.
//
// Example: graylogic/state/light/kitchen
func (t Topics) State(domain, object string) string {
	return fmt.Sprintf("%s/state/%s/%s", t.prefix(), domain, object)
}

// Event returns the topic of a custom event type.
//
// Example: graylogic/event/doorbell_pressed
func (t Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", t.prefix(), eventType)
}

// ServiceCall returns the topic on which the source reports a service call.
//
// Example: graylogic/service/light/turn_on
func (t Topics) ServiceCall(domain, svc string) string {
	return fmt.Sprintf("%s/service/%s/%s", t.prefix(), domain, svc)
}

// Command returns the topic the runtime publishes actions to.
//
// Example: graylogic/command/light/turn_on
func (t Topics) Command(domain, svc string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.prefix(), domain, svc)
}

// Status returns the runtime status topic used for the LWT.
//
// Example: graylogic/system/runtime/status
func (t Topics) Status() string {
	return t.prefix() + "/system/runtime/status"
}

// AllStates matches every entity state topic.
func (t Topics) AllStates() string {
	return t.prefix() + "/state/+/+"
}

// AllEvents matches every custom event topic.
func (t Topics) AllEvents() string {
	return t.prefix() + "/event/+"
}

// AllServiceCalls matches every observed service call topic.
func (t Topics) AllServiceCalls() string {
	return t.prefix() + "/service/+/+"
}

// ParseState extracts the entity id ("light.kitchen") from a state topic.
func (t Topics) ParseState(topic string) (string, bool) {
	parts, ok := t.split(topic, "state", 2)
	if !ok {
		return "", false
	}
	return parts[0] + "." + parts[1], true
}

// ParseEvent extracts the event type from an event topic.
func (t Topics) ParseEvent(topic string) (string, bool) {
	parts, ok := t.split(topic, "event", 1)
	if !ok {
		return "", false
	}
	return parts[0], true
}

// ParseServiceCall extracts the domain and service from a service call topic.
func (t Topics) ParseServiceCall(topic string) (domain, svc string, ok bool) {
	parts, ok := t.split(topic, "service", 2)
	if !ok {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (t Topics) split(topic, category string, n int) ([]string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/"+category+"/")
	if !ok {
		return nil, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != n {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}
