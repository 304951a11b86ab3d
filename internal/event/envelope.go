package event

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// Kind identifies a payload family.
type Kind string

// Payload families.
const (
	KindStateChange       Kind = "state_change"
	KindServiceCall       Kind = "service_call"
	KindLifecycle         Kind = "lifecycle"
	KindSchedulerFired    Kind = "scheduler_fired"
	KindSchedulerFinished Kind = "scheduler_finished"
	KindConnection        Kind = "connection"
	KindCustom            Kind = "custom"
)

// Payload is the typed body of an envelope.
type Payload interface {
	Kind() Kind
}

// Envelope is the immutable unit carried by the hub. Timestamp and
// Sequence are assigned at hub ingress; producers leave them zero.
type Envelope struct {
	Topic     string
	Payload   Payload
	Timestamp time.Time
	Sequence  uint64
}

// New returns an unsequenced envelope for publication.
func New(topic string, payload Payload) Envelope {
	return Envelope{Topic: topic, Payload: payload}
}

// Kind returns the payload family, or "" for an empty payload.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// MarshalJSON renders the envelope with its payload kind inline.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Topic     string    `json:"topic"`
		Kind      Kind      `json:"kind"`
		Sequence  uint64    `json:"sequence"`
		Timestamp time.Time `json:"timestamp"`
		Payload   Payload   `json:"payload"`
	}{e.Topic, e.Kind(), e.Sequence, e.Timestamp, e.Payload})
}

// As returns the envelope payload as T.
func As[T Payload](e Envelope) (T, bool) {
	p, ok := e.Payload.(T)
	return p, ok
}

// EntityState is one entity's state as reported by the remote source.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	Value       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the entity's domain.
func (s *EntityState) Domain() string { return Domain(s.EntityID) }

// Clone returns a deep copy. Nested maps and slices in Attributes are
// copied so callers can never mutate cached state.
func (s *EntityState) Clone() *EntityState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Attributes != nil {
		out.Attributes = cloneMap(s.Attributes)
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// StateChange is published on state.<entity_id>. Old is nil for a newly
// seen entity; New is nil when the entity was removed.
type StateChange struct {
	EntityID string       `json:"entity_id"`
	Old      *EntityState `json:"old_state"`
	New      *EntityState `json:"new_state"`
}

// Kind implements Payload.
func (*StateChange) Kind() Kind { return KindStateChange }

// OldValue returns the previous value or "".
func (c *StateChange) OldValue() string {
	if c.Old == nil {
		return ""
	}
	return c.Old.Value
}

// NewValue returns the new value or "".
func (c *StateChange) NewValue() string {
	if c.New == nil {
		return ""
	}
	return c.New.Value
}

// ServiceCall is published on call_service.<domain>.<service>.
type ServiceCall struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"service_data,omitempty"`
}

// Kind implements Payload.
func (*ServiceCall) Kind() Kind { return KindServiceCall }

// Lifecycle is published on every managed service transition and on
// terminal failure.
type Lifecycle struct {
	Service    string         `json:"service"`
	Status     service.Status `json:"status"`
	Previous   service.Status `json:"previous"`
	Error      string         `json:"error,omitempty"`
	Attempt    int            `json:"attempt"`
	RunningFor time.Duration  `json:"running_for"`
	Terminal   bool           `json:"terminal,omitempty"`
}

// Kind implements Payload.
func (*Lifecycle) Kind() Kind { return KindLifecycle }

// SchedulerFired is published when a job body starts.
type SchedulerFired struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	Owner        string    `json:"owner,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Kind implements Payload.
func (*SchedulerFired) Kind() Kind { return KindSchedulerFired }

// SchedulerFinished is published when a job body completes, fails or
// times out.
type SchedulerFinished struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Owner    string        `json:"owner,omitempty"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Kind implements Payload.
func (*SchedulerFinished) Kind() Kind { return KindSchedulerFinished }

// Connection reports remote source connectivity. Reconnect is true when
// a connection follows an earlier loss, which invalidates cached state.
type Connection struct {
	Connected bool   `json:"connected"`
	Reconnect bool   `json:"reconnect,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Kind implements Payload.
func (*Connection) Kind() Kind { return KindConnection }

// Custom carries user-defined events.
type Custom struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Kind implements Payload.
func (*Custom) Kind() Kind { return KindCustom }
