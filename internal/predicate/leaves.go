package predicate

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

// Direction selects which threshold crossings AttrCrossed accepts.
type Direction int

// Crossing directions.
const (
	Rising Direction = iota
	Falling
	Either
)

func (d Direction) String() string {
	switch d {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return "either"
	}
}

func stateChange(env event.Envelope) (*event.StateChange, bool) {
	sc, ok := event.As[*event.StateChange](env)
	return sc, ok && sc != nil
}

// ChangedTo matches a state change whose new value is value and whose
// previous value was something else (or absent).
func ChangedTo(value string) Predicate {
	return Leaf(fmt.Sprintf("changed_to(%s)", value), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok || sc.New == nil || sc.New.Value != value {
			return false
		}
		return sc.Old == nil || sc.Old.Value != value
	})
}

// ChangedFrom matches a state change leaving value.
func ChangedFrom(value string) Predicate {
	return Leaf(fmt.Sprintf("changed_from(%s)", value), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok || sc.Old == nil || sc.Old.Value != value {
			return false
		}
		return sc.New == nil || sc.New.Value != value
	})
}

// Changed matches a state change whose value differs from before.
// Attribute-only updates do not match.
func Changed() Predicate {
	return Leaf("changed", func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok {
			return false
		}
		if sc.Old == nil || sc.New == nil {
			return sc.Old != sc.New
		}
		return sc.Old.Value != sc.New.Value
	})
}

// ValueIn matches a state change whose new value is one of values.
func ValueIn(values ...string) Predicate {
	return Leaf(fmt.Sprintf("value_in(%s)", strings.Join(values, "|")), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		return ok && sc.New != nil && slices.Contains(values, sc.New.Value)
	})
}

func attr(s *event.EntityState, name string) (any, bool) {
	if s == nil || s.Attributes == nil {
		return nil, false
	}
	v, ok := s.Attributes[name]
	return v, ok
}

// AttrChanged matches a state change where attribute name was added,
// removed or given a different value.
func AttrChanged(name string) Predicate {
	return Leaf(fmt.Sprintf("attr_changed(%s)", name), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok {
			return false
		}
		oldV, oldOK := attr(sc.Old, name)
		newV, newOK := attr(sc.New, name)
		if oldOK != newOK {
			return true
		}
		return !reflect.DeepEqual(oldV, newV)
	})
}

// AttrEquals matches a state change whose new state carries attribute
// name equal to value. Numbers compare by value regardless of type.
func AttrEquals(name string, value any) Predicate {
	return Leaf(fmt.Sprintf("attr_equals(%s=%v)", name, value), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok {
			return false
		}
		v, ok := attr(sc.New, name)
		if !ok {
			return false
		}
		if a, aok := toFloat(v); aok {
			if b, bok := toFloat(value); bok {
				return a == b
			}
		}
		return reflect.DeepEqual(v, value)
	})
}

// AttrCrossed matches when numeric attribute name moves across
// threshold in the given direction. Rising means old < threshold <= new;
// Falling means old >= threshold > new. Missing or non-numeric values
// never match.
func AttrCrossed(name string, threshold float64, dir Direction) Predicate {
	return Leaf(fmt.Sprintf("attr_crossed(%s,%g,%s)", name, threshold, dir), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		if !ok {
			return false
		}
		oldRaw, ok1 := attr(sc.Old, name)
		newRaw, ok2 := attr(sc.New, name)
		if !ok1 || !ok2 {
			return false
		}
		oldV, ok1 := toFloat(oldRaw)
		newV, ok2 := toFloat(newRaw)
		if !ok1 || !ok2 {
			return false
		}
		rising := oldV < threshold && newV >= threshold
		falling := oldV >= threshold && newV < threshold
		switch dir {
		case Rising:
			return rising
		case Falling:
			return falling
		default:
			return rising || falling
		}
	})
}

// EntityIs matches state changes for any of ids.
func EntityIs(ids ...string) Predicate {
	return Leaf(fmt.Sprintf("entity_is(%s)", strings.Join(ids, "|")), func(env event.Envelope) bool {
		sc, ok := stateChange(env)
		return ok && slices.Contains(ids, sc.EntityID)
	})
}

// DomainIs matches state changes and service calls in any of domains.
func DomainIs(domains ...string) Predicate {
	return Leaf(fmt.Sprintf("domain_is(%s)", strings.Join(domains, "|")), func(env event.Envelope) bool {
		switch p := env.Payload.(type) {
		case *event.StateChange:
			return slices.Contains(domains, event.Domain(p.EntityID))
		case *event.ServiceCall:
			return slices.Contains(domains, p.Domain)
		default:
			return false
		}
	})
}

// ServiceIs matches service calls to domain.service. An empty svc
// matches any service in domain.
func ServiceIs(domain, svc string) Predicate {
	return Leaf(fmt.Sprintf("service_is(%s.%s)", domain, svc), func(env event.Envelope) bool {
		call, ok := event.As[*event.ServiceCall](env)
		if !ok || call == nil || call.Domain != domain {
			return false
		}
		return svc == "" || call.Service == svc
	})
}

// KindIs matches envelopes whose payload is of kind k.
func KindIs(k event.Kind) Predicate {
	return Leaf(fmt.Sprintf("kind_is(%s)", k), func(env event.Envelope) bool {
		return env.Kind() == k
	})
}

// Func wraps an arbitrary pure test as a named leaf.
func Func(name string, fn func(event.Envelope) bool) Predicate {
	return Leaf(name, fn)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
