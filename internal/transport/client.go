package transport

import (
	"context"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

// Client is the remote source contract. Every call is fallible I/O.
type Client interface {
	// FetchStates returns the full current state of every entity.
	FetchStates(ctx context.Context) ([]*event.EntityState, error)

	// Stream delivers raw events to sink until ctx is cancelled or the
	// connection cannot be established. It returns nil on cancellation.
	// Connectivity changes inside a stream are delivered as RawConnected
	// and RawDisconnected events.
	Stream(ctx context.Context, sink Sink) error

	// CallService invokes a remote action.
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Caller is the action half of Client, handed to application code.
type Caller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Sink receives raw events in source order. It must not retain ev.Data.
type Sink func(ev RawEvent)

// RawKind classifies a raw event.
type RawKind int

// Raw event kinds.
const (
	RawStateChanged RawKind = iota + 1
	RawServiceCall
	RawCustom
	RawConnected
	RawDisconnected
)

func (k RawKind) String() string {
	switch k {
	case RawStateChanged:
		return "state_changed"
	case RawServiceCall:
		return "call_service"
	case RawCustom:
		return "custom"
	case RawConnected:
		return "connected"
	case RawDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RawEvent is one event as observed on the remote source, before it is
// wrapped in an envelope.
type RawEvent struct {
	Kind RawKind

	// RawStateChanged. New is nil when the entity was removed.
	EntityID string
	Old      *event.EntityState
	New      *event.EntityState

	// RawServiceCall.
	Domain  string
	Service string

	// RawCustom event type.
	Name string

	// RawServiceCall and RawCustom.
	Data map[string]any

	// RawDisconnected cause.
	Err error
}
