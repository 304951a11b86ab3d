package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/mqtt"
)

// Broker is the part of the MQTT client the transport uses.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	IsConnected() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context) (Broker, error)

// DialMQTT returns a Dialer for the configured broker.
func DialMQTT(cfg config.MQTTConfig, logger mqtt.Logger) Dialer {
	return func(ctx context.Context) (Broker, error) {
		c, err := mqtt.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			c.SetLogger(logger)
		}
		return c, nil
	}
}

// stateMessage is the retained JSON body of a state topic. Timestamps
// are optional; missing ones are filled in on receipt.
type stateMessage struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// MQTTClient implements Client over an MQTT broker.
//
// The source publishes each entity's state as a retained message, so the
// broker re-delivers every state on subscribe. The client keeps the last
// state per entity: it derives each change's old state from it and serves
// FetchStates from it once the retained burst after a (re)connect has
// settled.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Only one Stream may run at a time; it owns the broker connection.
type MQTTClient struct {
	dial   Dialer
	topics mqtt.Topics
	qos    byte
	settle time.Duration
	clock  clock.Clock

	mu        sync.Mutex
	broker    Broker
	sink      Sink
	connected bool
	known     map[string]*event.EntityState
	settled   chan struct{}
	settleT   *clock.Timer
}

// NewMQTT creates a client. Nothing is connected until Stream runs.
func NewMQTT(cfg config.MQTTConfig, dial Dialer, clk clock.Clock) *MQTTClient {
	if clk == nil {
		clk = clock.Real()
	}
	return &MQTTClient{
		dial:   dial,
		topics: mqtt.Topics{Prefix: cfg.TopicPrefix},
		qos:    byte(cfg.QoS),
		settle: cfg.SnapshotSettle,
		clock:  clk,
		known:  make(map[string]*event.EntityState),
	}
}

// Stream connects, subscribes to states, events and service calls, and
// delivers them to sink until ctx is cancelled. The connection is closed
// when Stream returns.
func (m *MQTTClient) Stream(ctx context.Context, sink Sink) error {
	m.mu.Lock()
	if m.sink != nil {
		m.mu.Unlock()
		return ErrStreamActive
	}
	m.sink = sink
	m.mu.Unlock()

	defer m.teardown()

	broker, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.broker = broker
	m.mu.Unlock()

	// Settling starts before subscribing so retained messages arriving
	// during Subscribe fall inside the window.
	m.beginSettle()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{m.topics.AllStates(), m.handleState},
		{m.topics.AllEvents(), m.handleEvent},
		{m.topics.AllServiceCalls(), m.handleServiceCall},
	}
	for _, s := range subs {
		if err := broker.Subscribe(s.topic, m.qos, s.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", s.topic, err)
		}
	}

	broker.SetOnDisconnect(m.onDisconnect)
	broker.SetOnConnect(m.onConnect)

	m.onConnect()

	<-ctx.Done()
	return nil
}

func (m *MQTTClient) teardown() {
	m.mu.Lock()
	broker := m.broker
	m.broker = nil
	m.sink = nil
	m.connected = false
	if m.settleT != nil {
		m.settleT.Stop()
		m.settleT = nil
	}
	m.mu.Unlock()

	if broker != nil {
		broker.SetOnConnect(nil)
		broker.SetOnDisconnect(nil)
		broker.Close() //nolint:errcheck // Close always returns nil
	}
}

// beginSettle opens a new snapshot window. FetchStates waits for it.
func (m *MQTTClient) beginSettle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleT != nil {
		m.settleT.Stop()
	}
	ch := make(chan struct{})
	m.settled = ch
	m.settleT = m.clock.AfterFunc(m.settle, func() { close(ch) })
}

func (m *MQTTClient) onConnect() {
	m.mu.Lock()
	if m.connected || m.broker == nil {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.mu.Unlock()

	m.beginSettle()
	m.emit(RawEvent{Kind: RawConnected})
}

func (m *MQTTClient) onDisconnect(err error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	m.emit(RawEvent{Kind: RawDisconnected, Err: err})
}

func (m *MQTTClient) emit(ev RawEvent) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (m *MQTTClient) handleState(topic string, payload []byte) error {
	entityID, ok := m.topics.ParseState(topic)
	if !ok {
		return fmt.Errorf("%w: state topic %q", ErrInvalidPayload, topic)
	}

	// An empty retained payload clears the entity.
	if len(payload) == 0 {
		m.mu.Lock()
		old, existed := m.known[entityID]
		delete(m.known, entityID)
		m.mu.Unlock()
		if existed {
			m.emit(RawEvent{Kind: RawStateChanged, EntityID: entityID, Old: old.Clone()})
		}
		return nil
	}

	var msg stateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, entityID, err)
	}

	now := m.clock.Now()
	next := &event.EntityState{
		EntityID:    entityID,
		Value:       msg.State,
		Attributes:  msg.Attributes,
		LastChanged: msg.LastChanged,
		LastUpdated: msg.LastUpdated,
	}

	m.mu.Lock()
	old := m.known[entityID]
	if old != nil && unchanged(old, next) {
		m.mu.Unlock()
		return nil
	}
	if next.LastChanged.IsZero() {
		if old != nil && old.Value == next.Value {
			next.LastChanged = old.LastChanged
		} else {
			next.LastChanged = now
		}
	}
	if next.LastUpdated.IsZero() {
		next.LastUpdated = now
	}
	m.known[entityID] = next
	m.mu.Unlock()

	m.emit(RawEvent{Kind: RawStateChanged, EntityID: entityID, Old: old.Clone(), New: next.Clone()})
	return nil
}

// unchanged reports whether next is a re-delivery of old. A message
// without timestamps matches on value and attributes alone.
func unchanged(old, next *event.EntityState) bool {
	if old.Value != next.Value || !reflect.DeepEqual(old.Attributes, next.Attributes) {
		return false
	}
	return next.LastUpdated.IsZero() || next.LastUpdated.Equal(old.LastUpdated)
}

func decodeData(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return data, nil
}

func (m *MQTTClient) handleEvent(topic string, payload []byte) error {
	name, ok := m.topics.ParseEvent(topic)
	if !ok {
		return fmt.Errorf("%w: event topic %q", ErrInvalidPayload, topic)
	}
	data, err := decodeData(payload)
	if err != nil {
		return err
	}
	m.emit(RawEvent{Kind: RawCustom, Name: name, Data: data})
	return nil
}

func (m *MQTTClient) handleServiceCall(topic string, payload []byte) error {
	domain, svc, ok := m.topics.ParseServiceCall(topic)
	if !ok {
		return fmt.Errorf("%w: service topic %q", ErrInvalidPayload, topic)
	}
	data, err := decodeData(payload)
	if err != nil {
		return err
	}
	m.emit(RawEvent{Kind: RawServiceCall, Domain: domain, Service: svc, Data: data})
	return nil
}

// FetchStates waits for the current snapshot window to settle and returns
// every known entity, sorted by id.
func (m *MQTTClient) FetchStates(ctx context.Context) ([]*event.EntityState, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	settled := m.settled
	m.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	out := make([]*event.EntityState, 0, len(m.known))
	for _, s := range m.known {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// CallService publishes data as JSON on the command topic.
func (m *MQTTClient) CallService(ctx context.Context, domain, svc string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	m.mu.Lock()
	broker := m.broker
	connected := m.connected
	m.mu.Unlock()
	if broker == nil || !connected {
		return ErrNotConnected
	}

	if err := broker.Publish(m.topics.Command(domain, svc), payload, m.qos, false); err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, svc, err)
	}
	return nil
}
