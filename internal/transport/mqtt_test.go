package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/mqtt"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// fakeBroker behaves like a clean-session MQTT broker: retained messages
// are delivered on every subscribe and re-delivered on reconnect.
type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	retained     map[string][]byte
	subs         map[string]mqtt.MessageHandler
	published    []published
	onConnect    func()
	onDisconnect func(error)
	closed       bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		connected: true,
		retained:  make(map[string][]byte),
		subs:      make(map[string]mqtt.MessageHandler),
	}
}

func matchFilter(filter, topic string) bool {
	f, t := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) || (part != "+" && part != t[i]) {
			return false
		}
	}
	return len(f) == len(t)
}

func (b *fakeBroker) Subscribe(filter string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	b.subs[filter] = h
	var replay []published
	for topic, payload := range b.retained {
		if matchFilter(filter, topic) {
			replay = append(replay, published{topic: topic, payload: string(payload)})
		}
	}
	b.mu.Unlock()
	for _, p := range replay {
		h(p.topic, []byte(p.payload)) //nolint:errcheck // test broker
	}
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	b.published = append(b.published, published{topic, string(payload), qos, retained})
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) SetOnConnect(cb func()) {
	b.mu.Lock()
	b.onConnect = cb
	b.mu.Unlock()
}

func (b *fakeBroker) SetOnDisconnect(cb func(error)) {
	b.mu.Lock()
	b.onDisconnect = cb
	b.mu.Unlock()
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.connected = false
	b.mu.Unlock()
	return nil
}

// deliver routes a message from the source to matching subscriptions.
func (b *fakeBroker) deliver(topic, payload string, retain bool) {
	b.mu.Lock()
	if retain {
		if payload == "" {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = []byte(payload)
		}
	}
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if matchFilter(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, []byte(payload)) //nolint:errcheck // test broker
	}
}

func (b *fakeBroker) drop(err error) {
	b.mu.Lock()
	b.connected = false
	cb := b.onDisconnect
	b.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// reconnect restores subscriptions, re-delivering retained state, then
// signals the connection like paho does.
func (b *fakeBroker) reconnect() {
	b.mu.Lock()
	b.connected = true
	subs := make(map[string]mqtt.MessageHandler, len(b.subs))
	for f, h := range b.subs {
		subs[f] = h
	}
	b.mu.Unlock()
	for f, h := range subs {
		b.Subscribe(f, 1, h) //nolint:errcheck // test broker
	}
	b.mu.Lock()
	cb := b.onConnect
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (b *fakeBroker) publishedMessages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func mqttConfig() config.MQTTConfig {
	return config.MQTTConfig{QoS: 1, TopicPrefix: "graylogic", SnapshotSettle: 2 * time.Second}
}

type streamHarness struct {
	client *MQTTClient
	broker *fakeBroker
	clock  *clock.FakeClock
	events chan RawEvent
	done   chan error
	cancel context.CancelFunc
}

func startStream(t *testing.T, broker *fakeBroker) *streamHarness {
	t.Helper()
	clk := clock.Fake(epoch)
	client := NewMQTT(mqttConfig(), func(context.Context) (Broker, error) { return broker, nil }, clk)

	ctx, cancel := context.WithCancel(context.Background())
	h := &streamHarness{
		client: client,
		broker: broker,
		clock:  clk,
		events: make(chan RawEvent, 32),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() { h.done <- client.Stream(ctx, func(ev RawEvent) { h.events <- ev }) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *streamHarness) next(t *testing.T) RawEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw event")
		return RawEvent{}
	}
}

func (h *streamHarness) waitConnected(t *testing.T) {
	t.Helper()
	for {
		if ev := h.next(t); ev.Kind == RawConnected {
			return
		}
	}
}

func (h *streamHarness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected raw event %s %+v", ev.Kind, ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMQTTClient_StreamDerivesStateChanges(t *testing.T) {
	broker := newFakeBroker()
	broker.retained["graylogic/state/light/kitchen"] = []byte(`{"state":"off","last_updated":"2026-05-01T07:00:00Z"}`)

	h := startStream(t, broker)

	ev := h.next(t)
	if ev.Kind != RawStateChanged || ev.EntityID != "light.kitchen" || ev.Old != nil || ev.New.Value != "off" {
		t.Fatalf("retained delivery = %+v", ev)
	}
	if ev := h.next(t); ev.Kind != RawConnected {
		t.Fatalf("expected connected after subscribe, got %s", ev.Kind)
	}

	broker.deliver("graylogic/state/light/kitchen", `{"state":"on","attributes":{"brightness":200}}`, true)
	ev = h.next(t)
	if ev.Old == nil || ev.Old.Value != "off" || ev.New.Value != "on" {
		t.Fatalf("change = old %+v new %+v", ev.Old, ev.New)
	}
	if !ev.New.LastChanged.Equal(epoch) || !ev.New.LastUpdated.Equal(epoch) {
		t.Errorf("missing timestamps not filled from the clock: %+v", ev.New)
	}

	// Identical re-delivery produces nothing.
	broker.deliver("graylogic/state/light/kitchen", `{"state":"on","attributes":{"brightness":200}}`, true)
	h.expectNone(t)

	// Attribute-only change keeps last_changed.
	h.clock.Advance(time.Minute)
	broker.deliver("graylogic/state/light/kitchen", `{"state":"on","attributes":{"brightness":90}}`, true)
	ev = h.next(t)
	if !ev.New.LastChanged.Equal(epoch) || !ev.New.LastUpdated.Equal(epoch.Add(time.Minute)) {
		t.Errorf("attribute change timestamps = changed %v updated %v", ev.New.LastChanged, ev.New.LastUpdated)
	}

	broker.deliver("graylogic/state/light/kitchen", "", true)
	ev = h.next(t)
	if ev.Kind != RawStateChanged || ev.New != nil || ev.Old.Value != "on" {
		t.Errorf("removal = %+v", ev)
	}
}

func TestMQTTClient_EventsAndServiceCalls(t *testing.T) {
	h := startStream(t, newFakeBroker())
	h.waitConnected(t)

	h.broker.deliver("graylogic/event/doorbell_pressed", `{"button":"front"}`, false)
	ev := h.next(t)
	if diff := cmp.Diff(RawEvent{Kind: RawCustom, Name: "doorbell_pressed", Data: map[string]any{"button": "front"}}, ev); diff != "" {
		t.Errorf("custom event mismatch (-want +got):\n%s", diff)
	}

	h.broker.deliver("graylogic/service/light/turn_on", `{"entity_id":"light.kitchen"}`, false)
	ev = h.next(t)
	want := RawEvent{Kind: RawServiceCall, Domain: "light", Service: "turn_on", Data: map[string]any{"entity_id": "light.kitchen"}}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("service call mismatch (-want +got):\n%s", diff)
	}

	if err := h.client.handleEvent("graylogic/event/bad", []byte("{not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("invalid event payload error = %v", err)
	}
	if err := h.client.handleState("graylogic/state/light/kitchen", []byte("[]")); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("invalid state payload error = %v", err)
	}
}

func TestMQTTClient_FetchStatesWaitsForSettle(t *testing.T) {
	broker := newFakeBroker()
	broker.retained["graylogic/state/switch/porch"] = []byte(`{"state":"on"}`)
	broker.retained["graylogic/state/light/hall"] = []byte(`{"state":"off"}`)

	h := startStream(t, broker)
	h.waitConnected(t)

	result := make(chan []string, 1)
	go func() {
		states, err := h.client.FetchStates(context.Background())
		if err != nil {
			t.Errorf("FetchStates() error = %v", err)
		}
		ids := make([]string, 0, len(states))
		for _, s := range states {
			ids = append(ids, s.EntityID+"="+s.Value)
		}
		result <- ids
	}()

	select {
	case <-result:
		t.Fatal("FetchStates returned before the snapshot settled")
	case <-time.After(50 * time.Millisecond):
	}

	h.clock.Advance(2 * time.Second)
	select {
	case ids := <-result:
		if diff := cmp.Diff([]string{"light.hall=off", "switch.porch=on"}, ids); diff != "" {
			t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FetchStates did not return after settle")
	}
}

func TestMQTTClient_ReconnectRedeliversRetained(t *testing.T) {
	broker := newFakeBroker()
	broker.retained["graylogic/state/light/hall"] = []byte(`{"state":"off"}`)

	h := startStream(t, broker)
	h.waitConnected(t)

	broker.drop(errors.New("network down"))
	ev := h.next(t)
	if ev.Kind != RawDisconnected || ev.Err == nil {
		t.Fatalf("expected disconnected with cause, got %+v", ev)
	}
	if _, err := h.client.FetchStates(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FetchStates() while disconnected = %v", err)
	}
	if err := h.client.CallService(context.Background(), "light", "turn_on", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallService() while disconnected = %v", err)
	}

	// The state changed while the runtime was away.
	broker.retained["graylogic/state/light/hall"] = []byte(`{"state":"on"}`)
	broker.reconnect()

	ev = h.next(t)
	if ev.Kind != RawStateChanged || ev.Old.Value != "off" || ev.New.Value != "on" {
		t.Fatalf("missed change not derived on reconnect: %+v", ev)
	}
	if ev := h.next(t); ev.Kind != RawConnected {
		t.Fatalf("expected connected, got %s", ev.Kind)
	}
}

func TestMQTTClient_CallService(t *testing.T) {
	h := startStream(t, newFakeBroker())
	h.waitConnected(t)

	if err := h.client.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.hall"}); err != nil {
		t.Fatalf("CallService() error = %v", err)
	}

	msgs := h.broker.publishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "graylogic/command/light/turn_on" || msgs[0].retained || msgs[0].qos != 1 {
		t.Errorf("published %+v", msgs[0])
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(msgs[0].payload), &data); err != nil || data["entity_id"] != "light.hall" {
		t.Errorf("payload = %q (%v)", msgs[0].payload, err)
	}
}

func TestMQTTClient_StreamLifecycle(t *testing.T) {
	t.Run("fetch before stream", func(t *testing.T) {
		c := NewMQTT(mqttConfig(), nil, clock.Fake(epoch))
		if _, err := c.FetchStates(context.Background()); !errors.Is(err, ErrNotConnected) {
			t.Errorf("FetchStates() = %v, want ErrNotConnected", err)
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		dialErr := errors.New("connection refused")
		c := NewMQTT(mqttConfig(), func(context.Context) (Broker, error) { return nil, dialErr }, clock.Fake(epoch))
		err := c.Stream(context.Background(), func(RawEvent) {})
		if !errors.Is(err, ErrNotConnected) || !errors.Is(err, dialErr) {
			t.Errorf("Stream() = %v", err)
		}
	})

	t.Run("second stream rejected and close on cancel", func(t *testing.T) {
		h := startStream(t, newFakeBroker())
		h.waitConnected(t)

		if err := h.client.Stream(context.Background(), func(RawEvent) {}); !errors.Is(err, ErrStreamActive) {
			t.Errorf("second Stream() = %v, want ErrStreamActive", err)
		}

		h.cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("Stream() after cancel = %v", err)
			}
			h.done <- nil
		case <-time.After(2 * time.Second):
			t.Fatal("Stream did not return after cancel")
		}
		h.broker.mu.Lock()
		closed := h.broker.closed
		h.broker.mu.Unlock()
		if !closed {
			t.Error("broker not closed when the stream ended")
		}
	})
}
