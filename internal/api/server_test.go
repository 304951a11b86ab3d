package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/hub"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/metrics"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	jobs    []scheduler.JobInfo
	history []scheduler.ExecutionRecord
}

func (f *fakeScheduler) Jobs() []scheduler.JobInfo { return f.jobs }

func (f *fakeScheduler) History(limit int) []scheduler.ExecutionRecord {
	if limit <= 0 || limit > len(f.history) {
		limit = len(f.history)
	}
	return f.history[:limit]
}

type fakeServices []coordinator.ServiceInfo

func (f fakeServices) Services() []coordinator.ServiceInfo { return f }

type fakeStates map[string]*event.EntityState

func (f fakeStates) Get(id string) (*event.EntityState, bool) {
	s, ok := f[id]
	return s, ok
}

func (f fakeStates) Domain(domain string) []*event.EntityState {
	var out []*event.EntityState
	for id, s := range f {
		if event.Domain(id) == domain {
			out = append(out, s)
		}
	}
	return out
}

func (f fakeStates) All() map[string]*event.EntityState { return f }

func (f fakeStates) Entities() []string {
	out := make([]string, 0, len(f))
	for id := range f {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f fakeStates) Len() int { return len(f) }

type fakeHistory struct {
	executions []scheduler.ExecutionRecord
	crashes    []coordinator.CrashRecord
	err        error

	gotJob     string
	gotService string
	gotLimit   int
}

func (f *fakeHistory) Executions(_ context.Context, jobID string, limit int) ([]scheduler.ExecutionRecord, error) {
	f.gotJob, f.gotLimit = jobID, limit
	return f.executions, f.err
}

func (f *fakeHistory) Crashes(_ context.Context, svc string, limit int) ([]coordinator.CrashRecord, error) {
	f.gotService, f.gotLimit = svc, limit
	return f.crashes, f.err
}

type httpCall struct {
	Method string
	Route  string
	Status int
}

type fakeMetrics struct {
	mu    sync.Mutex
	calls []httpCall
}

func (f *fakeMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n") //nolint:errcheck // test handler
	})
}

func (f *fakeMetrics) ObserveHTTP(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	f.calls = append(f.calls, httpCall{method, route, status})
	f.mu.Unlock()
}

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	h, err := hub.NewHub(hub.Config{BufferSize: 16, Overflow: hub.PolicyBlock, PublishTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	b, err := bus.New(bus.Config{Workers: 2}, h, nil)
	if err != nil {
		t.Fatalf("bus.New() error = %v", err)
	}
	return b
}

type fixture struct {
	server  *Server
	bus     *bus.Bus
	sched   *fakeScheduler
	history *fakeHistory
	metrics *fakeMetrics
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	f := &fixture{
		bus: newBus(t),
		sched: &fakeScheduler{
			jobs: []scheduler.JobInfo{
				{ID: "j1", Name: "sunset", Owner: "lights", Trigger: "cron(0 18 * * *)"},
				{ID: "j2", Name: "prune", Trigger: "every(1h0m0s)"},
			},
			history: []scheduler.ExecutionRecord{
				{JobID: "j1", Name: "sunset", Status: scheduler.StatusSuccess, StartedAt: epoch.Add(2 * time.Hour)},
				{JobID: "j2", Name: "prune", Status: scheduler.StatusError, Error: "disk", StartedAt: epoch.Add(time.Hour)},
				{JobID: "j1", Name: "sunset", Status: scheduler.StatusTimeout, StartedAt: epoch},
			},
		},
		metrics: &fakeMetrics{},
	}

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		Bus:    f.bus,
		Services: fakeServices{
			{Name: "bus", Status: service.StatusRunning, Essential: true},
			{Name: "transport", Status: service.StatusRunning},
		},
		Scheduler: f.sched,
		States: fakeStates{
			"light.kitchen": {EntityID: "light.kitchen", Value: "on"},
			"light.hall":    {EntityID: "light.hall", Value: "off"},
			"sensor.temp":   {EntityID: "sensor.temp", Value: "21.5"},
		},
		Metrics: f.metrics,
		Clock:   clock.Fake(epoch),
		Version: "test",
	}
	if withHistory {
		f.history = &fakeHistory{}
		deps.History = f.history
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.server = srv
	return f
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	b := newBus(t)
	full := Deps{Bus: b, Scheduler: &fakeScheduler{}, Services: fakeServices{}, States: fakeStates{}}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"bus", func(d *Deps) { d.Bus = nil }},
		{"scheduler", func(d *Deps) { d.Scheduler = nil }},
		{"services", func(d *Deps) { d.Services = nil }},
		{"states", func(d *Deps) { d.States = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New() error = nil, want missing dependency error")
			}
		})
	}

	if _, err := New(full); err != nil {
		t.Errorf("New() with all dependencies error = %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		services   fakeServices
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all running",
			services:   fakeServices{{Name: "bus", Status: service.StatusRunning}},
			wantCode:   http.StatusOK,
			wantStatus: healthOK,
		},
		{
			name: "degraded service",
			services: fakeServices{
				{Name: "bus", Status: service.StatusRunning},
				{Name: "transport", Status: service.StatusDegraded},
			},
			wantCode:   http.StatusOK,
			wantStatus: healthDegraded,
		},
		{
			name:       "crashed and restarting",
			services:   fakeServices{{Name: "telemetry", Status: service.StatusCrashed}},
			wantCode:   http.StatusOK,
			wantStatus: healthDegraded,
		},
		{
			name: "restarts exhausted",
			services: fakeServices{
				{Name: "transport", Status: service.StatusDegraded},
				{Name: "telemetry", Status: service.StatusCrashed, Failed: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.server.services = tt.services

			rec := f.get(t, "/healthz")
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			got := decode[HealthResponse](t, rec)
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
			if len(got.Services) != len(tt.services) {
				t.Errorf("len(Services) = %d, want %d", len(got.Services), len(tt.services))
			}
		})
	}
}

func TestHandleSnapshot(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.bus.Subscribe("state.light.*", func(context.Context, event.Envelope) error { return nil },
		bus.WithOwner("lights"), bus.WithName("lights.follow")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rec := f.get(t, "/api/v1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	got := decode[Snapshot](t, rec)

	if len(got.Subscriptions) != 1 || got.Subscriptions[0].Name != "lights.follow" {
		t.Errorf("Subscriptions = %+v, want lights.follow", got.Subscriptions)
	}
	if len(got.Jobs) != 2 {
		t.Errorf("len(Jobs) = %d, want 2", len(got.Jobs))
	}
	if len(got.Executions) != 3 {
		t.Errorf("len(Executions) = %d, want 3", len(got.Executions))
	}
	if len(got.Services) != 2 {
		t.Errorf("len(Services) = %d, want 2", len(got.Services))
	}
	if got.Entities != 3 {
		t.Errorf("Entities = %d, want 3", got.Entities)
	}
	if !got.Timestamp.Equal(epoch) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, epoch)
	}
}

func TestHandleSubscriptions_FiltersByOwner(t *testing.T) {
	f := newFixture(t, false)
	noop := func(context.Context, event.Envelope) error { return nil }
	for _, owner := range []string{"lights", "lights", "heating"} {
		if _, err := f.bus.Subscribe(event.AllStates, noop, bus.WithOwner(owner)); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/v1/subscriptions", 3},
		{"/api/v1/subscriptions?owner=lights", 2},
		{"/api/v1/subscriptions?owner=nobody", 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got := decode[[]bus.Info](t, f.get(t, tt.target))
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestHandleJobs_FiltersByOwner(t *testing.T) {
	f := newFixture(t, false)

	got := decode[[]scheduler.JobInfo](t, f.get(t, "/api/v1/jobs?owner=lights"))
	if len(got) != 1 || got[0].ID != "j1" {
		t.Errorf("jobs = %+v, want only j1", got)
	}
}

func TestHandleExecutions_Memory(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantJobs []string
	}{
		{"all", "/api/v1/executions", http.StatusOK, []string{"j1", "j2", "j1"}},
		{"limit", "/api/v1/executions?limit=1", http.StatusOK, []string{"j1"}},
		{"job filter", "/api/v1/executions?job=j1", http.StatusOK, []string{"j1", "j1"}},
		{"job filter with limit", "/api/v1/executions?job=j1&limit=1&source=memory", http.StatusOK, []string{"j1"}},
		{"bad limit", "/api/v1/executions?limit=zero", http.StatusBadRequest, nil},
		{"negative limit", "/api/v1/executions?limit=-3", http.StatusBadRequest, nil},
		{"unknown source", "/api/v1/executions?source=disk", http.StatusBadRequest, nil},
		{"store without history", "/api/v1/executions?source=store", http.StatusServiceUnavailable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.target)
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var jobs []string
			for _, r := range decode[[]scheduler.ExecutionRecord](t, rec) {
				jobs = append(jobs, r.JobID)
			}
			if diff := cmp.Diff(tt.wantJobs, jobs); diff != "" {
				t.Errorf("job ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleExecutions_Store(t *testing.T) {
	f := newFixture(t, true)
	f.history.executions = []scheduler.ExecutionRecord{{JobID: "j9", Status: scheduler.StatusCancelled}}

	rec := f.get(t, "/api/v1/executions?source=store&job=j9&limit=5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	got := decode[[]scheduler.ExecutionRecord](t, rec)
	if len(got) != 1 || got[0].JobID != "j9" {
		t.Errorf("records = %+v, want j9", got)
	}
	if f.history.gotJob != "j9" || f.history.gotLimit != maxLimit {
		t.Errorf("store queried with job=%q limit=%d, want j9 %d", f.history.gotJob, f.history.gotLimit, maxLimit)
	}

	f.history.err = errors.New("locked")
	if rec := f.get(t, "/api/v1/executions?source=store"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status code on store error = %d, want 500", rec.Code)
	}
}

func TestHandleCrashes(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.get(t, "/api/v1/crashes"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code without history = %d, want 503", rec.Code)
	}

	f = newFixture(t, true)
	f.history.crashes = []coordinator.CrashRecord{{Service: "transport", Error: "eof", Attempt: 2, At: epoch}}

	rec := f.get(t, "/api/v1/crashes?service=transport&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	got := decode[[]coordinator.CrashRecord](t, rec)
	if diff := cmp.Diff(f.history.crashes, got); diff != "" {
		t.Errorf("crashes mismatch (-want +got):\n%s", diff)
	}
	if f.history.gotService != "transport" || f.history.gotLimit != 10 {
		t.Errorf("store queried with service=%q limit=%d", f.history.gotService, f.history.gotLimit)
	}
}

func TestHandleStates(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all sorted", "/api/v1/states/", []string{"light.hall", "light.kitchen", "sensor.temp"}},
		{"by domain", "/api/v1/states/?domain=light", []string{"light.hall", "light.kitchen"}},
		{"empty domain", "/api/v1/states/?domain=climate", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("status code = %d, want 200", rec.Code)
			}
			got := decode[StatesResponse](t, rec)
			var ids []string
			for _, s := range got.States {
				ids = append(ids, s.EntityID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("entity ids mismatch (-want +got):\n%s", diff)
			}
			if got.Count != len(tt.want) {
				t.Errorf("Count = %d, want %d", got.Count, len(tt.want))
			}
		})
	}
}

func TestHandleState(t *testing.T) {
	f := newFixture(t, false)

	rec := f.get(t, "/api/v1/states/light.kitchen")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if got := decode[event.EntityState](t, rec); got.Value != "on" {
		t.Errorf("Value = %q, want on", got.Value)
	}

	rec = f.get(t, "/api/v1/states/light.garage")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404", rec.Code)
	}
	got := decode[Error](t, rec)
	if got.Code != ErrCodeNotFound {
		t.Errorf("Code = %q, want %q", got.Code, ErrCodeNotFound)
	}
	if got.RequestID == "" || got.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("RequestID = %q, want the X-Request-ID header %q", got.RequestID, rec.Header().Get("X-Request-ID"))
	}
}

func TestMetricsMiddleware_LabelsByRoutePattern(t *testing.T) {
	f := newFixture(t, false)

	f.get(t, "/api/v1/states/light.kitchen")
	f.get(t, "/api/v1/states/light.garage")
	f.get(t, "/nowhere")
	f.get(t, "/metrics")

	want := []httpCall{
		{http.MethodGet, "/api/v1/states/{entityID}", http.StatusOK},
		{http.MethodGet, "/api/v1/states/{entityID}", http.StatusNotFound},
		{http.MethodGet, unmatchedRoute, http.StatusNotFound},
		{http.MethodGet, "/metrics", http.StatusOK},
	}
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if diff := cmp.Diff(want, f.metrics.calls); diff != "" {
		t.Errorf("observed requests mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricsEndpoint_Prometheus(t *testing.T) {
	m := metrics.New()
	srv, err := New(Deps{
		Bus:       newBus(t),
		Scheduler: &fakeScheduler{},
		Services:  fakeServices{},
		States:    fakeStates{},
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(body), `graylogic_http_requests_total{method="GET",route="/healthz",status="2xx"} 1`) {
			t.Errorf("exposition missing healthz request counter:\n%s", body)
		}
	}
}

type readyReporter chan struct{}

func (r readyReporter) Ready()         { close(r) }
func (readyReporter) Degraded(error) {}

// runServer starts Run on an ephemeral port and returns its base address.
func runServer(t *testing.T, f *fixture) (string, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(readyReporter)
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx, ready) }()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("Run() returned before ready: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not report ready")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
			return nil
		}
	}
	return f.server.Addr().String(), stop
}

func TestRun_ServesAndStops(t *testing.T) {
	f := newFixture(t, false)
	addr, stop := runServer(t, f)

	if got := f.bus.Len(); got != 1 {
		t.Errorf("bus.Len() while running = %d, want 1 (feed)", got)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if got := f.bus.Len(); got != 0 {
		t.Errorf("bus.Len() after stop = %d, want 0", got)
	}
	if f.server.Addr() != nil {
		t.Error("Addr() after stop should be nil")
	}
}

func TestRun_BindFailureIsReturned(t *testing.T) {
	f := newFixture(t, false)
	addr, stop := runServer(t, f)
	defer stop() //nolint:errcheck // cleanup

	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}
	second := newFixture(t, false)
	second.server.cfg.Port = port

	if err := second.server.Run(context.Background(), make(readyReporter)); err == nil {
		t.Fatal("Run() on a bound port error = nil, want listen error")
	}
	if got := second.bus.Len(); got != 0 {
		t.Errorf("bus.Len() after failed bind = %d, want 0", got)
	}
}

type feedFrame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Envelope json.RawMessage `json:"envelope"`
	Message  string          `json:"message"`
}

func readFrame(t *testing.T, conn *websocket.Conn) feedFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var fr feedFrame
	if err := conn.ReadJSON(&fr); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return fr
}

func TestWebSocketFeed_StreamsMatchingEnvelopes(t *testing.T) {
	f := newFixture(t, false)
	addr, stop := runServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?topic=state.light.*", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if fr := readFrame(t, conn); fr.Type != WSTypeSubscribed || fr.Topic != "state.light.*" {
		t.Fatalf("first frame = %+v, want subscribed to state.light.*", fr)
	}

	ctx := context.Background()
	f.bus.Dispatch(ctx, event.Envelope{Topic: "state.sensor.temp", Sequence: 1, Timestamp: epoch,
		Payload: &event.StateChange{EntityID: "sensor.temp"}})
	f.bus.Dispatch(ctx, event.Envelope{Topic: "state.light.kitchen", Sequence: 2, Timestamp: epoch,
		Payload: &event.StateChange{EntityID: "light.kitchen", New: &event.EntityState{EntityID: "light.kitchen", Value: "on"}}})

	fr := readFrame(t, conn)
	if fr.Type != WSTypeEvent || fr.Topic != "state.light.kitchen" {
		t.Fatalf("event frame = %+v, want state.light.kitchen", fr)
	}
	var env struct {
		Topic    string `json:"topic"`
		Kind     string `json:"kind"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(fr.Envelope, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Sequence != 2 || env.Topic != "state.light.kitchen" {
		t.Errorf("envelope = %+v, want sequence 2", env)
	}

	if err := conn.WriteJSON(map[string]string{"type": WSTypePing, "id": "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if fr := readFrame(t, conn); fr.Type != WSTypePong || fr.ID != "p1" {
		t.Errorf("ping reply = %+v, want pong p1", fr)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if fr := readFrame(t, conn); fr.Type != WSTypeError {
		t.Errorf("unsupported message reply = %+v, want error", fr)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after shutdown error = nil, want closed connection")
	}
	if got := f.server.Feed().ClientCount(); got != 0 {
		t.Errorf("ClientCount() after shutdown = %d, want 0", got)
	}
}

func TestWebSocket_InvalidPattern(t *testing.T) {
	f := newFixture(t, false)

	rec := f.get(t, "/ws?topic=state.%5B")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", rec.Code)
	}
}

func TestFeed_DropsWhenClientBufferFull(t *testing.T) {
	feed := NewFeed(config.WebSocketConfig{SendBuffer: 1}, nil)
	feed.open()
	c := &feedClient{feed: feed, send: make(chan []byte, 1), pattern: event.AllStates}
	if !feed.register(c) {
		t.Fatal("register() = false on an open feed")
	}

	env := event.Envelope{Topic: "state.light.hall", Payload: &event.StateChange{EntityID: "light.hall"}}
	for range 3 {
		if err := feed.Broadcast(context.Background(), env); err != nil {
			t.Fatalf("Broadcast() error = %v", err)
		}
	}
	if err := feed.Broadcast(context.Background(), event.Envelope{Topic: "custom.doorbell"}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	if feed.Sent() != 1 || feed.Dropped() != 2 {
		t.Errorf("Sent() = %d, Dropped() = %d, want 1 and 2", feed.Sent(), feed.Dropped())
	}

	feed.unregister(c)
	if _, ok := <-c.send; !ok {
		t.Fatal("queued message lost on unregister")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after unregister")
	}
	if err := feed.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("Broadcast() after unregister error = %v", err)
	}
}

func TestFeed_RefusesClientsWhenClosed(t *testing.T) {
	feed := NewFeed(config.WebSocketConfig{}, nil)
	if feed.register(&feedClient{feed: feed, send: make(chan []byte, 1)}) {
		t.Error("register() = true before the server runs")
	}
}
