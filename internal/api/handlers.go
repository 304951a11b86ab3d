package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-runtime/internal/bus"
	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// Query limits for list endpoints.
const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Execution sources accepted by /api/v1/executions.
const (
	sourceMemory = "memory"
	sourceStore  = "store"
)

// Health states reported by /healthz.
const (
	healthOK        = "ok"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version,omitempty"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Services      map[string]service.Status `json:"services"`
	FeedClients   int                       `json:"feed_clients"`
}

// Snapshot is the combined observability view.
type Snapshot struct {
	Timestamp     time.Time                   `json:"timestamp"`
	Version       string                      `json:"version,omitempty"`
	Subscriptions []bus.Info                  `json:"subscriptions"`
	Jobs          []scheduler.JobInfo         `json:"jobs"`
	Executions    []scheduler.ExecutionRecord `json:"executions"`
	Services      []coordinator.ServiceInfo   `json:"services"`
	Entities      int                         `json:"entities"`
}

// StatesResponse lists cached entity states.
type StatesResponse struct {
	Domain string               `json:"domain,omitempty"`
	Count  int                  `json:"count"`
	States []*event.EntityState `json:"states"`
}

// handleHealth reports ok, degraded when any service is degraded or
// restarting, and unhealthy with 503 when any service has failed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	services := s.services.Services()
	resp := HealthResponse{
		Status:        healthOK,
		Version:       s.version,
		UptimeSeconds: int64(s.clock.Now().Sub(s.startedAt).Seconds()),
		Services:      make(map[string]service.Status, len(services)),
		FeedClients:   s.feed.ClientCount(),
	}

	for _, info := range services {
		resp.Services[info.Name] = info.Status
		switch {
		case info.Failed:
			resp.Status = healthUnhealthy
		case info.Status == service.StatusDegraded || info.Status == service.StatusCrashed:
			if resp.Status == healthOK {
				resp.Status = healthDegraded
			}
		}
	}

	status := http.StatusOK
	if resp.Status == healthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Snapshot{
		Timestamp:     s.clock.Now().UTC(),
		Version:       s.version,
		Subscriptions: s.bus.Subscriptions(),
		Jobs:          s.scheduler.Jobs(),
		Executions:    s.scheduler.History(defaultLimit),
		Services:      s.services.Services(),
		Entities:      s.states.Len(),
	})
}

// handleSubscriptions lists subscriptions, optionally filtered by ?owner=.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	all := s.bus.Subscriptions()
	out := make([]bus.Info, 0, len(all))
	for _, info := range all {
		if owner == "" || info.Owner == owner {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleJobs lists jobs, optionally filtered by ?owner=.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	all := s.scheduler.Jobs()
	out := make([]scheduler.JobInfo, 0, len(all))
	for _, info := range all {
		if owner == "" || info.Owner == owner {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExecutions lists recent executions, newest first. ?source=store
// reads the persistent history instead of the in-memory ring.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	jobID := q.Get("job")

	switch source := q.Get("source"); source {
	case "", sourceMemory:
		// The ring is unfiltered, so read all of it when filtering by job.
		n := limit
		if jobID != "" {
			n = 0
		}
		records := s.scheduler.History(n)
		out := make([]scheduler.ExecutionRecord, 0, len(records))
		for _, rec := range records {
			if jobID != "" && rec.JobID != jobID {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
		writeJSON(w, http.StatusOK, out)

	case sourceStore:
		if s.history == nil {
			writeUnavailable(w, "execution history is not persisted")
			return
		}
		records, err := s.history.Executions(r.Context(), jobID, limit)
		if err != nil {
			s.logger.Error("reading execution history", "error", err)
			writeInternalError(w, "failed to read execution history")
			return
		}
		writeJSON(w, http.StatusOK, records)

	default:
		writeBadRequest(w, "source must be memory or store")
	}
}

// handleCrashes lists persisted service crashes, newest first.
func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "crash history is not persisted")
		return
	}
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	records, err := s.history.Crashes(r.Context(), q.Get("service"), limit)
	if err != nil {
		s.logger.Error("reading crash history", "error", err)
		writeInternalError(w, "failed to read crash history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Services())
}

// handleStates lists cached states sorted by entity id, optionally
// limited to one ?domain=.
func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	var states []*event.EntityState
	if domain != "" {
		states = s.states.Domain(domain)
	} else {
		all := s.states.All()
		states = make([]*event.EntityState, 0, len(all))
		for _, st := range all {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	writeJSON(w, http.StatusOK, StatesResponse{Domain: domain, Count: len(states), States: states})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	st, ok := s.states.Get(id)
	if !ok {
		writeNotFound(w, "entity not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// parseLimit reads a ?limit= value, writing a 400 when it is malformed.
func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxLimit), true
}
