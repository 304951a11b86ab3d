package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JobFunc is a job body. It should return promptly once ctx is done.
type JobFunc func(ctx context.Context) error

// JobState is the state of a job in its lifecycle.
type JobState string

// Job states.
const (
	JobScheduled JobState = "SCHEDULED"
	JobRunning   JobState = "RUNNING"
	JobDone      JobState = "DONE"
	JobCancelled JobState = "CANCELLED"
)

// JobOption configures a job at scheduling time.
type JobOption func(*Job)

// WithJobID sets an explicit id. Scheduling a second job with the same
// id while the first is tracked fails with ErrDuplicateJob.
func WithJobID(id string) JobOption {
	return func(j *Job) { j.id = id }
}

// WithJobName sets a human-readable name.
func WithJobName(name string) JobOption {
	return func(j *Job) { j.name = name }
}

// WithJobOwner tags the job with the resource that created it.
func WithJobOwner(owner string) JobOption {
	return func(j *Job) { j.owner = owner }
}

// WithTimeout bounds a single execution of the body.
func WithTimeout(d time.Duration) JobOption {
	return func(j *Job) { j.timeout = d }
}

// Job is a handle to a scheduled unit of work.
type Job struct {
	id      string
	name    string
	owner   string
	trigger Trigger
	start   Start
	fn      JobFunc
	timeout time.Duration
	created time.Time
	sched   *Scheduler

	// heapIndex and queueSeq belong to the Queue.
	heapIndex int
	queueSeq  uint64

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	state   JobState

	cancelled atomic.Bool
	runs      atomic.Uint64
	running   atomic.Int32
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Owner returns the owning resource, or "".
func (j *Job) Owner() string { return j.owner }

// NextRun returns the next scheduled fire time. It is zero once a
// one-shot job has fired.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

// State returns the job state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Cancelled reports whether Cancel was called.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Runs returns how many times the body has been started.
func (j *Job) Runs() uint64 { return j.runs.Load() }

// Cancel stops all future executions. An execution already running is
// not interrupted.
func (j *Job) Cancel() { j.sched.cancelJob(j) }

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// JobInfo is a read-only view of a job for observability.
type JobInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner,omitempty"`
	Trigger   string    `json:"trigger"`
	Start     string    `json:"start"`
	State     JobState  `json:"state"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	Cancelled bool      `json:"cancelled"`
	Runs      uint64    `json:"runs"`
	Running   int       `json:"running"`
	Created   time.Time `json:"created"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	next, last, state := j.nextRun, j.lastRun, j.state
	j.mu.Unlock()

	return JobInfo{
		ID:        j.id,
		Name:      j.name,
		Owner:     j.owner,
		Trigger:   j.trigger.String(),
		Start:     j.start.String(),
		State:     state,
		NextRun:   next,
		LastRun:   last,
		Cancelled: j.cancelled.Load(),
		Runs:      j.runs.Load(),
		Running:   int(j.running.Load()),
		Created:   j.created,
	}
}
