package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/service"
	"github.com/nerrad567/gray-logic-runtime/internal/worker"
)

// ServiceName is the managed service name of the scheduler.
const ServiceName = "scheduler"

// Logger defines the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher receives scheduler envelopes, normally the hub.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) (uint64, error)
}

// Observer receives scheduler counters, typically a metrics collector.
type Observer interface {
	JobFired(job string)
	JobFinished(job, status string, d time.Duration)
}

// Config holds scheduler tunables.
type Config struct {
	// TickResolution is the longest the driver sleeps between queue checks.
	TickResolution time.Duration

	// Workers bounds concurrent job bodies.
	Workers int

	// DefaultTimeout applies to jobs scheduled without WithTimeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration

	// HistorySize is the number of execution records kept in memory.
	HistorySize int

	// Location is the site time zone for cron, daily and time-of-day starts.
	Location *time.Location

	// FallBack decides how repeated local times are handled.
	FallBack FallBackPolicy
}

// Scheduler owns the job queue and its driver loop.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	queue *Queue
	log   *executionLog
	wake  chan struct{}

	mu   sync.Mutex
	jobs map[string]*Job

	logger    Logger
	publisher Publisher
	recorder  Recorder
	observer  Observer
}

// New creates a scheduler. A nil clock uses the real clock.
func New(cfg Config, clk clock.Clock) *Scheduler {
	if cfg.TickResolution <= 0 {
		cfg.TickResolution = time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 8
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 500
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FallBack == "" {
		cfg.FallBack = FallBackOnce
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		cfg:    cfg,
		clock:  clk,
		queue:  NewQueue(),
		log:    newExecutionLog(cfg.HistorySize),
		wake:   make(chan struct{}, 1),
		jobs:   make(map[string]*Job),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetPublisher sets where fired/finished envelopes are published.
func (s *Scheduler) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// SetRecorder sets the persistent execution recorder.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// SetObserver attaches a counter observer.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Name implements service.Service.
func (s *Scheduler) Name() string { return ServiceName }

// Location returns the scheduler's time zone.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// Schedule registers fn under trigger, first due at start.
func (s *Scheduler) Schedule(fn JobFunc, trigger Trigger, start Start, opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrNilJob
	}
	if trigger == nil {
		return nil, fmt.Errorf("%w: nil trigger", ErrInvalidTrigger)
	}

	now := s.clock.Now()
	j := &Job{
		trigger: trigger,
		start:   start,
		fn:      fn,
		timeout: s.cfg.DefaultTimeout,
		created: now,
		sched:   s,
		state:   JobScheduled,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.id == "" {
		j.id = uuid.NewString()
	}
	if j.name == "" {
		j.name = j.id
	}
	j.nextRun = trigger.First(start.Resolve(now, s.cfg.Location))
	if j.nextRun.IsZero() {
		return nil, fmt.Errorf("%w: %s never fires", ErrInvalidTrigger, trigger)
	}

	s.mu.Lock()
	if _, exists := s.jobs[j.id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, j.id)
	}
	if err := s.queue.Push(j); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", err, j.id)
	}
	s.jobs[j.id] = j
	logger := s.logger
	s.mu.Unlock()

	logger.Debug("job scheduled",
		"job_id", j.id,
		"name", j.name,
		"owner", j.owner,
		"trigger", trigger.String(),
		"next_run", j.nextRun,
	)
	s.poke()
	return j, nil
}

// RunOnce runs fn a single time at start.
func (s *Scheduler) RunOnce(fn JobFunc, start Start, opts ...JobOption) (*Job, error) {
	return s.Schedule(fn, Once(), start, opts...)
}

// RunIn runs fn once after delay.
func (s *Scheduler) RunIn(fn JobFunc, delay time.Duration, opts ...JobOption) (*Job, error) {
	return s.Schedule(fn, Once(), After(delay), opts...)
}

// RunAt runs fn once at t.
func (s *Scheduler) RunAt(fn JobFunc, t time.Time, opts ...JobOption) (*Job, error) {
	return s.Schedule(fn, Once(), At(t), opts...)
}

// RunEvery runs fn every interval starting at start.
func (s *Scheduler) RunEvery(fn JobFunc, interval time.Duration, start Start, opts ...JobOption) (*Job, error) {
	trig, err := Every(interval)
	if err != nil {
		return nil, err
	}
	return s.Schedule(fn, trig, start, opts...)
}

// RunMinutely runs fn every n minutes.
func (s *Scheduler) RunMinutely(fn JobFunc, n int, start Start, opts ...JobOption) (*Job, error) {
	return s.RunEvery(fn, time.Duration(n)*time.Minute, start, opts...)
}

// RunHourly runs fn every n hours.
func (s *Scheduler) RunHourly(fn JobFunc, n int, start Start, opts ...JobOption) (*Job, error) {
	return s.RunEvery(fn, time.Duration(n)*time.Hour, start, opts...)
}

// RunDaily runs fn every day at hour:minute:second local time.
func (s *Scheduler) RunDaily(fn JobFunc, hour, minute, second int, opts ...JobOption) (*Job, error) {
	trig, err := Daily(hour, minute, second, s.cfg.Location, s.cfg.FallBack)
	if err != nil {
		return nil, err
	}
	return s.Schedule(fn, trig, Immediately(), opts...)
}

// RunCron runs fn on a cron expression, first at or after start.
func (s *Scheduler) RunCron(fn JobFunc, expr string, start Start, opts ...JobOption) (*Job, error) {
	trig, err := Cron(expr, s.cfg.Location, s.cfg.FallBack)
	if err != nil {
		return nil, err
	}
	return s.Schedule(fn, trig, start, opts...)
}

// Cancel cancels the job with id.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.cancelJob(j)
	return nil
}

// CancelOwner cancels every job owned by owner and returns the count.
func (s *Scheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	var owned []*Job
	for _, j := range s.jobs {
		if j.owner == owner {
			owned = append(owned, j)
		}
	}
	s.mu.Unlock()

	for _, j := range owned {
		s.cancelJob(j)
	}
	return len(owned)
}

func (s *Scheduler) cancelJob(j *Job) {
	if !j.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.queue.Remove(j.id)

	s.mu.Lock()
	if s.jobs[j.id] == j {
		delete(s.jobs, j.id)
	}
	s.mu.Unlock()

	j.setState(JobCancelled)
	s.poke()
}

// Job returns the tracked job with id.
func (s *Scheduler) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns a snapshot of tracked jobs ordered by next run.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRun.Equal(out[k].NextRun) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRun.Before(out[k].NextRun)
	})
	return out
}

// History returns up to limit recent executions, newest first.
func (s *Scheduler) History(limit int) []ExecutionRecord {
	return s.log.recent(limit)
}

func (s *Scheduler) getLogger() Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the driver loop. It returns nil once ctx is cancelled, after
// in-flight job bodies finish or the pool drain is abandoned.
func (s *Scheduler) Run(ctx context.Context, r service.Reporter) error {
	pool := worker.NewPool(s.cfg.Workers)
	r.Ready()
	for {
		now := s.clock.Now()
		for _, j := range s.queue.PopDue(now) {
			s.fire(ctx, pool, j, now)
		}

		wait := s.cfg.TickResolution
		if next, ok := s.queue.Peek(); ok {
			if d := next.Sub(s.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := s.clock.AfterFunc(wait, s.poke)
		// Time may have moved between reading the queue and arming the timer.
		if next, ok := s.queue.Peek(); ok && !next.After(s.clock.Now()) {
			s.poke()
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.drain(pool)
		case <-s.wake:
			timer.Stop()
		}
	}
}

func (s *Scheduler) drain(pool *worker.Pool) error {
	pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickResolution+time.Second)
	defer cancel()
	if err := pool.Wait(ctx); err != nil {
		s.getLogger().Warn("scheduler shutting down with jobs still running",
			"running", pool.Running(),
		)
	}
	return nil
}

// fire re-queues a popped job for its next occurrence and dispatches
// its body. The queue lock is already released.
func (s *Scheduler) fire(ctx context.Context, pool *worker.Pool, j *Job, now time.Time) {
	if j.cancelled.Load() {
		return
	}

	j.mu.Lock()
	scheduledFor := j.nextRun
	next, repeats := j.trigger.Next(scheduledFor, now)
	if repeats {
		j.nextRun = next
	} else {
		j.nextRun = time.Time{}
		j.state = JobRunning
	}
	j.mu.Unlock()

	if repeats {
		if err := s.queue.Push(j); err != nil {
			s.getLogger().Error("job could not be re-queued", "job_id", j.id, "error", err)
		}
	} else {
		s.mu.Lock()
		if s.jobs[j.id] == j {
			delete(s.jobs, j.id)
		}
		s.mu.Unlock()
	}

	err := pool.Go(ctx, func() { s.execute(ctx, j, scheduledFor, repeats) })
	if err != nil {
		s.getLogger().Warn("job dispatch rejected", "job_id", j.id, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *Job, scheduledFor time.Time, repeats bool) {
	if j.cancelled.Load() {
		return
	}

	s.mu.Lock()
	logger, pub, rec, obs := s.logger, s.publisher, s.recorder, s.observer
	s.mu.Unlock()

	j.runs.Add(1)
	j.running.Add(1)
	defer j.running.Add(-1)

	started := s.clock.Now()
	j.mu.Lock()
	j.lastRun = started
	if !repeats {
		j.state = JobRunning
	}
	j.mu.Unlock()

	if obs != nil {
		obs.JobFired(j.name)
	}
	s.publish(ctx, pub, logger, event.New(event.TopicSchedulerFired, &event.SchedulerFired{
		JobID:        j.id,
		Name:         j.name,
		Owner:        j.owner,
		ScheduledFor: scheduledFor,
	}))

	status, runErr := s.runBody(ctx, j)
	elapsed := s.clock.Now().Sub(started)

	if !repeats {
		j.setState(JobDone)
	}

	record := ExecutionRecord{
		JobID:        j.id,
		Name:         j.name,
		Owner:        j.owner,
		ScheduledFor: scheduledFor,
		StartedAt:    started,
		Duration:     elapsed,
		Status:       status,
	}
	if runErr != nil {
		record.Error = runErr.Error()
		logger.Error("job failed",
			"job_id", j.id,
			"name", j.name,
			"owner", j.owner,
			"status", status,
			"duration", elapsed,
			"error", runErr,
		)
	} else {
		logger.Debug("job finished", "job_id", j.id, "name", j.name, "duration", elapsed)
	}
	s.log.add(record)

	if rec != nil {
		if err := rec.RecordExecution(context.WithoutCancel(ctx), record); err != nil {
			logger.Warn("recording job execution failed", "job_id", j.id, "error", err)
		}
	}
	if obs != nil {
		obs.JobFinished(j.name, status, elapsed)
	}
	s.publish(ctx, pub, logger, event.New(event.TopicSchedulerFinished, &event.SchedulerFinished{
		JobID:    j.id,
		Name:     j.name,
		Owner:    j.owner,
		Status:   status,
		Duration: elapsed,
		Error:    record.Error,
	}))
}

// runBody runs the job body, abandoning it on timeout or shutdown.
func (s *Scheduler) runBody(ctx context.Context, j *Job) (string, error) {
	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- callJob(bodyCtx, j.fn) }()

	var timeout <-chan time.Time
	if j.timeout > 0 {
		timeout = s.clock.After(j.timeout)
	}

	select {
	case err := <-done:
		if err != nil {
			return StatusError, err
		}
		return StatusSuccess, nil
	case <-timeout:
		return StatusTimeout, fmt.Errorf("%w after %v", ErrJobTimeout, j.timeout)
	case <-ctx.Done():
		return StatusCancelled, ctx.Err()
	}
}

func (s *Scheduler) publish(ctx context.Context, pub Publisher, logger Logger, env event.Envelope) {
	if pub == nil {
		return
	}
	if _, err := pub.Publish(ctx, env); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("publishing scheduler event failed", "topic", env.Topic, "error", err)
	}
}

func callJob(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrJobPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}
