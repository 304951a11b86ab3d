package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/nerrad567/gray-logic-runtime/internal/clock"
	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type nopReporter struct{}

func (nopReporter) Ready()         {}
func (nopReporter) Degraded(error) {}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nopReporter{}) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
		var zero T
		return zero
	}
}

func newTestScheduler(clk clock.Clock) *Scheduler {
	return New(Config{TickResolution: time.Minute, Workers: 4, HistorySize: 16}, clk)
}

func TestQueue_OrdersByNextRunThenInsertion(t *testing.T) {
	q := NewQueue()
	jobs := []*Job{
		{id: "c", nextRun: epoch.Add(2 * time.Second)},
		{id: "a", nextRun: epoch},
		{id: "b", nextRun: epoch},
	}
	for _, j := range jobs {
		if err := q.Push(j); err != nil {
			t.Fatalf("Push(%s) error = %v", j.id, err)
		}
	}
	if err := q.Push(&Job{id: "a", nextRun: epoch}); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Push(duplicate) error = %v, want ErrDuplicateJob", err)
	}

	due := q.PopDue(epoch.Add(time.Second))
	if len(due) != 2 || due[0].id != "a" || due[1].id != "b" {
		t.Fatalf("PopDue() = %v, want [a b]", ids(due))
	}
	if next, ok := q.Peek(); !ok || !next.Equal(epoch.Add(2*time.Second)) {
		t.Errorf("Peek() = %v, %v", next, ok)
	}
	if !q.Remove("c") || q.Len() != 0 {
		t.Errorf("Remove(c) left %d jobs", q.Len())
	}
	if q.Remove("c") {
		t.Error("Remove(c) twice returned true")
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.id
	}
	return out
}

func TestEvery_Next(t *testing.T) {
	trig, err := Every(10 * time.Second)
	if err != nil {
		t.Fatalf("Every() error = %v", err)
	}

	tests := []struct {
		name string
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{"on time", epoch, epoch, epoch.Add(10 * time.Second)},
		{"late fire keeps grid", epoch, epoch.Add(3 * time.Second), epoch.Add(10 * time.Second)},
		{"missed slots collapse", epoch, epoch.Add(35 * time.Second), epoch.Add(40 * time.Second)},
		{"exactly on a slot", epoch, epoch.Add(20 * time.Second), epoch.Add(30 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := trig.Next(tt.prev, tt.now)
			if !ok || !got.Equal(tt.want) {
				t.Errorf("Next() = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}

	if _, err := Every(0); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Every(0) error = %v, want ErrInvalidTrigger", err)
	}
}

func TestCron_InvalidExpression(t *testing.T) {
	for _, expr := range []string{"", "not cron", "61 * * * *"} {
		if _, err := Cron(expr, time.UTC, FallBackOnce); !errors.Is(err, ErrInvalidTrigger) {
			t.Errorf("Cron(%q) error = %v, want ErrInvalidTrigger", expr, err)
		}
	}
	if _, err := Daily(24, 0, 0, time.UTC, FallBackOnce); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Daily(24) error = %v, want ErrInvalidTrigger", err)
	}
}

func TestCron_DaylightSaving(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}

	t.Run("nonexistent time is skipped", func(t *testing.T) {
		trig, err := Daily(2, 30, 0, ny, FallBackOnce)
		if err != nil {
			t.Fatalf("Daily() error = %v", err)
		}
		got := trig.First(time.Date(2026, 3, 8, 0, 0, 0, 0, ny))
		want := time.Date(2026, 3, 9, 2, 30, 0, 0, ny)
		if !got.Equal(want) {
			t.Errorf("First() = %v, want %v", got, want)
		}
	})

	first := time.Date(2026, 11, 1, 1, 30, 0, 0, ny)
	firstEDT := first
	if _, off := first.Zone(); off != -4*3600 {
		firstEDT = first.Add(-time.Hour)
	}

	t.Run("repeated time fires once", func(t *testing.T) {
		trig, err := Daily(1, 30, 0, ny, FallBackOnce)
		if err != nil {
			t.Fatalf("Daily() error = %v", err)
		}
		got := trig.First(time.Date(2026, 11, 1, 0, 0, 0, 0, ny))
		if !got.Equal(firstEDT) {
			t.Fatalf("First() = %v, want %v", got, firstEDT)
		}
		next, ok := trig.Next(got, got)
		want := time.Date(2026, 11, 2, 1, 30, 0, 0, ny)
		if !ok || !next.Equal(want) {
			t.Errorf("Next() = %v, want %v", next, want)
		}
	})

	t.Run("repeated time fires twice when configured", func(t *testing.T) {
		trig, err := Daily(1, 30, 0, ny, FallBackTwice)
		if err != nil {
			t.Fatalf("Daily() error = %v", err)
		}
		next, ok := trig.Next(firstEDT, firstEDT)
		want := firstEDT.Add(time.Hour)
		if !ok || !next.Equal(want) {
			t.Errorf("Next() = %v, want %v", next, want)
		}
	})
}

func TestStart_Resolve(t *testing.T) {
	tests := []struct {
		name  string
		start Start
		want  time.Time
	}{
		{"immediately", Immediately(), epoch},
		{"after", After(90 * time.Second), epoch.Add(90 * time.Second)},
		{"at", At(epoch.Add(time.Hour)), epoch.Add(time.Hour)},
		{"time of day later today", TimeOfDay(9, 15, 0), time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)},
		{"time of day tomorrow", TimeOfDay(7, 0, 0), time.Date(2026, 5, 2, 7, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.start.Resolve(epoch, time.UTC); !got.Equal(tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduler_IntervalIsDriftFree(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)
	fired := make(chan time.Time, 8)

	_, err := s.RunEvery(func(context.Context) error {
		fired <- clk.Now()
		return nil
	}, 10*time.Second, Immediately())
	if err != nil {
		t.Fatalf("RunEvery() error = %v", err)
	}
	startScheduler(t, s)

	if got := receive(t, fired); !got.Equal(epoch) {
		t.Fatalf("first run at %v, want %v", got, epoch)
	}
	for i := 1; i <= 3; i++ {
		clk.Advance(10 * time.Second)
		want := epoch.Add(time.Duration(i) * 10 * time.Second)
		if got := receive(t, fired); !got.Equal(want) {
			t.Fatalf("run %d at %v, want %v", i, got, want)
		}
	}
}

func TestScheduler_MissedIntervalsRunOnce(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)
	fired := make(chan time.Time, 8)

	job, err := s.RunEvery(func(context.Context) error {
		fired <- clk.Now()
		return nil
	}, 10*time.Second, Immediately())
	if err != nil {
		t.Fatalf("RunEvery() error = %v", err)
	}
	startScheduler(t, s)
	receive(t, fired)

	clk.Advance(35 * time.Second)
	receive(t, fired)

	eventually(t, "next run to be re-armed", func() bool {
		return job.NextRun().Equal(epoch.Add(40 * time.Second))
	})
	select {
	case got := <-fired:
		t.Fatalf("unexpected catch-up run at %v", got)
	case <-time.After(50 * time.Millisecond):
	}
	if runs := job.Runs(); runs != 2 {
		t.Errorf("Runs() = %d, want 2", runs)
	}
}

func TestScheduler_CancelBeforeRunNeverInvokes(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)
	var calls int
	var mu sync.Mutex

	job, err := s.RunIn(func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("RunIn() error = %v", err)
	}
	sentinel := make(chan struct{}, 1)
	if _, err := s.RunIn(func(context.Context) error {
		sentinel <- struct{}{}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatalf("RunIn(sentinel) error = %v", err)
	}
	startScheduler(t, s)

	job.Cancel()
	clk.Advance(10 * time.Second)
	receive(t, sentinel)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("cancelled job ran %d times", calls)
	}
	if job.State() != JobCancelled {
		t.Errorf("State() = %s, want %s", job.State(), JobCancelled)
	}
	if _, ok := s.Job(job.ID()); ok {
		t.Error("cancelled job is still tracked")
	}
}

func TestScheduler_ErrorKeepsRepeatingJob(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)
	fired := make(chan struct{}, 8)
	boom := errors.New("boom")

	job, err := s.RunEvery(func(context.Context) error {
		fired <- struct{}{}
		return boom
	}, time.Minute, Immediately(), WithJobName("flaky"))
	if err != nil {
		t.Fatalf("RunEvery() error = %v", err)
	}
	startScheduler(t, s)

	receive(t, fired)
	clk.Advance(time.Minute)
	receive(t, fired)

	eventually(t, "two history records", func() bool { return len(s.History(0)) == 2 })
	for _, rec := range s.History(0) {
		if rec.Status != StatusError || rec.Error != "boom" || rec.Name != "flaky" {
			t.Errorf("record = %+v, want error status", rec)
		}
	}
	if job.State() != JobScheduled {
		t.Errorf("State() = %s, want %s", job.State(), JobScheduled)
	}
}

func TestScheduler_OneShotDoneAfterFailure(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)

	job, err := s.RunAt(func(context.Context) error {
		return errors.New("device offline")
	}, epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}
	startScheduler(t, s)

	clk.Advance(time.Hour)
	eventually(t, "job to finish", func() bool { return job.State() == JobDone })

	if !job.NextRun().IsZero() {
		t.Errorf("NextRun() = %v, want zero", job.NextRun())
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("Jobs() = %v, want none", s.Jobs())
	}
	hist := s.History(1)
	if len(hist) != 1 || hist[0].Status != StatusError {
		t.Errorf("History() = %+v", hist)
	}
}

func TestScheduler_Timeout(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)
	started := make(chan struct{})
	released := make(chan struct{})

	_, err := s.RunOnce(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(released)
		return ctx.Err()
	}, Immediately(), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	startScheduler(t, s)

	receive(t, started)
	// Driver tick plus the timeout.
	clk.WaitForTimers(2)
	clk.Advance(5 * time.Second)

	receive(t, released)
	eventually(t, "timeout record", func() bool { return len(s.History(0)) == 1 })
	rec := s.History(1)[0]
	if rec.Status != StatusTimeout {
		t.Errorf("Status = %s, want %s", rec.Status, StatusTimeout)
	}
}

func TestScheduler_PanicIsRecorded(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newTestScheduler(clk)

	if _, err := s.RunOnce(func(context.Context) error { panic("bad job") }, Immediately()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	startScheduler(t, s)

	eventually(t, "panic record", func() bool { return len(s.History(0)) == 1 })
	if rec := s.History(1)[0]; rec.Status != StatusError {
		t.Errorf("Status = %s, want %s", rec.Status, StatusError)
	}
}

func TestScheduler_DuplicateAndCancelOwner(t *testing.T) {
	s := newTestScheduler(clock.Fake(epoch))
	noop := func(context.Context) error { return nil }

	if _, err := s.RunIn(noop, time.Hour, WithJobID("porch"), WithJobOwner("automation.porch")); err != nil {
		t.Fatalf("RunIn() error = %v", err)
	}
	if _, err := s.RunIn(noop, time.Hour, WithJobID("porch")); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate RunIn() error = %v, want ErrDuplicateJob", err)
	}
	if _, err := s.RunCron(noop, "*/5 * * * *", Immediately(), WithJobOwner("automation.porch")); err != nil {
		t.Fatalf("RunCron() error = %v", err)
	}
	if _, err := s.RunDaily(noop, 6, 0, 0, WithJobOwner("automation.garden")); err != nil {
		t.Fatalf("RunDaily() error = %v", err)
	}
	if _, err := s.Schedule(nil, Once(), Immediately()); !errors.Is(err, ErrNilJob) {
		t.Errorf("Schedule(nil) error = %v, want ErrNilJob", err)
	}

	if n := s.CancelOwner("automation.porch"); n != 2 {
		t.Errorf("CancelOwner() = %d, want 2", n)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Owner != "automation.garden" {
		t.Errorf("Jobs() = %+v", jobs)
	}
	if err := s.Cancel("porch"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel() error = %v, want ErrJobNotFound", err)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(_ context.Context, env event.Envelope) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, env.Topic)
	return uint64(len(p.topics)), nil
}

func (p *capturePublisher) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []ExecutionRecord
}

func (r *memRecorder) RecordExecution(_ context.Context, rec ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func TestScheduler_PublishesAndRecords(t *testing.T) {
	s := newTestScheduler(clock.Fake(epoch))
	pub := &capturePublisher{}
	rec := &memRecorder{}
	s.SetPublisher(pub)
	s.SetRecorder(rec)

	if _, err := s.RunOnce(func(context.Context) error { return nil }, Immediately(), WithJobName("sunrise")); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	startScheduler(t, s)

	eventually(t, "finished envelope", func() bool { return len(pub.got()) == 2 })
	got := pub.got()
	if got[0] != event.TopicSchedulerFired || got[1] != event.TopicSchedulerFinished {
		t.Errorf("topics = %v", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 1 || rec.recs[0].Name != "sunrise" || rec.recs[0].Status != StatusSuccess {
		t.Errorf("recorded = %+v", rec.recs)
	}
}
