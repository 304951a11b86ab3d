package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes when a job fires next.
type Trigger interface {
	// Next returns the fire time following a fire scheduled for prev,
	// observed at now. ok is false when the job is finished.
	Next(prev, now time.Time) (next time.Time, ok bool)

	// First returns the first fire time for a job whose start
	// option resolved to start.
	First(start time.Time) time.Time

	String() string
}

// Once fires a single time.
func Once() Trigger { return onceTrigger{} }

type onceTrigger struct{}

func (onceTrigger) Next(time.Time, time.Time) (time.Time, bool) { return time.Time{}, false }
func (onceTrigger) First(start time.Time) time.Time             { return start }
func (onceTrigger) String() string                              { return "once" }

// Every fires at start, start+d, start+2d, ... on absolute time.
func Every(d time.Duration) (Trigger, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidTrigger, d)
	}
	return intervalTrigger{every: d}, nil
}

type intervalTrigger struct {
	every time.Duration
}

func (t intervalTrigger) First(start time.Time) time.Time { return start }

func (t intervalTrigger) Next(prev, now time.Time) (time.Time, bool) {
	next := prev.Add(t.every)
	if next.After(now) {
		return next, true
	}
	missed := now.Sub(prev) / t.every
	return prev.Add((missed + 1) * t.every), true
}

func (t intervalTrigger) String() string { return "every " + t.every.String() }

// FallBackPolicy controls cron jobs whose local time occurs twice when
// clocks go back.
type FallBackPolicy string

// Fall-back policies.
const (
	FallBackOnce  FallBackPolicy = "once"
	FallBackTwice FallBackPolicy = "twice"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron parses a 5 or 6 field cron expression (seconds first when six)
// or a descriptor such as "@daily". Expressions without a CRON_TZ or TZ
// prefix are evaluated in loc.
func Cron(expr string, loc *time.Location, fallBack FallBackPolicy) (Trigger, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTrigger, expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		if hasTZPrefix(expr) {
			loc = spec.Location
		} else {
			spec.Location = loc
		}
	}
	if fallBack == "" {
		fallBack = FallBackOnce
	}
	return cronTrigger{expr: expr, sched: sched, loc: loc, fallBack: fallBack}, nil
}

// Daily fires every day at hour:minute:second local time in loc.
func Daily(hour, minute, second int, loc *time.Location, fallBack FallBackPolicy) (Trigger, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return nil, fmt.Errorf("%w: time of day %02d:%02d:%02d", ErrInvalidTrigger, hour, minute, second)
	}
	return Cron(fmt.Sprintf("%d %d %d * * *", second, minute, hour), loc, fallBack)
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=")
}

type cronTrigger struct {
	expr     string
	sched    cron.Schedule
	loc      *time.Location
	fallBack FallBackPolicy
}

func (t cronTrigger) First(start time.Time) time.Time {
	return t.sched.Next(start.Add(-time.Nanosecond))
}

func (t cronTrigger) Next(prev, now time.Time) (time.Time, bool) {
	from := now
	if prev.After(from) {
		from = prev
	}

	// A handful of iterations is enough to step over a repeated hour.
	for range 4 {
		next := t.sched.Next(from)
		if next.IsZero() {
			return time.Time{}, false
		}
		if t.fallBack == FallBackOnce && sameWallClock(prev, next, t.loc) {
			from = next
			continue
		}
		return next, true
	}
	return time.Time{}, false
}

func (t cronTrigger) String() string { return "cron " + t.expr }

// sameWallClock reports whether a and b are distinct instants showing
// the same local date and time in loc.
func sameWallClock(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() || a.Equal(b) {
		return false
	}
	la, lb := a.In(loc), b.In(loc)
	y1, m1, d1 := la.Date()
	y2, m2, d2 := lb.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		la.Hour() == lb.Hour() && la.Minute() == lb.Minute() && la.Second() == lb.Second()
}

// Start specifies when a job first becomes due.
type Start struct {
	kind   startKind
	delay  time.Duration
	at     time.Time
	hour   int
	minute int
	second int
}

type startKind int

const (
	startNow startKind = iota
	startDelay
	startAt
	startTimeOfDay
)

// Immediately starts a job on the next driver pass.
func Immediately() Start { return Start{kind: startNow} }

// After starts a job once d has elapsed.
func After(d time.Duration) Start { return Start{kind: startDelay, delay: d} }

// At starts a job at the absolute time t.
func At(t time.Time) Start { return Start{kind: startAt, at: t} }

// TimeOfDay starts a job at the next occurrence of hour:minute:second
// in the scheduler's time zone.
func TimeOfDay(hour, minute, second int) Start {
	return Start{kind: startTimeOfDay, hour: hour, minute: minute, second: second}
}

// Resolve returns the absolute start time relative to now.
func (s Start) Resolve(now time.Time, loc *time.Location) time.Time {
	switch s.kind {
	case startDelay:
		return now.Add(s.delay)
	case startAt:
		return s.at
	case startTimeOfDay:
		if loc == nil {
			loc = time.UTC
		}
		local := now.In(loc)
		t := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, s.second, 0, loc)
		if t.Before(now) {
			t = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, s.second, 0, loc)
		}
		return t
	default:
		return now
	}
}

// String describes the start option.
func (s Start) String() string {
	switch s.kind {
	case startDelay:
		return "after " + s.delay.String()
	case startAt:
		return "at " + s.at.Format(time.RFC3339)
	case startTimeOfDay:
		return fmt.Sprintf("at %02d:%02d:%02d", s.hour, s.minute, s.second)
	default:
		return "immediately"
	}
}
