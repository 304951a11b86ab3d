package scheduler

import (
	"context"
	"sync"
	"time"
)

// Execution statuses.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// ExecutionRecord describes one finished job execution.
type ExecutionRecord struct {
	JobID        string        `json:"job_id"`
	Name         string        `json:"name"`
	Owner        string        `json:"owner,omitempty"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
}

// Recorder persists execution records. It is optional; without one the
// scheduler keeps only its in-memory history.
type Recorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// executionLog is a bounded ring of recent executions.
type executionLog struct {
	mu   sync.Mutex
	buf  []ExecutionRecord
	next int
	full bool
}

func newExecutionLog(size int) *executionLog {
	if size < 1 {
		size = 1
	}
	return &executionLog{buf: make([]ExecutionRecord, size)}
}

func (l *executionLog) add(rec ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = rec
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns up to limit records, newest first. limit <= 0 means all.
func (l *executionLog) recent(limit int) []ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}
