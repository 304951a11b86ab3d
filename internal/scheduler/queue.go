package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is a min-heap of jobs ordered by next run time, with an id
// index that enforces at most one queued entry per job id.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	h     jobHeap
	index map[string]*Job
	seq   uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*Job)}
}

// Push inserts j keyed by its current next run time.
func (q *Queue) Push(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[j.id]; ok {
		return ErrDuplicateJob
	}
	q.seq++
	j.queueSeq = q.seq
	heap.Push(&q.h, j)
	q.index[j.id] = j
	return nil
}

// Remove drops the job with id from the queue, reporting whether it was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, j.heapIndex)
	delete(q.index, id)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// PopDue removes and returns every job whose next run is at or before
// now, earliest first.
func (q *Queue) PopDue(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Job
	for len(q.h) > 0 && !q.h[0].nextRun.After(now) {
		j := heap.Pop(&q.h).(*Job)
		delete(q.index, j.id)
		due = append(due, j)
	}
	return due
}

// Peek returns the earliest next run time.
func (q *Queue) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].nextRun, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// jobHeap implements heap.Interface. Ties on next run keep insertion order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].nextRun.Equal(h[j].nextRun) {
		return h[i].queueSeq < h[j].queueSeq
	}
	return h[i].nextRun.Before(h[j].nextRun)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.heapIndex = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}
