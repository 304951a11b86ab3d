package hub

import "github.com/nerrad567/gray-logic-runtime/internal/event"

// ring is a fixed-capacity FIFO of envelopes.
type ring struct {
	buf  []event.Envelope
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]event.Envelope, capacity)}
}

func (r *ring) len() int   { return r.n }
func (r *ring) full() bool { return r.n == len(r.buf) }

func (r *ring) push(env event.Envelope) {
	r.buf[(r.head+r.n)%len(r.buf)] = env
	r.n++
}

func (r *ring) pop() event.Envelope {
	env := r.buf[r.head]
	r.buf[r.head] = event.Envelope{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return env
}
