package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

type queuedEnvelope struct {
	seq uint64
	env Envelope
}

// OutboundQueue is a bounded FIFO of envelopes waiting for a connection.
// When full, the oldest envelope is dropped to make room.
type OutboundQueue struct {
	mu      sync.Mutex
	buf     *queue.Queue
	max     int
	nextSeq uint64
	dropped uint64
}

// NewOutboundQueue creates a queue holding at most max envelopes.
func NewOutboundQueue(max int) *OutboundQueue {
	if max <= 0 {
		max = 1
	}
	return &OutboundQueue{
		buf: queue.New(),
		max: max,
	}
}

// Enqueue appends env and returns the envelope evicted to make room, if any.
func (q *OutboundQueue) Enqueue(env Envelope) (evicted Envelope, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.buf.Length() >= q.max {
		evicted, ok = q.buf.Remove().(queuedEnvelope).env, true
		q.dropped++
	}
	q.nextSeq++
	q.buf.Add(queuedEnvelope{seq: q.nextSeq, env: env})
	return evicted, ok
}

// Requeue puts envs back at the head of the queue ahead of everything already
// queued, then evicts the oldest entries beyond the bound. It returns how many
// were evicted.
func (q *OutboundQueue) Requeue(envs []Envelope) (evicted int) {
	if len(envs) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := q.buf
	q.buf = queue.New()
	for _, env := range envs {
		q.nextSeq++
		q.buf.Add(queuedEnvelope{seq: q.nextSeq, env: env})
	}
	for rest.Length() > 0 {
		q.buf.Add(rest.Remove())
	}
	for q.buf.Length() > q.max {
		q.buf.Remove()
		q.dropped++
		evicted++
	}
	return evicted
}

// SetMax changes the bound, evicting the oldest entries if needed.
func (q *OutboundQueue) SetMax(max int) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.max = max
	for q.buf.Length() > q.max {
		q.buf.Remove()
		q.dropped++
	}
}

// Flush sends queued envelopes in FIFO order. It stops at the first send that
// returns false, leaving that envelope and everything after it queued.
// send runs without the queue lock held, so Enqueue never waits on it.
func (q *OutboundQueue) Flush(send func(Envelope) bool) (sent int) {
	for {
		q.mu.Lock()
		if q.buf.Length() == 0 {
			q.mu.Unlock()
			return sent
		}
		head := q.buf.Peek().(queuedEnvelope)
		q.mu.Unlock()

		if !send(head.env) {
			return sent
		}
		sent++

		q.mu.Lock()
		// head may already be gone if Enqueue evicted it while it was being sent.
		if q.buf.Length() > 0 && q.buf.Peek().(queuedEnvelope).seq == head.seq {
			q.buf.Remove()
		}
		q.mu.Unlock()
	}
}

// Clear discards every queued envelope.
func (q *OutboundQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.buf.Length()
	q.buf = queue.New()
	return n
}

// Len returns the number of queued envelopes.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Dropped returns how many envelopes were evicted by the bound.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot copies the queued envelopes, oldest first.
func (q *OutboundQueue) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, 0, q.buf.Length())
	for i := 0; i < q.buf.Length(); i++ {
		out = append(out, q.buf.Get(i).(queuedEnvelope).env)
	}
	return out
}
