package push

import "sync"

// DefaultQueueSize bounds the per-connection outbound buffer.
const DefaultQueueSize = 1024

// outQueue is a bounded FIFO buffer between broadcasters and a connection's
// writer goroutine. Overflow drops the oldest entry, except that critical
// messages evict the newest non-critical entry instead so alerts and action
// traffic are never displaced by chat output. push reports saturation (every
// slot critical) so the caller can close the connection.
type outQueue struct {
	mu      sync.Mutex
	items   []*Envelope
	max     int
	closed  bool
	dropped uint64

	// wake carries at most one token; the writer re-polls after draining.
	wake chan struct{}
}

func newOutQueue(max int) *outQueue {
	if max < 1 {
		max = DefaultQueueSize
	}
	return &outQueue{
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

// push enqueues an envelope, applying the overflow policy. It returns false
// only when the queue is saturated with critical messages, meaning the
// client cannot keep up and the connection should be closed.
func (q *outQueue) push(env *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}

	if len(q.items) >= q.max {
		if !critical(env.Type) {
			q.dropHead()
		} else if !q.evictNewestNonCritical() {
			return false
		}
	}

	q.items = append(q.items, env)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes and returns the oldest envelope, or nil when empty.
func (q *outQueue) pop() *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env
}

func (q *outQueue) dropHead() {
	q.items[0] = nil
	q.items = q.items[1:]
	q.dropped++
}

func (q *outQueue) evictNewestNonCritical() bool {
	for i := len(q.items) - 1; i >= 0; i-- {
		if !critical(q.items[i].Type) {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			q.dropped++
			return true
		}
	}
	return false
}

// close discards buffered envelopes and wakes the writer so it can observe
// the connection context. Pushes after close are silently accepted.
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *outQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drops returns the number of envelopes shed by the overflow policy.
func (q *outQueue) drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
