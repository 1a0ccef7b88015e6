package monitor

import "sync"

// eventQueue is the FIFO between offloader and dispatcher. The offloader only
// appends and the dispatcher only drains.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
}

// appendBatch adds every event in batch under a single lock acquisition, so
// a drained batch never interleaves two buckets.
func (q *eventQueue) appendBatch(batch []Event) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	q.events = append(q.events, batch...)
	q.mu.Unlock()
}

// drain moves up to max events, oldest first, onto dst and returns it.
func (q *eventQueue) drain(max int, dst []Event) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.events)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return dst
	}
	dst = append(dst, q.events[:n]...)

	remaining := copy(q.events, q.events[n:])
	clear(q.events[remaining:])
	q.events = q.events[:remaining]
	return dst
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
