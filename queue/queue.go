// Package queue implements the per-session work queue: an ordered,
// unbounded FIFO of pending frame payloads that decouples a session's
// receiver from its consumer, so that a fast-path cancellation can prune
// work the consumer hasn't gotten to yet.
package queue

import "sync"

// EOF is the sentinel payload Put by a session's receiver to wake and
// terminate its consumer after a Clear. Consumers compare by value, not by
// slice identity, matching the string-equality check the original design
// uses ("eof").
var EOF = []byte("eof")

// Queue is a thread-safe FIFO of byte-string payloads.
//
// For a single producer, Gets observe Puts in Put order. Concurrent
// producers may interleave their Puts with each other, but each Put is
// atomic: a Get never observes a partially-appended item.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items [][]byte
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends b to the tail and wakes one waiting Get.
func (q *Queue) Put(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.cond.Signal()
}

// PutEOF appends the EOF sentinel, by convention used to wake a consumer
// and have it exit after draining whatever was ahead of the sentinel.
func (q *Queue) PutEOF() {
	q.Put(EOF)
}

// Get blocks until the queue is non-empty, then pops and returns the head.
func (q *Queue) Get() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b
}

// RemoveIf atomically drops every element for which pred is true,
// preserving the order of survivors. Used by the "canceltiles" fast path to
// prune unidentified pending tile render requests.
func (q *Queue) RemoveIf(pred func([]byte) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	survivors := q.items[:0:0]
	for _, item := range q.items {
		if !pred(item) {
			survivors = append(survivors, item)
		}
	}
	q.items = survivors
}

// Clear drops every pending element.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Len reports the number of pending elements, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
