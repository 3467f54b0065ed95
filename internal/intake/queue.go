// Package intake is the handoff between the detection loop and the copy
// workers: an unbounded FIFO with blocking dequeue, per-path dedupe, and
// timer-driven delayed re-admission for retries.
//
// Enqueue never blocks the detector. A path stays claimed from admission
// until its task reaches a terminal state, so re-detections and concurrent
// retries can never put two tasks for the same source file in flight.
package intake

import (
	"sync"
	"time"

	"fanout/internal/task"
)

// Queue decouples fast detection from slow copy work.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task.Task
	active map[string]struct{}
	timers map[string]*time.Timer
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	q := &Queue{
		active: make(map[string]struct{}),
		timers: make(map[string]*time.Timer),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a task unless its source path is already queued or in
// flight. Returns false when the admission was dropped.
func (q *Queue) Enqueue(t *task.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, inFlight := q.active[t.Key]; inFlight {
		return false
	}
	q.active[t.Key] = struct{}{}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// Dequeue blocks until a task is available or the queue shuts down. The
// second return is false on shutdown.
func (q *Queue) Dequeue() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Requeue schedules a delayed re-admission for a task that stays in flight.
// The path remains claimed the whole time, so the detector cannot race a
// fresh task in ahead of the retry.
func (q *Queue) Requeue(t *task.Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if timer, ok := q.timers[t.ID]; ok {
		timer.Stop()
	}
	q.timers[t.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t.ID)
		if q.closed {
			return
		}
		q.items = append(q.items, t)
		q.cond.Signal()
	})
}

// Release frees a source path after its task reached a terminal state,
// allowing a future generation of the file to be admitted.
func (q *Queue) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, key)
}

// Depth returns the number of immediately dequeueable tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ScheduledRetries returns the number of tasks waiting on a retry timer.
func (q *Queue) ScheduledRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close shuts the queue down: pending timers are cancelled and every blocked
// Dequeue returns false once the backlog drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.cond.Broadcast()
}
