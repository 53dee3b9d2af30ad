package engine

import (
	"sync"
	"time"

	"github.com/gantryio/gantry/pkg/api"
)

type (
	// WaitKind distinguishes why a step is parked
	WaitKind int

	// WaitItem is a step parked until a deadline: a retry backoff or a
	// suspended step's resume time
	WaitItem struct {
		api.ExecutionStep
		DueAt time.Time
		Kind  WaitKind
	}

	// WaitQueue is a thread-safe queue of parked steps ordered by deadline
	WaitQueue struct {
		mu      sync.Mutex
		items   map[api.ExecutionStep]*WaitItem
		next    *WaitItem
		notify  chan struct{}
		stopped bool
	}

	waitTimer struct {
		timer *time.Timer
	}
)

const (
	// WaitRetry is a failed attempt waiting out its backoff
	WaitRetry WaitKind = iota

	// WaitResume is a suspended step waiting for its due-time
	WaitResume
)

// NewWaitQueue creates a new wait queue
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{
		items:  make(map[api.ExecutionStep]*WaitItem),
		notify: make(chan struct{}, 1),
	}
}

// Push adds or updates a parked step and reports if the next deadline
// changed
func (q *WaitQueue) Push(item *WaitItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	prevNext := q.next
	prevTime := time.Time{}
	if prevNext != nil {
		prevTime = prevNext.DueAt
	}
	q.items[item.ExecutionStep] = item
	q.recalcNext()
	if q.next == nil {
		return false
	}
	if prevNext == q.next && q.next.DueAt.Equal(prevTime) {
		return false
	}
	q.signal()
	return true
}

// Remove removes a parked step from the queue
func (q *WaitQueue) Remove(es api.ExecutionStep) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[es]
	delete(q.items, es)
	if q.next == item {
		q.recalcNext()
	}
}

// RemoveExecution removes all parked steps for an execution
func (q *WaitQueue) RemoveExecution(execID api.ExecutionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	needsRecalc := false
	for es, item := range q.items {
		if es.ExecutionID == execID {
			delete(q.items, es)
			if q.next == item {
				needsRecalc = true
			}
		}
	}

	if needsRecalc {
		q.recalcNext()
	}
}

// Peek returns the earliest deadline
func (q *WaitQueue) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next == nil {
		return time.Time{}, false
	}
	return q.next.DueAt, true
}

// PopReady removes and returns all items whose deadline has passed
func (q *WaitQueue) PopReady(now time.Time) []*WaitItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*WaitItem
	for es, item := range q.items {
		if !item.DueAt.After(now) {
			ready = append(ready, item)
			delete(q.items, es)
		}
	}

	if len(ready) > 0 {
		q.recalcNext()
	}
	return ready
}

// Notify returns the channel that signals queue changes
func (q *WaitQueue) Notify() <-chan struct{} {
	return q.notify
}

// Stop stops the queue and prevents further pushes
func (q *WaitQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.notify)
}

// Len returns the number of parked steps
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WaitQueue) recalcNext() {
	q.next = nil
	for _, item := range q.items {
		if q.next == nil || item.DueAt.Before(q.next.DueAt) {
			q.next = item
		}
	}
}

func (q *WaitQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitLoop wakes at the queue's earliest deadline and nudges the affected
// executions so their actors re-drive them
func (e *Engine) waitLoop() {
	var t waitTimer
	defer t.Stop()

	var timer <-chan time.Time
	resetTimer := func() {
		if next, ok := e.waits.Peek(); ok {
			timer = t.Reset(next)
			return
		}
		t.Stop()
		timer = nil
	}
	resetTimer()

	for {
		select {
		case <-e.ctx.Done():
			return

		case _, ok := <-e.waits.Notify():
			if !ok {
				return
			}
			resetTimer()

		case <-timer:
			nudged := map[api.ExecutionID]bool{}
			for _, item := range e.waits.PopReady(time.Now()) {
				if nudged[item.ExecutionID] {
					continue
				}
				nudged[item.ExecutionID] = true
				e.nudge(item.ExecutionID)
			}
			resetTimer()
		}
	}
}

func (t *waitTimer) Reset(nextTime time.Time) <-chan time.Time {
	delay := max(time.Until(nextTime), 0)
	if t.timer == nil {
		t.timer = time.NewTimer(delay)
		return t.timer.C
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(delay)
	return t.timer.C
}

func (t *waitTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
