package locker

import (
	"sort"
	"sync"
)

// JobQueue is the bounded, priority-ordered, concurrent container described
// in the coordinator design: descriptors sorted ascending by
// (priority, run_at, job_id), with preemptive spilling on overflow and a
// shutdown state that unblocks every waiter.
//
// Because the queue is kept sorted, the most urgent descriptor is always at
// index 0. A blocked Pop only ever needs to examine the front of the queue:
// if the front doesn't satisfy a worker's ceiling, nothing further back does
// either, since every other entry has an equal or worse priority number.
type JobQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Descriptor
	maxSize  int
	shutdown bool
}

func NewJobQueue(maxSize int) *JobQueue {
	q := &JobQueue{maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push merges descs into the queue. If the resulting size exceeds maxSize,
// the lowest-priority (worst) descriptors are spilled: evicted and returned
// to the caller, which is responsible for releasing their advisory locks.
// This is how preemption happens — a newly arrived urgent descriptor
// displaces a less urgent one already queued.
func (q *JobQueue) Push(descs []Descriptor) (spilled []Descriptor) {
	if len(descs) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return descs
	}
	q.items = append(q.items, descs...)
	sort.Slice(q.items, func(i, j int) bool { return Less(q.items[i], q.items[j]) })
	if len(q.items) > q.maxSize {
		spilled = append(spilled, q.items[q.maxSize:]...)
		q.items = q.items[:q.maxSize]
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	return spilled
}

// Pop removes and returns the most urgent descriptor whose priority is
// numerically <= ceiling (any priority, if ceiling is nil). It blocks until
// one is available or the queue is shut down, in which case ok is false.
func (q *JobQueue) Pop(ceiling *int16) (desc Descriptor, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.shutdown {
			return Descriptor{}, false
		}
		if len(q.items) > 0 {
			front := q.items[0]
			if ceiling == nil || front.Priority <= *ceiling {
				q.items = q.items[1:]
				return front, true
			}
		}
		q.cond.Wait()
	}
}

// PeekThreshold returns the worst (numerically largest) priority currently
// held in the queue. The Notifier uses it to decide, before even
// attempting a lock, whether a candidate stands a chance of displacing
// something when the queue is already full.
func (q *JobQueue) PeekThreshold() (priority int16, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[len(q.items)-1].Priority, true
}

func (q *JobQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *JobQueue) Space() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize - len(q.items)
}

// Stop transitions the queue into shutdown state. All blocked and future
// Pops return immediately with ok=false. Any descriptors still queued are
// drained and returned so the caller (always the Coordinator) can release
// their advisory locks.
func (q *JobQueue) Stop() (drained []Descriptor) {
	q.mu.Lock()
	q.shutdown = true
	drained = q.items
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return drained
}
