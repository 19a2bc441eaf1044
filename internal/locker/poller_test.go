package locker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerPollOnceLocksCandidatesAndFillsQueue(t *testing.T) {
	conn := &fakeConn{
		fakeQueryer: &fakeQueryer{lockResults: []bool{true, true}},
		rows: []candidateRow{
			{jobID: 1, priority: 1, runAt: time.Unix(1, 0)},
			{jobID: 2, priority: 2, runAt: time.Unix(2, 0)},
		},
	}
	pool := &fakePool{fakeQueryer: &fakeQueryer{}, conns: []*fakeConn{conn}}
	queue := NewJobQueue(10)
	registry := NewLockRegistry()
	tracker := newConnTracker()
	p := NewPoller(pool, queue, registry, tracker, 10, nil, time.Millisecond, testLogger(t))

	limit, locked, err := p.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Equal(t, 2, locked)
	assert.Equal(t, 2, queue.Size())
	assert.Equal(t, 2, tracker.len())
}

func TestPollerPollOnceSkipsJobsAlreadyHeldByRegistry(t *testing.T) {
	conn := &fakeConn{
		fakeQueryer: &fakeQueryer{},
		rows: []candidateRow{
			{jobID: 1, priority: 1, runAt: time.Unix(1, 0)},
		},
	}
	pool := &fakePool{fakeQueryer: &fakeQueryer{}, conns: []*fakeConn{conn}}
	queue := NewJobQueue(10)
	registry := NewLockRegistry()
	registry.TryInsert(1) // already held, e.g. by the Notifier
	tracker := newConnTracker()
	p := NewPoller(pool, queue, registry, tracker, 10, nil, time.Millisecond, testLogger(t))

	limit, locked, err := p.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Equal(t, 0, locked)
	assert.Equal(t, 0, queue.Size())

	calls := conn.calls()
	require.Len(t, calls, 1, "the redundant lock must be released on the same connection that acquired it")
	assert.Equal(t, sqlAdvisoryUnlock, calls[0].sql)
}

func TestPollerPollOnceReturnsZeroLimitWhenQueueIsFull(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	queue := NewJobQueue(2)
	queue.Push([]Descriptor{desc(1, 1), desc(2, 2)})
	p := NewPoller(pool, queue, NewLockRegistry(), newConnTracker(), 2, nil, time.Millisecond, testLogger(t))

	limit, locked, err := p.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, limit)
	assert.Equal(t, 0, locked)
}

func TestPollerWakeUpCoalesces(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	p := NewPoller(pool, NewJobQueue(10), NewLockRegistry(), newConnTracker(), 10, nil, time.Millisecond, testLogger(t))
	p.WakeUp()
	p.WakeUp()
	p.WakeUp()
	assert.Len(t, p.demand, 1)
}

func TestPollerRunExitsOnContextCancel(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	p := NewPoller(pool, NewJobQueue(10), NewLockRegistry(), newConnTracker(), 10, nil, time.Millisecond, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
