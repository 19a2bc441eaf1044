package locker

import (
	"context"
	"sync"
)

// lockHolder remembers which connection a given job's advisory lock was
// acquired on, per §5: "the same connection must release what it acquired."
// A batch poll can lock several jobs on a single checked-out connection, so
// holders are refcounted — the connection is only returned to the pool once
// every job it locked has been released.
type lockHolder struct {
	conn    Queryer
	release func() // returns the underlying connection to the pool; nil for the listening connection
}

type batchHandle struct {
	mu       sync.Mutex
	conn     Conn
	refcount int
}

func newBatchHandle(conn Conn, n int) *batchHandle {
	return &batchHandle{conn: conn, refcount: n}
}

func (b *batchHandle) release() {
	b.mu.Lock()
	b.refcount--
	done := b.refcount <= 0
	b.mu.Unlock()
	if done {
		b.conn.Release()
	}
}

// connTracker maps held job IDs to the connection that locked them, so the
// Coordinator can issue the matching pg_advisory_unlock on the right
// session and, for pool-checked-out connections, know when it is safe to
// hand the connection back.
type connTracker struct {
	mu      sync.Mutex
	holders map[int64]lockHolder
}

func newConnTracker() *connTracker {
	return &connTracker{holders: make(map[int64]lockHolder)}
}

// trackListening records that the dedicated listening connection holds the
// lock for jobID. The listening connection is never returned to a pool, so
// there is nothing to refcount.
func (t *connTracker) trackListening(jobID int64, conn Queryer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders[jobID] = lockHolder{conn: conn}
}

// trackBatch records that jobID's lock was acquired as part of a batch poll
// sharing a single pool connection, tying its release to the batch's
// refcount.
func (t *connTracker) trackBatch(jobID int64, batch *batchHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders[jobID] = lockHolder{conn: batch.conn, release: batch.release}
}

// release issues pg_advisory_unlock(jobID) on the connection that holds it,
// then — for pool connections — returns it once its refcount drains to
// zero. Errors are tolerated: a transient failure here must not wedge
// shutdown or the control loop (§7).
func (t *connTracker) release(ctx context.Context, jobID int64) error {
	t.mu.Lock()
	h, ok := t.holders[jobID]
	delete(t.holders, jobID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := h.conn.Exec(ctx, sqlAdvisoryUnlock, jobID)
	if h.release != nil {
		h.release()
	}
	return err
}

// forget drops the bookkeeping for jobID without issuing an unlock, for a
// lock that was never actually acquired and so has nothing to release.
// The Notifier and Poller never track a lock before it succeeds, so
// neither of them calls it.
func (t *connTracker) forget(jobID int64) {
	t.mu.Lock()
	delete(t.holders, jobID)
	t.mu.Unlock()
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holders)
}
