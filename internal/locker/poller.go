package locker

import (
	"context"
	"time"

	"github.com/yungbote/pglocker/internal/pkg/logger"
)

// Poller periodically, and on demand, asks the database for a batch of the
// highest-priority unlocked jobs and attempts to lock each one, up to
// however much room is left in the Job Queue.
type Poller struct {
	pool     Pool
	queue    *JobQueue
	registry *LockRegistry
	tracker  *connTracker
	log      *logger.Logger

	maxQueueSize int
	pollInterval *time.Duration // nil disables the periodic timer; demand polls still occur
	waitPeriod   time.Duration  // backoff before retrying after a transient batch-poll failure
	demand       chan struct{}
}

func NewPoller(pool Pool, queue *JobQueue, registry *LockRegistry, tracker *connTracker, maxQueueSize int, pollInterval *time.Duration, waitPeriod time.Duration, log *logger.Logger) *Poller {
	return &Poller{
		pool:         pool,
		queue:        queue,
		registry:     registry,
		tracker:      tracker,
		log:          log.With("component", "Poller"),
		maxQueueSize: maxQueueSize,
		pollInterval: pollInterval,
		waitPeriod:   waitPeriod,
		demand:       make(chan struct{}, 1),
	}
}

// WakeUp requests an out-of-cycle batch poll, e.g. when the Coordinator
// observes the queue has drained to its low-water mark. Multiple pending
// wakeups coalesce into one.
func (p *Poller) WakeUp() {
	select {
	case p.demand <- struct{}{}:
	default:
	}
}

// Run drives the periodic timer (if configured) and demand signals until
// ctx is canceled. An initial batch poll always happens on startup.
func (p *Poller) Run(ctx context.Context) {
	p.pollUntilExhausted(ctx)

	var tick <-chan time.Time
	if p.pollInterval != nil {
		ticker := time.NewTicker(*p.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.pollUntilExhausted(ctx)
		case <-p.demand:
			p.pollUntilExhausted(ctx)
		}
	}
}

// pollUntilExhausted repeats batch polls back-to-back as long as supply
// isn't exhausted (the prior batch filled every available slot), rather
// than waiting for the next timer tick or demand signal.
func (p *Poller) pollUntilExhausted(ctx context.Context) {
	for {
		limit, locked, err := p.pollOnce(ctx)
		if err != nil {
			p.log.Warn("batch poll failed", "error", err)
			// Abandon this batch; back off briefly so a persistent failure
			// doesn't spin the retry loop against the database.
			select {
			case <-time.After(p.waitPeriod):
			case <-ctx.Done():
			}
			return
		}
		logEvent(p.log, "locker_polled", "limit", limit, "locked", locked)
		if limit <= 0 || locked < limit {
			return
		}
	}
}

// pollOnce executes a single batch poll: checks out one connection, runs
// the candidate-selection query, and pushes locked descriptors into the Job
// Queue.
func (p *Poller) pollOnce(ctx context.Context) (limit, locked int, err error) {
	limit = p.maxQueueSize - p.queue.Size()
	if limit <= 0 {
		return limit, 0, nil
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return limit, 0, err
	}

	excluded := p.registry.Snapshot()
	rows, err := conn.Query(ctx, sqlCandidateBatch, limit, excluded)
	if err != nil {
		conn.Release()
		return limit, 0, err
	}

	type candidate struct {
		jobID    int64
		priority int16
		runAt    time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if scanErr := rows.Scan(&c.jobID, &c.priority, &c.runAt); scanErr != nil {
			rows.Close()
			conn.Release()
			return limit, 0, scanErr
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		conn.Release()
		return limit, 0, err
	}

	if len(candidates) == 0 {
		conn.Release()
		return limit, 0, nil
	}

	batch := newBatchHandle(conn, len(candidates))
	descs := make([]Descriptor, 0, len(candidates))
	for _, c := range candidates {
		if !p.registry.TryInsert(c.jobID) {
			// Race with the Notifier Listener: we already hold the lock on
			// this connection, so release it immediately.
			_, _ = conn.Exec(ctx, sqlAdvisoryUnlock, c.jobID)
			batch.release()
			continue
		}
		p.tracker.trackBatch(c.jobID, batch)
		descs = append(descs, Descriptor{Priority: c.priority, RunAt: c.runAt, JobID: c.jobID})
		locked++
	}

	spilled := p.queue.Push(descs)
	for _, s := range spilled {
		p.registry.Remove(s.JobID)
		if releaseErr := p.tracker.release(ctx, s.JobID); releaseErr != nil {
			p.log.Warn("failed to release spilled lock", "job_id", s.JobID, "error", releaseErr)
		}
		locked--
	}
	return limit, locked, nil
}
