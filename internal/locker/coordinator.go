package locker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/pglocker/internal/pkg/logger"
)

// State is the Locker Coordinator's lifecycle stage.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Defaults for options left unset in Config.
const (
	DefaultWorkerCount      = 6
	DefaultWaitPeriod       = 50 * time.Millisecond
	DefaultMinimumQueueSize = 2
	DefaultMaximumQueueSize = 100
)

// DefaultWorkerPriorities is the leading slice of worker ceilings applied
// when Config.WorkerPriorities is unset (empty); an explicit, shorter slice
// is padded with nil instead. It is empty by default: every worker accepts any priority
// unless the caller explicitly reserves some for urgent traffic.
var DefaultWorkerPriorities []*int16

// ConnFactory opens the dedicated listening connection. It exists so tests
// can substitute a fake ListenConn without dialing Postgres, and so the
// production path can hand in a *pgx.Conn opened from a DSN.
type ConnFactory func(ctx context.Context) (ListenConn, error)

// Config carries the Locker's options. There is no field for a
// caller-supplied listening connection; that comes from the ConnFactory
// passed to New. Listen and PollInterval are
// pointers so "unset" (use the default) is distinguishable from an
// explicit false/zero — the same convention the teacher repo's own
// optional-duration fields use.
type Config struct {
	Listen           *bool
	PollInterval     *time.Duration
	WaitPeriod       time.Duration
	MinimumQueueSize int
	MaximumQueueSize int
	WorkerCount      int
	// WorkerPriorities holds one ceiling per worker position; a nil entry
	// means that worker accepts any priority. Positions beyond the slice's
	// length also default to unbounded.
	WorkerPriorities []*int16
	OnWorkerStart    func(*Worker)
	Hostname         string // defaults to os.Hostname()
}

// resolved fills in every unset option with its default, matching the
// "Default startup" scenario in §8: listen=true, worker_priorities has
// length WorkerCount with DefaultWorkerPriorities as its leading entries
// and the remainder nil (unbounded).
func (c Config) resolved() Config {
	out := c
	if out.Listen == nil {
		v := true
		out.Listen = &v
	}
	if out.WorkerCount <= 0 {
		out.WorkerCount = DefaultWorkerCount
	}
	if out.WaitPeriod <= 0 {
		out.WaitPeriod = DefaultWaitPeriod
	}
	if out.MinimumQueueSize <= 0 {
		out.MinimumQueueSize = DefaultMinimumQueueSize
	}
	if out.MaximumQueueSize <= 0 {
		out.MaximumQueueSize = DefaultMaximumQueueSize
	}
	if out.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			out.Hostname = h
		}
	}
	if len(out.WorkerPriorities) == 0 {
		out.WorkerPriorities = DefaultWorkerPriorities
	}
	priorities := make([]*int16, out.WorkerCount)
	copy(priorities, out.WorkerPriorities)
	out.WorkerPriorities = priorities
	return out
}

// Locker is the top-level supervisor described in §4.G: it spawns the
// Worker pool, the Notifier, and the Poller, registers its presence in the
// shared lockers table, and owns the control loop that reacts to job
// completions and queue demand.
type Locker struct {
	cfg Config
	pool Pool
	connFactory ConnFactory
	invoke JobInvoker
	log *logger.Logger

	queue    *JobQueue
	results  *ResultQueue
	registry *LockRegistry
	tracker  *connTracker

	listenConn ListenConn
	notifier   *Notifier
	poller     *Poller
	workers    []*Worker

	mu    sync.Mutex
	state State

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	// controlLoop runs outside the errgroup: it only exits once the Result
	// Queue is closed, which must happen strictly after every worker has
	// joined, so it cannot be awaited together with them.
	controlLoopDone chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Locker. pool is the shared connection-checkout facility;
// connFactory opens the dedicated listening connection and is always
// called by Start (callers that want to supply their own listening
// connection pass a connFactory that returns it directly); invoke is the
// job-invocation callback.
func New(cfg Config, pool Pool, connFactory ConnFactory, invoke JobInvoker, log *logger.Logger) *Locker {
	cfg = cfg.resolved()
	return &Locker{
		cfg:         cfg,
		pool:        pool,
		connFactory: connFactory,
		invoke:      invoke,
		log:         log.With("component", "Locker"),
		queue:       NewJobQueue(cfg.MaximumQueueSize),
		results:     NewResultQueue(),
		registry:    NewLockRegistry(),
		tracker:     newConnTracker(),
		state:       StateStarting,
		stopped:         make(chan struct{}),
		controlLoopDone: make(chan struct{}),
	}
}

// Start transitions starting -> running: establishes the listening
// connection, clears stale registration rows, inserts this Locker's own
// row, spawns the Worker pool, Notifier and Poller, and emits locker_start.
// Any failure here is returned to the caller and the Locker never reaches
// running (§7).
func (l *Locker) Start(ctx context.Context) error {
	conn, err := l.connFactory(ctx)
	if err != nil {
		return fmt.Errorf("open listening connection: %w", err)
	}
	l.listenConn = conn

	if _, err := l.pool.Exec(ctx, sqlDeleteStaleLockerRows, int64(conn.PID())); err != nil {
		return fmt.Errorf("clear stale locker rows: %w", err)
	}

	if _, err := l.pool.Exec(ctx, sqlInsertLockerRow,
		int64(conn.PID()), os.Getpid(), l.cfg.Hostname, l.cfg.WorkerCount, *l.cfg.Listen,
	); err != nil {
		return fmt.Errorf("insert locker row: %w", err)
	}

	baseCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(baseCtx)
	l.groupCtx = groupCtx
	l.cancel = cancel
	l.group = group

	// Workers and the control loop never see cancellation: in-flight jobs
	// run to completion, and their locks are still released while draining.
	workCtx := context.WithoutCancel(ctx)

	l.workers = make([]*Worker, l.cfg.WorkerCount)
	for i := 0; i < l.cfg.WorkerCount; i++ {
		var ceiling *int16
		if i < len(l.cfg.WorkerPriorities) && l.cfg.WorkerPriorities[i] != nil {
			v := *l.cfg.WorkerPriorities[i]
			ceiling = &v
		}
		w := &Worker{Index: i, Ceiling: ceiling, Queue: l.queue, Results: l.results, Invoke: l.invoke, OnStart: l.cfg.OnWorkerStart}
		l.workers[i] = w
		group.Go(func() error { w.Run(workCtx); return nil })
	}

	if *l.cfg.Listen {
		l.notifier = NewNotifier(l.listenConn, l.queue, l.registry, l.tracker, l.log)
		if err := l.notifier.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe to notification channel: %w", err)
		}
		group.Go(func() error { l.notifier.Run(groupCtx); return nil })
	}

	l.poller = NewPoller(l.pool, l.queue, l.registry, l.tracker, l.cfg.MaximumQueueSize, l.cfg.PollInterval, l.cfg.WaitPeriod, l.log)
	group.Go(func() error { l.poller.Run(groupCtx); return nil })

	go func() {
		l.controlLoop(workCtx)
		close(l.controlLoopDone)
	}()

	l.setState(StateRunning)
	logEvent(l.log, "locker_start",
		"listen", l.cfg.Listen,
		"backend_pid", conn.PID(),
		"poll_interval", l.cfg.PollInterval,
		"wait_period", l.cfg.WaitPeriod,
		"minimum_queue_size", l.cfg.MinimumQueueSize,
		"maximum_queue_size", l.cfg.MaximumQueueSize,
		"worker_priorities", l.cfg.WorkerPriorities,
	)
	return nil
}

// controlLoop is the Coordinator's own thread of execution: it consumes
// completions, releases the matching advisory lock, and wakes the Poller
// when the queue has drained below its low-water mark.
func (l *Locker) controlLoop(ctx context.Context) {
	for {
		c, ok := l.results.Pop()
		if !ok {
			return
		}
		l.registry.Remove(c.JobID)
		if err := l.tracker.release(ctx, c.JobID); err != nil {
			l.log.Warn("failed to release advisory lock", "job_id", c.JobID, "error", err)
		}
		if l.queue.Size() <= l.cfg.MinimumQueueSize {
			l.poller.WakeUp()
		}
	}
}

func (l *Locker) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// State reports the Coordinator's current lifecycle stage.
func (l *Locker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Workers exposes the live Worker handles for observability and testing.
func (l *Locker) Workers() []*Worker { return l.workers }

// JobQueue exposes the Job Queue for observability and testing.
func (l *Locker) JobQueue() *JobQueue { return l.queue }

// Thread exposes the control loop's own completion signal — the "thread"
// accessor named in §6 — so tests can confirm the Coordinator's own
// goroutine has exited without reaching into its internals.
func (l *Locker) Thread() <-chan struct{} { return l.controlLoopDone }

// Stop initiates running -> draining -> stopped without blocking. It is
// idempotent: a second call is a no-op.
func (l *Locker) Stop() {
	l.stopOnce.Do(func() {
		go l.drain()
	})
}

// StopWait (the "stop!" operation in §4.G) initiates shutdown if it hasn't
// started already, and blocks until the Locker reaches StateStopped.
func (l *Locker) StopWait() {
	l.Stop()
	l.WaitForStop()
}

// WaitForStop blocks until the Locker reaches StateStopped without itself
// initiating the transition.
func (l *Locker) WaitForStop() { <-l.stopped }

// drain runs the running -> draining -> stopped transitions in order.
func (l *Locker) drain() {
	l.setState(StateDraining)
	ctx := context.Background()

	if l.notifier != nil {
		if err := l.notifier.Unsubscribe(ctx); err != nil {
			l.log.Warn("unsubscribe failed", "error", err)
		}
	}

	// Canceling groupCtx stops the Poller's timer/demand loop and unblocks
	// the Notifier's WaitForNotification; it has no effect on Workers or
	// controlLoop, which run on a context it does not cancel (they only exit via the Job
	// Queue and Result Queue's own shutdown states, respectively).
	if l.cancel != nil {
		l.cancel()
	}

	spilled := l.queue.Stop()
	for _, s := range spilled {
		l.registry.Remove(s.JobID)
		if err := l.tracker.release(ctx, s.JobID); err != nil {
			l.log.Warn("failed to release queued lock on shutdown", "job_id", s.JobID, "error", err)
		}
	}

	// Workers unblock from the shutdown sentinel once the queue stops.
	// Wait for every worker (and the now-canceled Notifier/Poller) to join
	// before closing the Result Queue — closing it earlier could drop a
	// completion from a job that was still in flight.
	if l.group != nil {
		_ = l.group.Wait()
	}
	l.results.Close()
	<-l.controlLoopDone

	for _, c := range l.results.Drain() {
		l.registry.Remove(c.JobID)
		if err := l.tracker.release(ctx, c.JobID); err != nil {
			l.log.Warn("failed to release lock draining result queue", "job_id", c.JobID, "error", err)
		}
	}
	for _, id := range l.registry.Snapshot() {
		if err := l.tracker.release(ctx, id); err != nil {
			l.log.Warn("failed to release residual lock on shutdown", "job_id", id, "error", err)
		}
		l.registry.Remove(id)
	}

	if _, err := l.pool.Exec(ctx, sqlDeleteLockerRow, int64(l.listenConn.PID())); err != nil {
		l.log.Warn("failed to delete locker row", "error", err)
	}
	if err := l.listenConn.Close(ctx); err != nil {
		l.log.Warn("failed to close listening connection", "error", err)
	}

	logEvent(l.log, "locker_stop")
	l.setState(StateStopped)
	close(l.stopped)
}
