package locker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/pglocker/internal/pkg/logger"
)

// notificationPayload is the wire format published by the enqueuer:
// {priority, run_at, job_id}. Unknown keys are ignored by json.Unmarshal's
// default behavior.
type notificationPayload struct {
	Priority int16     `json:"priority"`
	RunAt    time.Time `json:"run_at"`
	JobID    int64     `json:"job_id"`
}

// Notifier subscribes to this Locker's per-process notification channel on
// a dedicated connection and turns incoming payloads into locked
// descriptors on the Job Queue. Disabled entirely by Config.Listen=false,
// in which case the Locker runs poll-only.
type Notifier struct {
	conn     ListenConn
	queue    *JobQueue
	registry *LockRegistry
	tracker  *connTracker
	log      *logger.Logger
}

func NewNotifier(conn ListenConn, queue *JobQueue, registry *LockRegistry, tracker *connTracker, log *logger.Logger) *Notifier {
	return &Notifier{conn: conn, queue: queue, registry: registry, tracker: tracker, log: log.With("component", "Notifier")}
}

// Subscribe issues LISTEN on this connection's own channel. Call once
// during startup, before Run.
func (n *Notifier) Subscribe(ctx context.Context) error {
	_, err := n.conn.Exec(ctx, fmt.Sprintf(sqlListenChannelFmt, n.conn.PID()))
	return err
}

// Unsubscribe issues UNLISTEN. Called at the start of the
// running -> draining transition so no new candidates arrive while the
// Coordinator is draining the queue.
func (n *Notifier) Unsubscribe(ctx context.Context) error {
	_, err := n.conn.Exec(ctx, fmt.Sprintf(sqlUnlistenChannelFmt, n.conn.PID()))
	return err
}

// Run blocks waiting for notifications until ctx is canceled. Each
// notification is handled synchronously and in order, matching the
// single-consumer model described in §5.
func (n *Notifier) Run(ctx context.Context) {
	for {
		notification, err := n.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("notifier wait failed", "error", err)
			continue
		}
		n.handle(ctx, notification.Payload)
	}
}

func (n *Notifier) handle(ctx context.Context, raw string) {
	var p notificationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		n.log.Warn("malformed notification payload", "error", err, "payload", raw)
		return
	}
	logEvent(n.log, "job_notified", "job", map[string]any{"priority": p.Priority, "run_at": p.RunAt, "job_id": p.JobID})

	if n.queue.Space() <= 0 {
		if threshold, ok := n.queue.PeekThreshold(); ok && p.Priority >= threshold {
			return
		}
	}
	if !n.registry.TryInsert(p.JobID) {
		return
	}
	var locked bool
	if err := n.conn.QueryRow(ctx, sqlTryAdvisoryLock, p.JobID).Scan(&locked); err != nil {
		n.log.Warn("advisory lock attempt failed", "job_id", p.JobID, "error", err)
		n.registry.Remove(p.JobID)
		return
	}
	if !locked {
		n.registry.Remove(p.JobID)
		return
	}
	n.tracker.trackListening(p.JobID, n.conn)

	spilled := n.queue.Push([]Descriptor{{Priority: p.Priority, RunAt: p.RunAt, JobID: p.JobID}})
	for _, s := range spilled {
		n.registry.Remove(s.JobID)
		if err := n.tracker.release(ctx, s.JobID); err != nil {
			n.log.Warn("failed to release spilled lock", "job_id", s.JobID, "error", err)
		}
	}
}
