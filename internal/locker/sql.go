package locker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queryer is the minimal surface this package needs from any connection,
// pooled or dedicated. Both *pgxpool.Pool, *pgxpool.Conn and *pgx.Conn
// satisfy it without a wrapper.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a single checked-out, session-pinned connection. Releasing it
// returns it to the pool it came from.
type Conn interface {
	Queryer
	Release()
}

// Pool is the connection-checkout facility named as an external
// collaborator in §1. The Poller acquires one Conn per batch poll; the
// Coordinator runs its registration-row statements through the Pool's own
// Exec without acquiring a Conn.
//
// *pgxpool.Pool's Exec/Query/QueryRow already match Queryer exactly, but its
// Acquire returns the concrete *pgxpool.Conn rather than this Conn
// interface, so the production wiring embeds *pgxpool.Pool in a one-method
// adapter that only overrides Acquire (see cmd/locker-demo).
type Pool interface {
	Queryer
	Acquire(ctx context.Context) (Conn, error)
}

// ListenConn is the dedicated, long-lived connection the Notifier Listener
// subscribes on. *pgx.Conn's Exec/Query/QueryRow/Close match directly; only
// PID (named distinctly from pgx's own PgConn().PID() accessor) needs the
// one-method pgxListenConn adapter in cmd/locker-demo.
type ListenConn interface {
	Queryer
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
	PID() uint32
}

const (
	// sqlTryAdvisoryLock attempts a non-blocking session-level advisory
	// lock keyed by job_id on whatever connection executes it.
	sqlTryAdvisoryLock = `SELECT pg_try_advisory_lock($1)`

	// sqlAdvisoryUnlock releases a session-level advisory lock previously
	// acquired on the same connection. Returns false (tolerated) if the
	// session never held it.
	sqlAdvisoryUnlock = `SELECT pg_advisory_unlock($1)`

	// sqlBackendPID reports the server-side PID of the current session,
	// used both as the notification-channel suffix and as the registration
	// row's primary key.
	sqlBackendPID = `SELECT pg_backend_pid()`

	// sqlListenChannelFmt is a text/template-free format string: LISTEN does
	// not accept bind parameters, so the channel name is interpolated from
	// a value this process itself computed (its own backend PID), never
	// from external input.
	sqlListenChannelFmt   = `LISTEN locker_%d`
	sqlUnlistenChannelFmt = `UNLISTEN locker_%d`

	// sqlInsertLockerRow registers this Locker's presence.
	sqlInsertLockerRow = `
INSERT INTO lockers (pid, process_id, hostname, worker_count, listening)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (pid) DO UPDATE SET
	process_id = EXCLUDED.process_id,
	hostname = EXCLUDED.hostname,
	worker_count = EXCLUDED.worker_count,
	listening = EXCLUDED.listening`

	// sqlDeleteLockerRow removes this Locker's registration row on
	// graceful shutdown.
	sqlDeleteLockerRow = `DELETE FROM lockers WHERE pid = $1`

	// sqlDeleteStaleLockerRows clears rows left behind by Lockers whose
	// listening session has since terminated — either because the PID is
	// this process's own stale entry from a previous crash, or because the
	// backend no longer appears in pg_stat_activity at all.
	sqlDeleteStaleLockerRows = `
DELETE FROM lockers
WHERE pid = $1
   OR pid NOT IN (SELECT pid FROM pg_stat_activity)`

	// sqlCandidateBatch is the recursive candidate-selection query. It
	// walks the (priority, run_at, job_id) index in order and, for each
	// row not already excluded, attempts a non-blocking advisory lock via
	// a LATERAL call to pg_try_advisory_lock. It stops once it has
	// accumulated $1 successes or the index is exhausted. Because
	// pg_try_advisory_lock is a side-effecting, non-transactional function,
	// this statement must run as a single top-level execution (never
	// retried as a whole) so that no row is visited, and therefore
	// locked, twice by one invocation — see SPEC_FULL.md §5 for the full
	// correctness argument.
	sqlCandidateBatch = `
WITH RECURSIVE candidates AS (
	(
		SELECT j.job_id, j.priority, j.run_at, l.locked, l.locked::int AS locked_count
		FROM jobs j
		CROSS JOIN LATERAL (
			SELECT pg_try_advisory_lock(j.job_id) AS locked
		) l
		WHERE j.job_id <> ALL($2::bigint[])
		ORDER BY j.priority, j.run_at, j.job_id
		LIMIT 1
	)
	UNION ALL
	(
		SELECT j.job_id, j.priority, j.run_at, l.locked, candidates.locked_count + l.locked::int
		FROM candidates
		CROSS JOIN LATERAL (
			SELECT j.job_id, j.priority, j.run_at
			FROM jobs j
			WHERE j.job_id <> ALL($2::bigint[])
			  AND (j.priority, j.run_at, j.job_id) > (candidates.priority, candidates.run_at, candidates.job_id)
			ORDER BY j.priority, j.run_at, j.job_id
			LIMIT 1
		) j
		CROSS JOIN LATERAL (
			SELECT pg_try_advisory_lock(j.job_id) AS locked
		) l
		WHERE candidates.locked_count < $1
	)
)
SELECT job_id, priority, run_at
FROM candidates
WHERE locked
ORDER BY priority, run_at, job_id
LIMIT $1`
)
