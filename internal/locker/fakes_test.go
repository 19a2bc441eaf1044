package locker

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeQueryer is a minimal hand-rolled stand-in for a pgx connection. The
// module talks to pgx directly (required for LISTEN sessions and
// non-transactional advisory-lock calls), which rules out database/sql-based
// mocking libraries such as go-sqlmock; these fakes satisfy the package's own
// Queryer/Conn/Pool/ListenConn interfaces instead.
type fakeQueryer struct {
	mu        sync.Mutex
	execCalls []execCall
	execErr   error

	// lockResults, keyed by call order, answers successive
	// pg_try_advisory_lock QueryRow calls.
	lockResults []bool
	lockIdx     int
}

type execCall struct {
	sql  string
	args []any
}

func (f *fakeQueryer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, execCall{sql: sql, args: args})
	f.mu.Unlock()
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeQueryer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{}, nil
}

func (f *fakeQueryer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var locked bool
	if f.lockIdx < len(f.lockResults) {
		locked = f.lockResults[f.lockIdx]
	}
	f.lockIdx++
	return fakeRow{val: locked}
}

func (f *fakeQueryer) calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.execCalls))
	copy(out, f.execCalls)
	return out
}

type fakeRow struct{ val bool }

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) == 1 {
		if p, ok := dest[0].(*bool); ok {
			*p = r.val
			return nil
		}
	}
	return nil
}

// fakeRows implements pgx.Rows over a fixed in-memory candidate list.
type fakeRows struct {
	rows []candidateRow
	idx  int
}

type candidateRow struct {
	jobID    int64
	priority int16
	runAt    time.Time
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*int64)) = row.jobID
	*(dest[1].(*int16)) = row.priority
	*(dest[2].(*time.Time)) = row.runAt
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                               { return nil }

// fakeConn is a checked-out pool connection.
type fakeConn struct {
	*fakeQueryer
	releaseCount int
	rows         []candidateRow
}

func (c *fakeConn) Release() { c.releaseCount++ }

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{rows: c.rows}, nil
}

// fakePool hands out its configured conns in order, one per Acquire, and a
// fresh empty fakeConn for every Acquire after those run out.
type fakePool struct {
	*fakeQueryer
	conns   []*fakeConn
	nextIdx int
	mu      sync.Mutex
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextIdx >= len(p.conns) {
		return &fakeConn{fakeQueryer: &fakeQueryer{}}, nil
	}
	c := p.conns[p.nextIdx]
	p.nextIdx++
	return c, nil
}

// fakeListenConn is the dedicated LISTEN session connection.
type fakeListenConn struct {
	*fakeQueryer
	pid           uint32
	notifications chan *pgconn.Notification
	closed        bool
}

func newFakeListenConn(pid uint32) *fakeListenConn {
	return &fakeListenConn{fakeQueryer: &fakeQueryer{}, pid: pid, notifications: make(chan *pgconn.Notification, 8)}
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notifications:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeListenConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func (c *fakeListenConn) PID() uint32 { return c.pid }
