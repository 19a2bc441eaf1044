package locker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestConfigResolvedFillsDefaults(t *testing.T) {
	cfg := Config{}.resolved()
	assert.True(t, *cfg.Listen)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
	assert.Equal(t, DefaultWaitPeriod, cfg.WaitPeriod)
	assert.Equal(t, DefaultMinimumQueueSize, cfg.MinimumQueueSize)
	assert.Equal(t, DefaultMaximumQueueSize, cfg.MaximumQueueSize)
	require.Len(t, cfg.WorkerPriorities, DefaultWorkerCount)
	for _, p := range cfg.WorkerPriorities {
		assert.Nil(t, p, "a worker position with no explicit priority defaults to unbounded")
	}
}

func TestConfigResolvedPreservesExplicitWorkerPriorities(t *testing.T) {
	urgent := int16(2)
	cfg := Config{WorkerCount: 3, WorkerPriorities: []*int16{&urgent}}.resolved()
	require.Len(t, cfg.WorkerPriorities, 3)
	require.NotNil(t, cfg.WorkerPriorities[0])
	assert.Equal(t, int16(2), *cfg.WorkerPriorities[0])
	assert.Nil(t, cfg.WorkerPriorities[1])
	assert.Nil(t, cfg.WorkerPriorities[2])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func TestLockerLifecyclePollOnly(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	connFactory := func(ctx context.Context) (ListenConn, error) { return newFakeListenConn(111), nil }

	var invoked int32
	invoke := func(ctx context.Context, d Descriptor) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	}

	cfg := Config{Listen: boolPtr(false), WorkerCount: 1}
	l := New(cfg, pool, connFactory, invoke, testLogger(t))
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, StateRunning, l.State())
	assert.Nil(t, l.notifier, "Listen=false must not spawn a Notifier")

	l.JobQueue().Push([]Descriptor{desc(1, 1)})
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&invoked) == 1 })

	l.StopWait()
	assert.Equal(t, StateStopped, l.State())

	select {
	case <-l.Thread():
	default:
		t.Fatal("control loop thread must have exited by the time StopWait returns")
	}

	deleteCalls := 0
	for _, c := range pool.calls() {
		if c.sql == sqlDeleteLockerRow {
			deleteCalls++
		}
	}
	assert.Equal(t, 1, deleteCalls, "shutdown must delete this Locker's registration row")
}

func TestLockerLifecycleWithListenSubscribesAndUnsubscribes(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	listenConn := newFakeListenConn(222)
	connFactory := func(ctx context.Context) (ListenConn, error) { return listenConn, nil }
	invoke := func(ctx context.Context, d Descriptor) error { return nil }

	cfg := Config{Listen: boolPtr(true), WorkerCount: 1}
	l := New(cfg, pool, connFactory, invoke, testLogger(t))
	require.NoError(t, l.Start(context.Background()))
	require.NotNil(t, l.notifier)

	l.StopWait()

	var sawListen, sawUnlisten bool
	for _, c := range listenConn.calls() {
		if c.sql == "LISTEN locker_222" {
			sawListen = true
		}
		if c.sql == "UNLISTEN locker_222" {
			sawUnlisten = true
		}
	}
	assert.True(t, sawListen)
	assert.True(t, sawUnlisten)
	assert.True(t, listenConn.closed, "the dedicated listening connection must be closed on shutdown")
}

func TestLockerStopIsIdempotent(t *testing.T) {
	pool := &fakePool{fakeQueryer: &fakeQueryer{}}
	connFactory := func(ctx context.Context) (ListenConn, error) { return newFakeListenConn(333), nil }
	invoke := func(ctx context.Context, d Descriptor) error { return nil }

	l := New(Config{Listen: boolPtr(false), WorkerCount: 1}, pool, connFactory, invoke, testLogger(t))
	require.NoError(t, l.Start(context.Background()))

	l.Stop()
	l.Stop()
	l.WaitForStop()
	assert.Equal(t, StateStopped, l.State())
}
