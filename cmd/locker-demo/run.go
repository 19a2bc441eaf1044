package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yungbote/pglocker/internal/demo"
	"github.com/yungbote/pglocker/internal/locker"
	"github.com/yungbote/pglocker/internal/pkg/env"
	"github.com/yungbote/pglocker/internal/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a Locker and process jobs until interrupted",
	RunE:  runLocker,
}

func init() {
	runCmd.Flags().Int("workers", locker.DefaultWorkerCount, "worker pool size")
	runCmd.Flags().Duration("poll-interval", 0, "periodic poll interval (0 disables the timer; demand polls still occur)")
	runCmd.Flags().Duration("wait-period", locker.DefaultWaitPeriod, "pause after a failed batch poll")
	runCmd.Flags().Int("min-queue-size", locker.DefaultMinimumQueueSize, "low-water mark that wakes the Poller")
	runCmd.Flags().Int("max-queue-size", locker.DefaultMaximumQueueSize, "Job Queue capacity")
	runCmd.Flags().Bool("listen", true, "subscribe to LISTEN/NOTIFY in addition to polling")

	viper.BindPFlag("workers", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("poll_interval", runCmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("wait_period", runCmd.Flags().Lookup("wait-period"))
	viper.BindPFlag("min_queue_size", runCmd.Flags().Lookup("min-queue-size"))
	viper.BindPFlag("max_queue_size", runCmd.Flags().Lookup("max-queue-size"))
	viper.BindPFlag("listen", runCmd.Flags().Lookup("listen"))
}

func runLocker(cmd *cobra.Command, args []string) error {
	log, err := logger.New(env.GetEnv("PGLOCKER_LOG_MODE", "dev", nil))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	dsn := viper.GetString("dsn")
	rawPool, err := pgxpool.New(cmd.Context(), dsn)
	if err != nil {
		return fmt.Errorf("open connection pool: %w", err)
	}
	defer rawPool.Close()
	pool := pgxPool{rawPool}

	connFactory := func(ctx context.Context) (locker.ListenConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("dial listening connection: %w", err)
		}
		return &pgxListenConn{Conn: conn}, nil
	}

	listen := viper.GetBool("listen")
	cfg := locker.Config{
		Listen:           &listen,
		WorkerCount:      viper.GetInt("workers"),
		WaitPeriod:       viper.GetDuration("wait_period"),
		MinimumQueueSize: viper.GetInt("min_queue_size"),
		MaximumQueueSize: viper.GetInt("max_queue_size"),
	}
	if d := viper.GetDuration("poll_interval"); d > 0 {
		cfg.PollInterval = &d
	}

	invoke := demo.NewInvoker(log, 50*time.Millisecond, 500*time.Millisecond)
	l := locker.New(cfg, pool, connFactory, invoke, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start locker: %w", err)
	}
	cliLog.Info("locker running, press ctrl-c to stop")

	<-ctx.Done()
	cliLog.Info("shutting down")
	l.StopWait()
	return nil
}

// pgxListenConn adapts *pgx.Conn's backend-PID accessor to the locker.ListenConn
// interface's PID() method name.
type pgxListenConn struct {
	*pgx.Conn
}

func (c *pgxListenConn) PID() uint32 {
	return c.Conn.PgConn().PID()
}

// pgxPool adapts *pgxpool.Pool to locker.Pool. Exec/Query/QueryRow already
// match the Queryer signatures exactly and are promoted directly; only
// Acquire needs adapting, since pgxpool.Pool.Acquire returns the concrete
// *pgxpool.Conn rather than the locker.Conn interface.
type pgxPool struct {
	*pgxpool.Pool
}

func (p pgxPool) Acquire(ctx context.Context) (locker.Conn, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
