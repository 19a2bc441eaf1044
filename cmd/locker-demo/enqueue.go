package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Insert a job row and notify a running Locker",
	RunE:  enqueueJob,
}

var (
	enqueuePriority int16
	enqueueRunIn    time.Duration
)

func init() {
	enqueueCmd.Flags().Int16Var(&enqueuePriority, "priority", 5, "job priority, lower is more urgent")
	enqueueCmd.Flags().DurationVar(&enqueueRunIn, "run-in", 0, "delay before the job becomes runnable")
}

const sqlInsertJob = `
INSERT INTO jobs (job_id, priority, run_at, payload)
VALUES ($1, $2, $3, $4)`

const sqlNotifyListeners = `
SELECT pg_notify('locker_' || pid, $1)
FROM lockers
WHERE listening`

func enqueueJob(cmd *cobra.Command, args []string) error {
	dsn := viper.GetString("dsn")
	pool, err := pgxpool.New(cmd.Context(), dsn)
	if err != nil {
		return fmt.Errorf("open connection pool: %w", err)
	}
	defer pool.Close()

	jobID := int64(uuid.New().ID())
	runAt := time.Now().Add(enqueueRunIn)

	ctx := context.Background()
	if _, err := pool.Exec(ctx, sqlInsertJob, jobID, enqueuePriority, runAt, []byte(`{}`)); err != nil {
		return fmt.Errorf("insert job row: %w", err)
	}

	payload, err := json.Marshal(map[string]any{"priority": enqueuePriority, "run_at": runAt, "job_id": jobID})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlNotifyListeners, string(payload)); err != nil {
		return fmt.Errorf("notify listeners: %w", err)
	}

	cliLog.Infof("enqueued job %d at priority %d", jobID, enqueuePriority)
	return nil
}
