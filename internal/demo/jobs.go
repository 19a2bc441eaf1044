// Package demo provides a trivial JobInvoker used by the locker-demo CLI: it
// has no real job table of its own, so it just simulates variable-length
// work and logs each invocation.
package demo

import (
	"context"
	"math/rand"
	"time"

	"github.com/yungbote/pglocker/internal/locker"
	"github.com/yungbote/pglocker/internal/pkg/logger"
)

// NewInvoker returns a locker.JobInvoker that sleeps a short, random
// duration to stand in for real work, then logs completion. minWork/maxWork
// bound the simulated sleep.
func NewInvoker(log *logger.Logger, minWork, maxWork time.Duration) locker.JobInvoker {
	log = log.With("component", "demo.Invoker")
	span := int64(maxWork - minWork)
	return func(ctx context.Context, d locker.Descriptor) error {
		wait := minWork
		if span > 0 {
			wait += time.Duration(rand.Int63n(span))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Info("job completed", "job_id", d.JobID, "priority", d.Priority, "took", wait)
		return nil
	}
}
