package locker

import "time"

// Descriptor is the in-memory representation of a locked job on the Job
// Queue. It is deliberately minimal: the full job row is re-read by the
// worker under its advisory lock, so the descriptor only needs to carry
// the sort key.
type Descriptor struct {
	Priority int16
	RunAt    time.Time
	JobID    int64
}

// Less implements the queue's total order: priority ascending, then run_at,
// then job_id. Lower priority numbers are more urgent.
func Less(a, b Descriptor) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.JobID < b.JobID
}
