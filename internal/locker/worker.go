package locker

import "context"

// JobInvoker executes a single job's body. It is the out-of-scope
// collaborator named in §1: it does its own database work, re-reading the
// job row and deciding success, failure, retry or burial. The Worker
// discards its return value — completion is signaled
// unconditionally once Invoke returns.
type JobInvoker func(ctx context.Context, desc Descriptor) error

// Worker repeatedly pops the most urgent eligible descriptor from the Job
// Queue, invokes the job body, and reports completion on the Result Queue.
// It never releases the advisory lock itself; that remains the
// Coordinator's responsibility once it observes the completion.
type Worker struct {
	Index    int
	Ceiling  *int16
	Queue    *JobQueue
	Results  *ResultQueue
	Invoke   JobInvoker
	OnStart  func(*Worker)
}

// Run blocks until the Job Queue enters shutdown state, at which point the
// blocking Pop returns the shutdown sentinel and Run returns.
func (w *Worker) Run(ctx context.Context) {
	if w.OnStart != nil {
		w.OnStart(w)
	}
	for {
		desc, ok := w.Queue.Pop(w.Ceiling)
		if !ok {
			return
		}
		_ = w.Invoke(ctx, desc)
		w.Results.Push(Completion{JobID: desc.JobID})
	}
}
