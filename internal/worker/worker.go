// ============================================================================
// Beaver-Sync Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes job attempts, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the job's work function with the task's cancellation context
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   There is no per-attempt timeout. A job is abandoned only when its lifespan
//   expires, which the controller checks before dispatch. Long-running work
//   observes ctx.Done() for cooperative cancellation.
//
// Error Handling:
//   A panic inside a work function is recovered and reported as a permanent
//   failure (PanicError) of that job only; the worker keeps running.
//
// ============================================================================

package worker

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/job"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	busy     *atomic.Int32 // Shared count of workers currently executing
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, busy *atomic.Int32) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		busy:     busy,
	}
}

// Run is the main loop of Worker
//
// Results are always delivered; the pool keeps resultCh open until every
// worker has returned.
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.busy.Add(1)
		start := time.Now()
		outcome := w.execute(task)
		w.busy.Add(-1)

		w.resultCh <- Result{
			JobID:    task.Spec.ID,
			Spec:     task.Spec,
			Job:      task.Job,
			Outcome:  outcome,
			Duration: time.Since(start),
		}
	}
}

// execute runs one attempt and converts a panic into a permanent failure
func (w *Worker) execute(task Task) (outcome job.Result) {
	defer func() {
		if r := recover(); r != nil {
			outcome = job.Failure(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return task.Job.Run(task.Ctx, task.Input)
}
