package queue

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// jobRunner executes one job to completion.
type jobRunner interface {
	Execute(ctx context.Context, jobID string) error
}

// Task is the handle of one launched job worker.
type Task struct {
	JobID string
	done  chan struct{}
	err   error
}

// Done is closed once the worker has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the worker's error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the worker returns or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerPool runs each job on its own goroutine, detached from the
// submitting request. maxConcurrent bounds how many run at once; excess
// jobs wait in the queued state.
type WorkerPool struct {
	runner   jobRunner
	registry *Registry
	slots    chan struct{}

	mu     sync.Mutex
	active map[string]*Task
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. maxConcurrent <= 0 means
// unbounded.
func NewWorkerPool(maxConcurrent int, runner jobRunner, registry *Registry) *WorkerPool {
	wp := &WorkerPool{
		runner:   runner,
		registry: registry,
		active:   make(map[string]*Task),
	}
	if maxConcurrent > 0 {
		wp.slots = make(chan struct{}, maxConcurrent)
	}
	log.Printf("Worker pool ready (max concurrent: %s)", describeLimit(maxConcurrent))
	return wp
}

// Launch starts the worker for a queued job. At most one worker is ever
// bound to a job id.
func (wp *WorkerPool) Launch(jobID string) (*Task, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if _, running := wp.active[jobID]; running {
		return nil, ErrJobAlreadyRunning
	}
	job, err := wp.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusQueued {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobAlreadyRunning, jobID, job.Status)
	}

	task := &Task{JobID: jobID, done: make(chan struct{})}
	wp.active[jobID] = task
	wp.wg.Add(1)
	go wp.run(task)

	log.Printf("Job %s launched", jobID)
	return task, nil
}

func (wp *WorkerPool) run(task *Task) {
	defer wp.wg.Done()

	if wp.slots != nil {
		wp.slots <- struct{}{}
	}

	task.err = wp.execute(task.JobID)

	if wp.slots != nil {
		<-wp.slots
	}

	wp.mu.Lock()
	delete(wp.active, task.JobID)
	wp.mu.Unlock()
	close(task.done)
}

// execute runs the job with panic recovery.
func (wp *WorkerPool) execute(jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC processing job %s: %v\n%s", jobID, r, string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
			wp.markPanicked(jobID)
		}
	}()
	return wp.runner.Execute(context.Background(), jobID)
}

func (wp *WorkerPool) markPanicked(jobID string) {
	_, err := wp.registry.Update(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = types.StatusFailed
		j.StatusText = "internal error while processing job"
		j.CompletedAt = &now
	})
	if err != nil {
		log.Printf("Job %s: cannot record panic: %v", jobID, err)
	}
}

// Active returns the number of launched workers that have not returned.
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.active)
}

// IsActive reports whether jobID has a launched worker, running or
// waiting for a slot.
func (wp *WorkerPool) IsActive(jobID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.active[jobID]
	return ok
}

// Wait blocks until every launched worker has returned.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func describeLimit(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d", n)
}
