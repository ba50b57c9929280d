// Package executor is the single-worker FIFO task executor (C10): jobs
// submitted are run strictly in submission order on one background
// goroutine, so at most one task's pipeline runs at a time. A panicking
// or failing job is recovered and logged but never stops the worker,
// adapted from the teacher's internal/async panic-recovering goroutine
// launch.
package executor

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/duckling-run/duckling/internal/logx"
)

// Job is one unit of work submitted to the executor.
type Job struct {
	ID     string
	TaskID int64
	Run    func(ctx context.Context) error
}

// Observer is notified of job lifecycle events. Implementations must
// not block; the executor calls them synchronously on the worker
// goroutine between jobs.
type Observer interface {
	OnStart(job Job)
	OnComplete(job Job)
	OnError(job Job, err error)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) OnStart(Job)       {}
func (NopObserver) OnComplete(Job)    {}
func (NopObserver) OnError(Job, error) {}

// Executor is a single-worker FIFO queue.
type Executor struct {
	queue    chan Job
	observer Observer
	logger   logx.Logger

	mu      sync.Mutex
	started bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New builds an Executor with the given queue depth. A nil observer
// defaults to NopObserver.
func New(queueDepth int, observer Observer) *Executor {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Executor{
		queue:    make(chan Job, queueDepth),
		observer: observer,
		logger:   logx.NewComponentLogger("executor"),
	}
}

// Start launches the single worker goroutine. Calling Start twice is a no-op.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	g.Go(func() error {
		e.worker(gctx)
		return nil
	})
}

// Stop cancels the worker's context (which the running job also
// receives) and waits for the worker to return from its current job and
// exit. Jobs still waiting in the queue are not run.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if group != nil {
		_ = group.Wait()
	}
}

// Submit enqueues a job for FIFO execution, assigning it an ID if unset.
// It blocks if the queue is full.
func (e *Executor) Submit(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	e.queue <- job
	return job
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.queue:
			e.runOne(ctx, job)
		}
	}
}

func (e *Executor) runOne(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			e.observer.OnError(job, errPanicked)
		}
	}()
	e.observer.OnStart(job)
	if err := job.Run(ctx); err != nil {
		e.logger.Warn("job %s failed: %v", job.ID, err)
		e.observer.OnError(job, err)
		return
	}
	e.observer.OnComplete(job)
}

var errPanicked = jobPanicError{}

type jobPanicError struct{}

func (jobPanicError) Error() string { return "job panicked" }
