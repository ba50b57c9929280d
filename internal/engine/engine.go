// Package engine is the task lifecycle engine (C11): the state
// machine, the dual-phase scheduler tick, the pipeline orchestration,
// and the public create/cancel/retry/mark-complete/subscribe contract.
// It is built entirely against injected dependencies (the store, the
// task executor) rather than process-wide singletons, so the whole
// state machine can be driven in tests without a real scheduler.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duckling-run/duckling/internal/assistant"
	"github.com/duckling-run/duckling/internal/eventbus"
	"github.com/duckling-run/duckling/internal/executor"
	"github.com/duckling-run/duckling/internal/hostedvcs"
	"github.com/duckling-run/duckling/internal/llmutil"
	"github.com/duckling-run/duckling/internal/logx"
	"github.com/duckling-run/duckling/internal/precommit"
	"github.com/duckling-run/duckling/internal/registry"
	"github.com/duckling-run/duckling/internal/retryx"
	"github.com/duckling-run/duckling/internal/settings"
	"github.com/duckling-run/duckling/internal/store"
	"github.com/duckling-run/duckling/internal/task"
	"github.com/duckling-run/duckling/internal/tasklog"
	"github.com/duckling-run/duckling/internal/vcs"
)

// DefaultTickInterval is the scheduler cadence when Dependencies leaves
// TickInterval unset (§4.11.3: "default 60s").
const DefaultTickInterval = 60 * time.Second

// VCSOpener opens a vcs.Driver over a repository's local working copy,
// configured with whatever auth/identity the engine's operator set up.
// Injected so tests can substitute a driver with no real git remote.
type VCSOpener func(repositoryPath string) *vcs.Driver

// Dependencies wires every collaborator the engine needs. Store and the
// task executor are deliberately explicit constructor parameters
// rather than ambient globals, so the state machine is unit-testable.
type Dependencies struct {
	Store        store.Store
	Settings     *settings.Settings
	Registry     *registry.Registry
	OpenVCS      VCSOpener
	HostedVCS    *hostedvcs.Client
	Assistant    *assistant.Bridge
	LLM          *llmutil.Client
	Precommit    *precommit.Runner
	Executor     *executor.Executor
	Bus          *eventbus.Bus
	TaskLog      *tasklog.Logger
	Logger       logx.Logger
	Metrics      *Metrics
	TickInterval time.Duration
}

// Engine is the task lifecycle engine.
type Engine struct {
	store     store.Store
	settings  *settings.Settings
	registry  *registry.Registry
	openVCS   VCSOpener
	hostedVCS *hostedvcs.Client
	assistant *assistant.Bridge
	llm       *llmutil.Client
	precommit *precommit.Runner
	executor  *executor.Executor
	bus       *eventbus.Bus
	taskLog   *tasklog.Logger
	logger    logx.Logger
	metrics   *Metrics

	tickInterval time.Duration
	cron         *cron.Cron
	ticking      atomic.Bool
}

// New builds an Engine. Start must be called to begin the scheduler tick.
func New(deps Dependencies) *Engine {
	if deps.Logger == nil {
		deps.Logger = logx.NewComponentLogger("engine")
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = DefaultTickInterval
	}
	return &Engine{
		store:        deps.Store,
		settings:     deps.Settings,
		registry:     deps.Registry,
		openVCS:      deps.OpenVCS,
		hostedVCS:    deps.HostedVCS,
		assistant:    deps.Assistant,
		llm:          deps.LLM,
		precommit:    deps.Precommit,
		executor:     deps.Executor,
		bus:          deps.Bus,
		taskLog:      deps.TaskLog,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		tickInterval: deps.TickInterval,
	}
}

// Start launches the task executor's worker and registers the
// repeating scheduler tick.
func (e *Engine) Start(ctx context.Context) error {
	e.executor.Start(ctx)
	e.cron = cron.New()
	spec := fmt.Sprintf("@every %s", e.tickInterval)
	if _, err := e.cron.AddFunc(spec, func() { e.tick(ctx) }); err != nil {
		return fmt.Errorf("register scheduler tick: %w", err)
	}
	e.cron.Start()
	return nil
}

// Stop halts the scheduler tick and the task executor, waiting for any
// in-flight job to finish.
func (e *Engine) Stop() {
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		<-stopCtx.Done()
	}
	e.executor.Stop()
}

// tick runs the dual-phase scheduler pass (§4.11.3), guarded by a
// single reentrancy flag: a tick that fires while one is still running
// is skipped with a log line rather than queued.
func (e *Engine) tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.logger.Warn("tick skipped: previous tick still in progress")
		return
	}
	defer e.ticking.Store(false)

	start := time.Now()
	defer func() { e.metrics.recordTick(time.Since(start)) }()

	if err := e.reviewPhase(ctx); err != nil {
		e.logger.Error("review phase: %v", err)
	}
	if err := e.pendingPhase(ctx); err != nil {
		e.logger.Error("pending phase: %v", err)
	}
}

func (e *Engine) pendingPhase(ctx context.Context) error {
	tasks, err := e.store.TasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return fmt.Errorf("snapshot pending tasks: %w", err)
	}
	for _, t := range tasks {
		taskID := t.ID
		e.executor.Submit(executor.Job{
			TaskID: taskID,
			Run:    func(ctx context.Context) error { return e.runPipeline(ctx, taskID) },
		})
	}
	return nil
}

func (e *Engine) reviewPhase(ctx context.Context) error {
	tasks, err := e.store.TasksByStatus(ctx, task.StatusAwaitingReview)
	if err != nil {
		return fmt.Errorf("snapshot awaiting-review tasks: %w", err)
	}
	e.metrics.setTasksAwaitingReview(len(tasks))
	for _, t := range tasks {
		taskID := t.ID
		e.executor.Submit(executor.Job{
			TaskID: taskID,
			Run:    func(ctx context.Context) error { return e.ingestReviews(ctx, taskID) },
		})
	}
	return nil
}

// CreateTask inserts a new pending task (§4.11.2).
func (e *Engine) CreateTask(ctx context.Context, title, description string, codingTool task.CodingTool, repositoryPath string) (int64, error) {
	if _, _, err := e.registry.Resolve(ctx, repositoryPath); err != nil {
		return 0, fmt.Errorf("repository not registered: %w", err)
	}
	if description == "" {
		return 0, fmt.Errorf("description must not be empty")
	}

	summary := e.llm.GenerateTaskSummary(ctx, title, description)
	t := &task.Task{
		Title:          title,
		Description:    description,
		Summary:        summary,
		Status:         task.StatusPending,
		CodingTool:     codingTool,
		RepositoryPath: repositoryPath,
	}
	id, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	e.taskLog.Info(ctx, id, "task created")
	e.publish(ctx, id)
	return id, nil
}

// CancelTask transitions a task to cancelled (§4.11.2). Cancelling an
// already-terminal task is a no-op: no log, no event (generalizing the
// double-cancel law in §8 to every terminal state).
func (e *Engine) CancelTask(ctx context.Context, id int64) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if t.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	if _, err := e.store.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusCancelled
		t.CurrentStage = task.StageCancelled
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	e.taskLog.Info(ctx, id, "task cancelled")
	e.publish(ctx, id)
	return nil
}

// RetryTask transitions a failed task back to pending (§4.11.2); the
// only reverse transition the state machine permits.
func (e *Engine) RetryTask(ctx context.Context, id int64) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("retry task %d: not in failed state (status=%s)", id, t.Status)
	}
	if _, err := e.store.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusPending
		return nil
	}); err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	e.taskLog.Info(ctx, id, "task retried")
	e.publish(ctx, id)
	return nil
}

// MarkComplete force-completes a task (§4.11.2). Like CancelTask, it is
// a no-op on an already-terminal task.
func (e *Engine) MarkComplete(ctx context.Context, id int64) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	if t.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	if _, err := e.store.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusCompleted
		t.CurrentStage = task.StageCompleted
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	e.taskLog.Info(ctx, id, "task marked complete")
	e.publish(ctx, id)
	return nil
}

// Subscribe returns a channel of every task-update event published
// from this point on, until ctx is cancelled (§4.11.2, §4.12).
func (e *Engine) Subscribe(ctx context.Context) <-chan task.UpdateEvent {
	return e.bus.Subscribe(ctx)
}

func (e *Engine) publish(ctx context.Context, taskID int64) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("publish: get task %d: %v", taskID, err)
		return
	}
	e.bus.Publish(ctx, task.UpdateEvent{TaskID: t.ID, Status: t.Status, Task: *t})
}

func (e *Engine) vcsFor(repositoryPath string) *vcs.Driver {
	return e.openVCS(repositoryPath)
}

// retryConfig builds the bounded-backoff config (C3) for this engine's
// VCS and hosted-VCS calls, reading the configured retry budget (§6
// maxRetries) on every call so an operator's change takes effect on the
// next pipeline step rather than requiring a restart.
func (e *Engine) retryConfig(ctx context.Context) retryx.Config {
	cfg := retryx.DefaultConfig()
	if n, err := e.settings.MaxRetries(ctx); err == nil {
		cfg.MaxAttempts = n
	}
	return cfg
}

// isTerminal performs the cooperative-cancellation check (§4.11.6):
// every pipeline and review step re-reads the task before acting.
func (e *Engine) isTerminal(ctx context.Context, taskID int64) (bool, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status.Terminal(), nil
}

// failTask transitions a task to failed unless it has already reached
// a terminal state by the time the write lands (§4.11.6). It reports
// the stage the task was in when it failed, which runPipeline uses to
// label the pipeline_failures_total metric.
func (e *Engine) failTask(ctx context.Context, taskID int64, cause error) (task.Stage, error) {
	var stage task.Stage
	_, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		stage = t.CurrentStage
		t.Status = task.StatusFailed
		t.CurrentStage = task.StageFailed
		return nil
	})
	if err != nil {
		e.logger.Error("fail task %d: %v", taskID, err)
		return stage, cause
	}
	e.taskLog.Warn(ctx, taskID, fmt.Sprintf("pipeline failed: %v", cause))
	e.publish(ctx, taskID)
	return stage, cause
}
