package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/duckling-run/duckling/internal/assistant"
	"github.com/duckling-run/duckling/internal/hostedvcs"
	"github.com/duckling-run/duckling/internal/retryx"
	"github.com/duckling-run/duckling/internal/settings"
	"github.com/duckling-run/duckling/internal/task"
)

// ingestReviews implements §4.11.5: pull submitted reviews for a task's
// open PR, filter to those qualifying (by the registered reviewer,
// newer than the last push, not pending), and either close out the
// task on a merged/closed PR or apply the combined feedback. Every
// step past the initial task lookup is best-effort: a failure is
// retried on the next tick rather than failing the task outright,
// since an awaiting-review task has already produced a PR worth
// keeping. Such failures are written to the process logger with the
// task id; only a failure inside applyReviewFeedback also appears in
// the task's own log (through its tasklog.Around wrapper).
func (e *Engine) ingestReviews(ctx context.Context, taskID int64) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("ingest reviews: get task: %w", err)
	}
	if t.Status != task.StatusAwaitingReview {
		return nil
	}
	if t.PRNumber == 0 || t.BranchName == "" {
		return nil
	}

	owner, name, err := e.registry.Resolve(ctx, t.RepositoryPath)
	if err != nil {
		e.logger.Error("ingest reviews: resolve repository for task %d: %v", taskID, err)
		return nil
	}

	cfg := e.retryConfig(ctx)

	pr, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (*hostedvcs.PullRequest, error) {
		return e.hostedVCS.GetPR(ctx, owner, name, t.PRNumber)
	})
	if err != nil {
		e.logger.Error("ingest reviews: get PR for task %d: %v", taskID, err)
		return nil
	}
	if pr.Merged {
		return e.completeFromReview(ctx, taskID)
	}
	if strings.EqualFold(pr.State, "closed") {
		return e.cancelFromReview(ctx, taskID)
	}

	v := e.vcsFor(t.RepositoryPath)
	if err := retryx.Do(ctx, cfg, e.logger, func(ctx context.Context) error {
		return v.CheckoutBase(ctx, t.BranchName)
	}); err != nil {
		e.logger.Error("ingest reviews: checkout branch for task %d: %v", taskID, err)
		return nil
	}

	var lastCommit time.Time
	hasLowerBound := true
	if ts, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (time.Time, error) {
		return v.LastCommitTimestamp(ctx)
	}); err != nil {
		hasLowerBound = false
	} else {
		lastCommit = ts
	}

	username, err := e.settings.Get(ctx, settings.KeyGithubUsername)
	if err != nil {
		e.logger.Error("ingest reviews: read github username for task %d: %v", taskID, err)
		return nil
	}

	reviews, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) ([]hostedvcs.Review, error) {
		return e.hostedVCS.ListReviews(ctx, owner, name, t.PRNumber)
	})
	if err != nil {
		e.logger.Error("ingest reviews: list reviews for task %d: %v", taskID, err)
		return nil
	}

	qualifying := make(map[int64]bool)
	var qualifyingReviews []struct {
		ID   int64
		Body string
	}
	for _, r := range reviews {
		if username != "" && !strings.EqualFold(r.User, username) {
			continue
		}
		if hasLowerBound && !r.SubmittedAt.After(lastCommit) {
			continue
		}
		if strings.EqualFold(r.State, "PENDING") {
			continue
		}
		qualifying[r.ID] = true
		qualifyingReviews = append(qualifyingReviews, struct {
			ID   int64
			Body string
		}{ID: r.ID, Body: r.Body})
	}
	if len(qualifyingReviews) == 0 {
		return nil
	}

	comments, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) ([]hostedvcs.ReviewComment, error) {
		return e.hostedVCS.ListReviewComments(ctx, owner, name, t.PRNumber)
	})
	if err != nil {
		e.logger.Error("ingest reviews: list review comments for task %d: %v", taskID, err)
		comments = nil
	}
	byReview := make(map[int64][]string)
	for _, c := range comments {
		if !qualifying[c.ReviewID] {
			continue
		}
		if c.InReplyToID != 0 {
			continue
		}
		byReview[c.ReviewID] = append(byReview[c.ReviewID], fmt.Sprintf("%s:%d: %s", c.Path, c.Line, c.Body))
	}

	var sections []string
	for _, r := range qualifyingReviews {
		var sb strings.Builder
		if r.Body != "" {
			sb.WriteString(r.Body)
		}
		for _, line := range byReview[r.ID] {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(line)
		}
		if sb.Len() > 0 {
			sections = append(sections, sb.String())
		}
	}
	if len(sections) == 0 {
		return nil
	}
	combined := strings.Join(sections, "\n---\n")

	if err := e.applyReviewFeedback(ctx, t, owner, name, combined); err != nil {
		e.logger.Error("ingest reviews: apply review feedback for task %d: %v", taskID, err)
	}
	return nil
}

func (e *Engine) completeFromReview(ctx context.Context, taskID int64) error {
	now := time.Now().UTC()
	if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		t.Status = task.StatusCompleted
		t.CurrentStage = task.StageCompleted
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return err
	}
	e.taskLog.Info(ctx, taskID, "pull request merged; task completed")
	e.publish(ctx, taskID)
	return nil
}

func (e *Engine) cancelFromReview(ctx context.Context, taskID int64) error {
	now := time.Now().UTC()
	if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		t.Status = task.StatusCancelled
		t.CurrentStage = task.StageCancelled
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return err
	}
	e.taskLog.Info(ctx, taskID, "pull request closed unmerged; task cancelled")
	e.publish(ctx, taskID)
	return nil
}

// applyReviewFeedback implements §4.11.5 step 6: hand combined review
// feedback to the coding assistant, re-run pre-commit checks, and push
// a follow-up commit to the same branch.
func (e *Engine) applyReviewFeedback(ctx context.Context, t *task.Task, owner, name, combined string) error {
	return e.taskLog.Around(ctx, t.ID, "applying review feedback", "review feedback committed", func(ctx context.Context) error {
		prompt := fmt.Sprintf("%s\n\nAddress the following review feedback:\n%s", t.Description, combined)
		if _, err := e.assistant.Run(ctx, string(t.CodingTool), assistant.Request{
			Prompt:     prompt,
			WorkingDir: t.RepositoryPath,
			Timeout:    assistantTimeout,
		}); err != nil {
			return err
		}

		if err := e.runPrecommitWithFixes(ctx, t); err != nil {
			return err
		}

		cfg := e.retryConfig(ctx)
		v := e.vcsFor(t.RepositoryPath)
		if err := retryx.Do(ctx, cfg, e.logger, func(ctx context.Context) error {
			return v.AddAll(ctx)
		}); err != nil {
			return retryx.NewTransient(err, "git add failed")
		}
		st, err := v.Status(ctx)
		if err != nil {
			return retryx.NewTransient(err, "git status failed")
		}
		if len(st) == 0 {
			return nil
		}

		suffix, err := e.settings.CommitSuffix(ctx)
		if err != nil {
			return err
		}
		msg := "Address review feedback"
		if !strings.HasSuffix(msg, suffix) {
			msg += suffix
		}
		if _, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (string, error) {
			return v.Commit(ctx, msg)
		}); err != nil {
			return retryx.NewTransient(err, "git commit failed")
		}
		if err := retryx.Do(ctx, cfg, e.logger, func(ctx context.Context) error {
			return v.Push(ctx, t.BranchName)
		}); err != nil {
			return retryx.NewTransient(err, "git push failed")
		}

		_ = e.settings.Set(ctx, fmt.Sprintf("last_comment_%d", t.ID), time.Now().UTC().Format(time.RFC3339))
		return nil
	})
}
