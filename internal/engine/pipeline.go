package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/duckling-run/duckling/internal/assistant"
	"github.com/duckling-run/duckling/internal/hostedvcs"
	"github.com/duckling-run/duckling/internal/precommit"
	"github.com/duckling-run/duckling/internal/retryx"
	"github.com/duckling-run/duckling/internal/task"
)

const assistantTimeout = 30 * time.Minute

// runPipeline advances one pending task through the fixed six-step
// pipeline (§4.11.4). Every step is wrapped by the task-log helper so
// it emits exactly one start, one success, and on error one failure
// line; any step error transitions the task to failed and stops.
func (e *Engine) runPipeline(ctx context.Context, taskID int64) error {
	if terminal, err := e.isTerminal(ctx, taskID); err != nil {
		return err
	} else if terminal {
		return nil
	}

	pipelineStart := time.Now()

	if err := e.taskLog.Around(ctx, taskID, "starting pipeline", "transitioned to in-progress", func(ctx context.Context) error {
		_, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
			t.Status = task.StatusInProgress
			t.CurrentStage = task.StageCreatingBranch
			return nil
		})
		return err
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	owner, name, err := e.registry.Resolve(ctx, t.RepositoryPath)
	if err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}

	if err := e.taskLog.Around(ctx, taskID, "generating branch name", "branch created", func(ctx context.Context) error {
		return e.createBranch(ctx, t, owner, name)
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)

	if terminal, err := e.isTerminal(ctx, taskID); err != nil || terminal {
		return err
	}

	if err := e.taskLog.Around(ctx, taskID, "invoking coding assistant", "coding assistant finished", func(ctx context.Context) error {
		if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
			t.CurrentStage = task.StageGeneratingCode
			return nil
		}); err != nil {
			return err
		}
		_, err := e.assistant.Run(ctx, string(t.CodingTool), assistant.Request{
			Prompt:     t.Description,
			WorkingDir: t.RepositoryPath,
			Timeout:    assistantTimeout,
		})
		return err
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)

	if terminal, err := e.isTerminal(ctx, taskID); err != nil || terminal {
		return err
	}

	if err := e.taskLog.Around(ctx, taskID, "running pre-commit checks", "pre-commit checks complete", func(ctx context.Context) error {
		if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
			t.CurrentStage = task.StageRunningPrecommitChecks
			return nil
		}); err != nil {
			return err
		}
		return e.runPrecommitWithFixes(ctx, t)
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)

	if terminal, err := e.isTerminal(ctx, taskID); err != nil || terminal {
		return err
	}

	if err := e.taskLog.Around(ctx, taskID, "committing changes", "changes pushed", func(ctx context.Context) error {
		if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
			t.CurrentStage = task.StageCommittingChanges
			return nil
		}); err != nil {
			return err
		}
		return e.commitAndPush(ctx, t)
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)

	if terminal, err := e.isTerminal(ctx, taskID); err != nil || terminal {
		return err
	}

	if err := e.taskLog.Around(ctx, taskID, "creating pull request", "pull request ready", func(ctx context.Context) error {
		if _, err := e.store.TxUpdateTask(ctx, taskID, func(t *task.Task) error {
			t.CurrentStage = task.StageCreatingPR
			return nil
		}); err != nil {
			return err
		}
		return e.createOrReusePR(ctx, t, owner, name)
	}); err != nil {
		stage, ferr := e.failTask(ctx, taskID, err)
		e.metrics.recordPipelineFailure(time.Since(pipelineStart), string(stage))
		return ferr
	}
	e.publish(ctx, taskID)
	e.metrics.recordPipelineSuccess(time.Since(pipelineStart))
	return nil
}

// createBranch implements §4.11.4 step 2: derive a sanitized slug,
// reset to the repo's default branch, then create a collision-free
// local branch named {prefix}{slug}[-N].
func (e *Engine) createBranch(ctx context.Context, t *task.Task, owner, name string) error {
	prefix, err := e.settings.BranchPrefix(ctx)
	if err != nil {
		return err
	}
	maxLen := 30 - len(prefix)

	slug := sanitizeSlug(e.llm.GenerateBranchSlug(ctx, t.Description))
	if slug == "" {
		slug = fallbackSlugFromDescription(t.Description)
	}
	slug = truncateSlug(slug, maxLen)
	if slug == "" {
		slug = "task"
	}

	cfg := e.retryConfig(ctx)
	base, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (string, error) {
		return e.hostedVCS.GetDefaultBranch(ctx, owner, name)
	})
	if err != nil || base == "" {
		base, err = e.settings.BaseBranch(ctx)
		if err != nil {
			return err
		}
	}

	v := e.vcsFor(t.RepositoryPath)
	if err := retryx.Do(ctx, cfg, e.logger, func(ctx context.Context) error {
		return v.CheckoutBase(ctx, base)
	}); err != nil {
		return retryx.NewTransient(err, "checkout base branch failed")
	}

	branchName := prefix + slug
	candidate := branchName
	for i := 1; ; i++ {
		exists, err := v.BranchExists(ctx, candidate)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		candidate = fmt.Sprintf("%s-%d", branchName, i)
	}
	if err := retryx.Do(ctx, cfg, e.logger, func(ctx context.Context) error {
		return v.CreateBranch(ctx, candidate)
	}); err != nil {
		return retryx.NewTransient(err, "create branch failed")
	}

	_, err = e.store.TxUpdateTask(ctx, t.ID, func(tt *task.Task) error {
		tt.BranchName = candidate
		return nil
	})
	if err == nil {
		t.BranchName = candidate
	}
	return err
}

// runPrecommitWithFixes implements the two-round fix policy shared by
// §4.11.4 step 4 and §4.11.5 step 6: run every check; on any failure,
// ask the assistant to fix the reported errors and run every check
// again; a second-round failure is logged and tolerated, never fatal.
func (e *Engine) runPrecommitWithFixes(ctx context.Context, t *task.Task) error {
	checks, err := e.store.PrecommitChecks(ctx)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		return nil
	}

	results, err := e.precommit.RunAll(ctx, t.RepositoryPath, checks)
	if err != nil {
		return err
	}
	if precommit.AllPassed(results) {
		return nil
	}

	var failures []string
	for _, r := range results {
		if !r.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", r.Check.Name, r.Output))
		}
	}
	fixPrompt := fmt.Sprintf("%s\n\nFix the following pre-commit failures:\n%s", t.Description, strings.Join(failures, "\n"))
	if _, err := e.assistant.Run(ctx, string(t.CodingTool), assistant.Request{
		Prompt:     fixPrompt,
		WorkingDir: t.RepositoryPath,
		Timeout:    assistantTimeout,
	}); err != nil {
		return err
	}

	results2, err := e.precommit.RunAll(ctx, t.RepositoryPath, checks)
	if err != nil {
		return err
	}
	if !precommit.AllPassed(results2) {
		e.taskLog.Warn(ctx, t.ID, "pre-commit checks still failing after fix round; continuing")
	}
	return nil
}

// commitAndPush implements §4.11.4 step 5.
func (e *Engine) commitAndPush(ctx context.Context, t *task.Task) error {
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
		return retryx.NewPermanent(fmt.Errorf("nothing staged to commit"), "")
	}

	msg := e.llm.GenerateCommitMessage(ctx, t.Description)
	if len(msg) > 50 {
		msg = msg[:50]
	}
	suffix, err := e.settings.CommitSuffix(ctx)
	if err != nil {
		return err
	}
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
	return nil
}

// createOrReusePR implements §4.11.4 step 6, including the
// retry-idempotence law: an existing open PR for the branch is reused,
// never duplicated.
func (e *Engine) createOrReusePR(ctx context.Context, t *task.Task, owner, name string) error {
	cfg := e.retryConfig(ctx)

	base, err := e.settings.BaseBranch(ctx)
	if err != nil {
		return err
	}
	if d, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (string, error) {
		return e.hostedVCS.GetDefaultBranch(ctx, owner, name)
	}); err == nil && d != "" {
		base = d
	}

	existing, err := retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (*hostedvcs.PullRequest, error) {
		return e.hostedVCS.FindPRByBranch(ctx, owner, name, t.BranchName)
	})
	if err != nil {
		return retryx.NewTransient(err, "find existing PR failed")
	}

	pr := existing
	if pr == nil {
		titlePrefix, err := e.settings.PRTitlePrefix(ctx)
		if err != nil {
			return err
		}
		title := e.llm.GeneratePRTitle(ctx, t.Description)
		if !strings.HasPrefix(title, titlePrefix) {
			title = titlePrefix + " " + title
		}
		v := e.vcsFor(t.RepositoryPath)
		diffSummary, err := v.Diff(ctx)
		if err != nil {
			e.logger.Warn("diff summary for PR body failed: %v", err)
			diffSummary = ""
		}
		body := e.llm.GeneratePRBody(ctx, t.Description, diffSummary)
		pr, err = retryx.DoResult(ctx, cfg, e.logger, func(ctx context.Context) (*hostedvcs.PullRequest, error) {
			return e.hostedVCS.CreatePR(ctx, owner, name, title, body, t.BranchName, base)
		})
		if err != nil {
			return retryx.NewTransient(err, "create PR failed")
		}
	}

	_, err = e.store.TxUpdateTask(ctx, t.ID, func(tt *task.Task) error {
		tt.PRNumber = pr.Number
		tt.PRURL = pr.URL
		tt.Status = task.StatusAwaitingReview
		tt.CurrentStage = task.StageAwaitingReview
		return nil
	})
	return err
}
