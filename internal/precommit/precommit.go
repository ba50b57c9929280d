// Package precommit runs the configured pre-commit checks (C9) against
// a working directory in order, collecting every failure so the
// engine's two-round fix policy (§4.11.4 step 3) can hand the assistant
// the full set of problems in one prompt.
package precommit

import (
	"context"
	"fmt"

	"github.com/duckling-run/duckling/internal/procrunner"
	"github.com/duckling-run/duckling/internal/task"
)

// CheckResult is the outcome of running one configured check.
type CheckResult struct {
	Check    *task.PrecommitCheck
	Passed   bool
	Output   string
	ExitCode int
}

// Runner executes an ordered list of PrecommitChecks.
type Runner struct{}

// NewRunner builds a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// RunAll runs every check in order against workingDir regardless of
// earlier failures, returning one CheckResult per configured check.
func (r *Runner) RunAll(ctx context.Context, workingDir string, checks []*task.PrecommitCheck) ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		res, err := r.run(ctx, workingDir, c)
		if err != nil {
			return results, fmt.Errorf("running check %q: %w", c.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) run(ctx context.Context, workingDir string, c *task.PrecommitCheck) (CheckResult, error) {
	res, err := procrunner.Run(ctx, procrunner.Config{
		Command:    "sh",
		Args:       []string{"-c", c.Command},
		WorkingDir: workingDir,
		Timeout:    c.Timeout,
	})
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Check:    c,
		Passed:   res.ExitCode == 0,
		Output:   res.Stdout + res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}

// FirstFailure returns the first failing result, or nil if every check passed.
func FirstFailure(results []CheckResult) *CheckResult {
	for i := range results {
		if !results[i].Passed {
			return &results[i]
		}
	}
	return nil
}

// AllPassed reports whether every result in results passed.
func AllPassed(results []CheckResult) bool {
	return FirstFailure(results) == nil
}
