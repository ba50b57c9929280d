// Package assistant is the coding-assistant bridge (C7): it runs an
// external coding tool ("amp", "openai", ...) as a one-shot subprocess
// against a working directory and returns its output, adapted from the
// teacher's coding.Gateway/AdapterRegistry dispatch and its codex
// executor's process-per-invocation shape.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/duckling-run/duckling/internal/logx"
	"github.com/duckling-run/duckling/internal/procrunner"
	"github.com/duckling-run/duckling/internal/retryx"
)

// Request is one code-generation invocation against a checked-out repo.
type Request struct {
	Prompt     string
	WorkingDir string
	Timeout    time.Duration
}

// Result is what the coding tool produced.
type Result struct {
	Output   string
	ExitCode int
}

// Executor runs a Request for one named coding tool.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Bridge dispatches requests to the registered Executor for a tool name.
type Bridge struct {
	executors map[string]Executor
	logger    logx.Logger
	retryCfg  retryx.Config
}

// NewBridge builds a Bridge with no executors registered. maxRetries
// overrides the default retry budget (§6 maxRetries); 0 or negative
// keeps retryx.DefaultConfig's attempt count.
func NewBridge(maxRetries int) *Bridge {
	cfg := retryx.DefaultConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	return &Bridge{
		executors: make(map[string]Executor),
		logger:    logx.NewComponentLogger("assistant"),
		retryCfg:  cfg,
	}
}

// Register adds an Executor, keyed by its own Name().
func (b *Bridge) Register(e Executor) {
	b.executors[e.Name()] = e
}

// Run dispatches req to the executor named tool, retrying transient
// failures (process crashes, rate limits) per the engine's retry policy.
func (b *Bridge) Run(ctx context.Context, tool string, req Request) (*Result, error) {
	exec, ok := b.executors[tool]
	if !ok {
		return nil, fmt.Errorf("no coding-tool executor registered for %q", tool)
	}
	return retryx.DoResult(ctx, b.retryCfg, b.logger, func(ctx context.Context) (*Result, error) {
		return exec.Execute(ctx, req)
	})
}

// CLIExecutor runs a coding tool that takes its prompt as the final
// command-line argument and treats its working directory as the
// repository checkout, the shape shared by both "amp" and codex-style
// CLI tools.
type CLIExecutor struct {
	name    string
	command string
	args    []string
	env     map[string]string
}

// NewCLIExecutor builds a CLIExecutor that shells out to command with args
// followed by the prompt. On a zero exit the Result carries stdout; on a
// non-zero exit it carries stdout followed by stderr.
func NewCLIExecutor(name, command string, args []string, env map[string]string) *CLIExecutor {
	return &CLIExecutor{name: name, command: command, args: args, env: env}
}

func (c *CLIExecutor) Name() string { return c.name }

func (c *CLIExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, retryx.NewPermanent(fmt.Errorf("prompt is required"), "")
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	res, err := procrunner.Run(ctx, procrunner.Config{
		Command:    c.command,
		Args:       append(append([]string{}, c.args...), req.Prompt),
		Env:        c.env,
		WorkingDir: req.WorkingDir,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, retryx.NewTransient(err, fmt.Sprintf("%s invocation failed", c.name))
	}
	if res.ExitCode != 0 {
		return &Result{Output: res.Stdout + res.Stderr, ExitCode: res.ExitCode},
			retryx.NewTransient(fmt.Errorf("%s exited %d: %s", c.name, res.ExitCode, res.Stderr), "")
	}
	return &Result{Output: res.Stdout, ExitCode: res.ExitCode}, nil
}

// NewAmpExecutor wires the "amp" CLI coding tool (§7 defaultCodingTool).
func NewAmpExecutor(apiKey string) *CLIExecutor {
	env := map[string]string{}
	if apiKey != "" {
		env["AMP_API_KEY"] = apiKey
	}
	return NewCLIExecutor("amp", "amp", []string{"-x"}, env)
}

// NewOpenAIExecutor wires the "openai" coding tool as an alternative to amp.
func NewOpenAIExecutor(apiKey string) *CLIExecutor {
	env := map[string]string{}
	if apiKey != "" {
		env["OPENAI_API_KEY"] = apiKey
	}
	return NewCLIExecutor("openai", "codex", []string{"exec"}, env)
}
