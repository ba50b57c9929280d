// Package llmutil is the LLM utility (C8): short natural-language
// generation helpers (branch slugs, PR titles/bodies, summaries, commit
// messages) backed by the Anthropic Messages API, each with a
// deterministic fallback so the pipeline never blocks on the model
// being unavailable.
package llmutil

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/duckling-run/duckling/internal/logx"
	"github.com/duckling-run/duckling/internal/retryx"
)

// Client generates short task-related strings from a prompt and task text.
type Client struct {
	anthropic anthropic.Client
	model     anthropic.Model
	enabled   bool
	logger    logx.Logger
	retryCfg  retryx.Config
}

// New builds a Client. With an empty apiKey every method falls back to
// its deterministic heuristic instead of calling out to the model.
// maxRetries overrides the default retry budget (§6 maxRetries); 0 or
// negative keeps retryx.DefaultConfig's attempt count.
func New(apiKey string, maxRetries int) *Client {
	cfg := retryx.DefaultConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	c := &Client{
		model:    anthropic.ModelClaude3_5HaikuLatest,
		enabled:  apiKey != "",
		logger:   logx.NewComponentLogger("llmutil"),
		retryCfg: cfg,
	}
	if c.enabled {
		c.anthropic = anthropic.NewClient(option.WithAPIKey(apiKey))
	}
	return c
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	if !c.enabled {
		return "", fmt.Errorf("llm disabled: no api key configured")
	}
	out, err := retryx.DoResult(ctx, c.retryCfg, c.logger, func(ctx context.Context) (string, error) {
		msg, err := c.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			return "", retryx.NewTransient(err, "anthropic messages.new failed")
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return strings.TrimSpace(sb.String()), nil
	})
	return out, err
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func fallbackSlug(title string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = fmt.Sprintf("task-%d", time.Now().UTC().Unix())
	}
	return slug
}

// GenerateBranchSlug turns a task title into a short, url-safe slug used
// after the configured branch prefix.
func (c *Client) GenerateBranchSlug(ctx context.Context, title string) string {
	out, err := c.complete(ctx, "Return only a short kebab-case slug (max 6 words, no punctuation besides hyphens) summarizing the following task title. No explanation.", title, 32)
	if err != nil || out == "" {
		return fallbackSlug(title)
	}
	return fallbackSlug(out)
}

// GeneratePRTitle proposes a human-readable PR title from the task title.
func (c *Client) GeneratePRTitle(ctx context.Context, title string) string {
	out, err := c.complete(ctx, "Rewrite the following as a concise, imperative-mood pull request title under 72 characters. Return only the title.", title, 64)
	if err != nil || out == "" {
		return title
	}
	return strings.TrimSpace(strings.Split(out, "\n")[0])
}

// GeneratePRBody drafts a PR description from the task title and a diff summary.
func (c *Client) GeneratePRBody(ctx context.Context, title, diffSummary string) string {
	prompt := fmt.Sprintf("Task: %s\n\nChanges:\n%s\n\nWrite a short pull request description (2-4 sentences) summarizing the change and why it was made. Return only the description.", title, diffSummary)
	out, err := c.complete(ctx, "You write terse, factual pull request descriptions.", prompt, 256)
	if err != nil || out == "" {
		return fmt.Sprintf("Automated change for: %s", title)
	}
	return out
}

// GenerateTaskSummary produces a short log-friendly summary of a task's outcome.
func (c *Client) GenerateTaskSummary(ctx context.Context, title, outcome string) string {
	prompt := fmt.Sprintf("Task: %s\nOutcome: %s\n\nSummarize this in one sentence.", title, outcome)
	out, err := c.complete(ctx, "You write one-sentence status summaries.", prompt, 64)
	if err != nil || out == "" {
		return fmt.Sprintf("%s: %s", title, outcome)
	}
	return out
}

// GenerateCommitMessage drafts a commit message for a task, with the
// configured commit suffix appended by the caller (§7 commitSuffix).
func (c *Client) GenerateCommitMessage(ctx context.Context, title string) string {
	out, err := c.complete(ctx, "Write a single-line git commit message (imperative mood, under 72 characters, no trailing period) for the following task. Return only the commit message.", title, 48)
	if err != nil || out == "" {
		return title
	}
	return strings.TrimSpace(strings.Split(out, "\n")[0])
}
