package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/duckling-run/duckling/internal/assistant"
	"github.com/duckling-run/duckling/internal/engine"
	"github.com/duckling-run/duckling/internal/eventbus"
	"github.com/duckling-run/duckling/internal/executor"
	"github.com/duckling-run/duckling/internal/hostedvcs"
	"github.com/duckling-run/duckling/internal/llmutil"
	"github.com/duckling-run/duckling/internal/logx"
	"github.com/duckling-run/duckling/internal/precommit"
	"github.com/duckling-run/duckling/internal/registry"
	"github.com/duckling-run/duckling/internal/settings"
	"github.com/duckling-run/duckling/internal/store"
	"github.com/duckling-run/duckling/internal/tasklog"
	"github.com/duckling-run/duckling/internal/vcs"
)

// buildEngine wires every collaborator from process configuration and
// returns a ready-to-start Engine. The backing Store is out of this
// repo's scope (§1): Memory stands in here until a durable
// implementation of store.Store is supplied at this call site.
func buildEngine(ctx context.Context, tickInterval time.Duration) (*engine.Engine, store.Store, error) {
	level := parseLevel(viper.GetString("log-level"))
	logx.SetLevel(level)

	s := store.NewMemory()
	set := settings.New(s)
	reg := registry.New(s)
	tl := tasklog.New(s)
	bus := eventbus.New()
	exec := executor.New(64, executor.NopObserver{})
	pc := precommit.NewRunner()

	if err := seedCredentials(ctx, set); err != nil {
		return nil, nil, err
	}
	githubToken, err := set.Get(ctx, settings.KeyGithubToken)
	if err != nil {
		return nil, nil, err
	}
	githubUsername, err := set.Get(ctx, settings.KeyGithubUsername)
	if err != nil {
		return nil, nil, err
	}
	ampKey, err := set.Get(ctx, settings.KeyAmpAPIKey)
	if err != nil {
		return nil, nil, err
	}
	openaiKey, err := set.Get(ctx, settings.KeyOpenAIAPIKey)
	if err != nil {
		return nil, nil, err
	}
	maxRetries, err := set.MaxRetries(ctx)
	if err != nil {
		return nil, nil, err
	}

	bridge := assistant.NewBridge(maxRetries)
	bridge.Register(assistant.NewAmpExecutor(ampKey))
	bridge.Register(assistant.NewOpenAIExecutor(openaiKey))

	hv := hostedvcs.New(ctx, githubToken)
	llm := llmutil.New(viper.GetString("anthropic-api-key"), maxRetries)

	openVCS := func(repositoryPath string) *vcs.Driver {
		return vcs.Open(repositoryPath,
			vcs.WithAuth(githubUsername, githubToken),
			vcs.WithIdentity("duckling", "duckling@users.noreply.github.com"),
		)
	}

	e := engine.New(engine.Dependencies{
		Store:        s,
		Settings:     set,
		Registry:     reg,
		OpenVCS:      openVCS,
		HostedVCS:    hv,
		Assistant:    bridge,
		LLM:          llm,
		Precommit:    pc,
		Executor:     exec,
		Bus:          bus,
		TaskLog:      tl,
		Metrics:      engine.MustNewMetrics(prometheus.DefaultRegisterer),
		TickInterval: tickInterval,
	})
	return e, s, nil
}

// seedCredentials copies credential-shaped environment variables into
// the settings store on first run, so an operator can configure
// duckling purely through env vars (DUCKLING_GITHUB_TOKEN, etc.)
// without a separate "settings set" step.
func seedCredentials(ctx context.Context, set *settings.Settings) error {
	pairs := map[string]string{
		settings.KeyGithubToken:    viper.GetString("github-token"),
		settings.KeyGithubUsername: viper.GetString("github-username"),
		settings.KeyAmpAPIKey:      viper.GetString("amp-api-key"),
		settings.KeyOpenAIAPIKey:   viper.GetString("openai-api-key"),
	}
	for key, value := range pairs {
		if value == "" {
			continue
		}
		if err := set.Set(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting %q: %w", key, err)
		}
	}
	return nil
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
