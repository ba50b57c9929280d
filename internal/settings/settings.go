// Package settings is the typed settings store (C1): read/write access
// over Setting rows with the engine's built-in defaults (§7), so a
// freshly initialized store behaves correctly before an operator has
// configured anything.
package settings

import (
	"context"
	"strconv"

	"github.com/duckling-run/duckling/internal/store"
)

const (
	KeyBranchPrefix      = "branchPrefix"
	KeyPRTitlePrefix     = "prTitlePrefix"
	KeyCommitSuffix      = "commitSuffix"
	KeyMaxRetries        = "maxRetries"
	KeyBaseBranch        = "baseBranch"
	KeyDefaultCodingTool = "defaultCodingTool"
	KeyGithubToken       = "githubToken"
	KeyGithubUsername    = "githubUsername"
	KeyAmpAPIKey         = "ampApiKey"
	KeyOpenAIAPIKey      = "openaiApiKey"
)

// defaults mirrors §7's configuration table. Keys with no sensible
// default (credentials) are absent and resolve to "".
var defaults = map[string]string{
	KeyBranchPrefix:      "duckling-",
	KeyPRTitlePrefix:     "[DUCKLING]",
	KeyCommitSuffix:      " [quack]",
	KeyMaxRetries:        "3",
	KeyBaseBranch:        "main",
	KeyDefaultCodingTool: "amp",
}

// Settings reads and writes engine configuration through a Store,
// falling back to built-in defaults for unset keys.
type Settings struct {
	store store.Store
}

// New builds a Settings over s.
func New(s store.Store) *Settings {
	return &Settings{store: s}
}

// Get returns the configured value for key, or its default if unset.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	v, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return v, nil
	}
	return defaults[key], nil
}

// Set writes key=value, overriding any default.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	return s.store.PutSetting(ctx, key, value)
}

// MaxRetries returns the configured retry budget as an int, falling
// back to the default of 3 on a malformed value.
func (s *Settings) MaxRetries(ctx context.Context) (int, error) {
	v, err := s.Get(ctx, KeyMaxRetries)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 3, nil
	}
	return n, nil
}

// BranchPrefix returns the configured branch-name prefix (§7).
func (s *Settings) BranchPrefix(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyBranchPrefix)
}

// PRTitlePrefix returns the configured PR title prefix (§7).
func (s *Settings) PRTitlePrefix(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyPRTitlePrefix)
}

// CommitSuffix returns the configured commit-message suffix (§7).
func (s *Settings) CommitSuffix(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyCommitSuffix)
}

// BaseBranch returns the configured default base branch (§7).
func (s *Settings) BaseBranch(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyBaseBranch)
}

// DefaultCodingTool returns the configured default coding tool (§7).
func (s *Settings) DefaultCodingTool(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyDefaultCodingTool)
}
