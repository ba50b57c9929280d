// Package registry is the repository registry (C14): it maps a local
// working-copy path to the (owner, name) pair that identifies it on
// the hosted VCS, backed by the Store's repository rows.
package registry

import (
	"context"
	"fmt"

	"github.com/duckling-run/duckling/internal/store"
	"github.com/duckling-run/duckling/internal/task"
)

// Registry resolves repository metadata by path.
type Registry struct {
	store store.Store
}

// New builds a Registry over store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register records path as owner/name, upserting any existing entry.
func (r *Registry) Register(ctx context.Context, path, owner, name string) error {
	return r.store.PutRepository(ctx, &task.Repository{Path: path, Owner: owner, Name: name})
}

// Resolve returns the owner/name pair registered for path.
func (r *Registry) Resolve(ctx context.Context, path string) (owner, name string, err error) {
	repo, err := r.store.GetRepository(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("resolve repository %q: %w", path, err)
	}
	return repo.Owner, repo.Name, nil
}

// List returns every registered repository.
func (r *Registry) List(ctx context.Context) ([]*task.Repository, error) {
	return r.store.ListRepositories(ctx)
}
