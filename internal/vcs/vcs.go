// Package vcs is the local VCS driver (C5): branch, commit, push and
// inspect a git worktree via go-git, rather than shelling out to the
// git binary. Owner/repo are resolved from the remote URL on every
// call rather than cached, since a repository's remote can change
// between pipeline runs.
package vcs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Driver operates on a single clone checked out at a local path.
type Driver struct {
	path       string
	auth       *http.BasicAuth
	authorName string
	authorMail string
}

// Option configures a Driver.
type Option func(*Driver)

// WithAuth sets HTTP basic-auth credentials used for fetch/push
// (GitHub accepts any non-empty username with a PAT as the password).
func WithAuth(username, token string) Option {
	return func(d *Driver) {
		if token != "" {
			d.auth = &http.BasicAuth{Username: username, Password: token}
		}
	}
}

// WithIdentity sets the name/email recorded on commits this driver makes.
func WithIdentity(name, email string) Option {
	return func(d *Driver) {
		d.authorName = name
		d.authorMail = email
	}
}

// Open opens an existing clone at path.
func Open(path string, opts ...Option) *Driver {
	d := &Driver{path: path, authorName: "duckling", authorMail: "duckling@localhost"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Clone clones url into path, returning a Driver over the new clone.
func Clone(ctx context.Context, url, path string, opts ...Option) (*Driver, error) {
	d := &Driver{path: path, authorName: "duckling", authorMail: "duckling@localhost"}
	for _, opt := range opts {
		opt(d)
	}
	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:  url,
		Auth: d.auth,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return d, nil
}

func (d *Driver) repo() (*git.Repository, error) {
	r, err := git.PlainOpen(d.path)
	if err != nil {
		return nil, fmt.Errorf("open repo at %s: %w", d.path, err)
	}
	return r, nil
}

func (d *Driver) worktree() (*git.Repository, *git.Worktree, error) {
	r, err := d.repo()
	if err != nil {
		return nil, nil, err
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("worktree: %w", err)
	}
	return r, wt, nil
}

// FetchAll fetches all refs from origin.
func (d *Driver) FetchAll(ctx context.Context) error {
	r, err := d.repo()
	if err != nil {
		return err
	}
	err = r.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Auth: d.auth})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// CheckoutBase fetches origin, points the local branch base at
// origin/base, checks that branch out with a hard reset, and cleans
// untracked files.
func (d *Driver) CheckoutBase(ctx context.Context, base string) error {
	if err := d.FetchAll(ctx); err != nil {
		return err
	}
	r, wt, err := d.worktree()
	if err != nil {
		return err
	}
	remoteRef := plumbing.NewRemoteReferenceName("origin", base)
	ref, err := r.Reference(remoteRef, true)
	if err != nil {
		return fmt.Errorf("resolve origin/%s: %w", base, err)
	}
	branchRef := plumbing.NewBranchReferenceName(base)
	if err := r.Storer.SetReference(plumbing.NewHashReference(branchRef, ref.Hash())); err != nil {
		return fmt.Errorf("reset branch %s: %w", base, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", base, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// CreateBranch creates and checks out a new branch from the current HEAD.
func (d *Driver) CreateBranch(_ context.Context, name string) error {
	r, wt, err := d.worktree()
	if err != nil {
		return err
	}
	head, err := r.Head()
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(name)
	if err := r.Storer.SetReference(plumbing.NewHashReference(branchRef, head.Hash())); err != nil {
		return fmt.Errorf("create branch ref %s: %w", name, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", name, err)
	}
	return nil
}

// BranchExists reports whether a local branch by that name exists.
func (d *Driver) BranchExists(_ context.Context, name string) (bool, error) {
	r, err := d.repo()
	if err != nil {
		return false, err
	}
	_, err = r.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status reports whether the worktree has uncommitted changes.
func (d *Driver) Status(_ context.Context) (git.Status, error) {
	_, wt, err := d.worktree()
	if err != nil {
		return nil, err
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// AddAll stages every change in the worktree.
func (d *Driver) AddAll(_ context.Context) error {
	_, wt, err := d.worktree()
	if err != nil {
		return err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("add all: %w", err)
	}
	return nil
}

// Commit creates a commit with the given message, using the driver's
// configured identity.
func (d *Driver) Commit(_ context.Context, message string) (string, error) {
	_, wt, err := d.worktree()
	if err != nil {
		return "", err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  d.authorName,
			Email: d.authorMail,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Push pushes branch to origin.
func (d *Driver) Push(ctx context.Context, branch string) error {
	r, err := d.repo()
	if err != nil {
		return err
	}
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = r.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       d.auth,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// LastCommitTimestamp returns the committer timestamp of HEAD, used to
// detect whether review feedback predates or postdates the latest push.
func (d *Driver) LastCommitTimestamp(_ context.Context) (time.Time, error) {
	r, err := d.repo()
	if err != nil {
		return time.Time{}, err
	}
	head, err := r.Head()
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := r.CommitObject(head.Hash())
	if err != nil {
		return time.Time{}, fmt.Errorf("commit object: %w", err)
	}
	return commit.Committer.When, nil
}

// Diff returns a per-file summary of the worktree's status against HEAD,
// one "path: staging=X worktree=Y" line per changed file; it is not a
// unified diff. The engine passes it to the PR body generator.
func (d *Driver) Diff(_ context.Context) (string, error) {
	_, wt, err := d.worktree()
	if err != nil {
		return "", err
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	var sb strings.Builder
	for path, s := range st {
		sb.WriteString(fmt.Sprintf("%s: staging=%c worktree=%c\n", path, s.Staging, s.Worktree))
	}
	return sb.String(), nil
}

var remoteURLPattern = regexp.MustCompile(`[:/]([^/:]+)/([^/]+?)(?:\.git)?$`)

// OwnerRepo resolves the (owner, name) pair from origin's URL. It is
// recomputed on every call instead of cached: the remote can be
// repointed between pipeline runs without this driver being told.
func (d *Driver) OwnerRepo(_ context.Context) (owner, name string, err error) {
	r, err := d.repo()
	if err != nil {
		return "", "", err
	}
	remote, err := r.Remote("origin")
	if err != nil {
		return "", "", fmt.Errorf("remote origin: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("origin has no URL")
	}
	m := remoteURLPattern.FindStringSubmatch(urls[0])
	if m == nil {
		return "", "", fmt.Errorf("cannot parse owner/repo from remote %q", urls[0])
	}
	return m[1], m[2], nil
}
