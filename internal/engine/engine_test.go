package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v58/github"
	"github.com/stretchr/testify/require"

	"github.com/duckling-run/duckling/internal/assistant"
	"github.com/duckling-run/duckling/internal/eventbus"
	"github.com/duckling-run/duckling/internal/executor"
	"github.com/duckling-run/duckling/internal/hostedvcs"
	"github.com/duckling-run/duckling/internal/llmutil"
	"github.com/duckling-run/duckling/internal/precommit"
	"github.com/duckling-run/duckling/internal/registry"
	"github.com/duckling-run/duckling/internal/settings"
	"github.com/duckling-run/duckling/internal/store"
	"github.com/duckling-run/duckling/internal/task"
	"github.com/duckling-run/duckling/internal/tasklog"
	"github.com/duckling-run/duckling/internal/vcs"
)

// writingExecutor is a fake assistant.Executor that drops a file into
// the working directory, simulating a coding tool that made a change.
type writingExecutor struct {
	name     string
	fileName string
}

func (w *writingExecutor) Name() string { return w.name }
func (w *writingExecutor) Execute(ctx context.Context, req assistant.Request) (*assistant.Result, error) {
	if w.fileName != "" {
		_ = os.WriteFile(filepath.Join(req.WorkingDir, w.fileName), []byte("change\n"), 0o644)
	}
	return &assistant.Result{Output: "ok", ExitCode: 0}, nil
}

// noopExecutor simulates a coding tool that makes no changes.
type noopExecutor struct{ name string }

func (n *noopExecutor) Name() string { return n.name }
func (n *noopExecutor) Execute(ctx context.Context, req assistant.Request) (*assistant.Result, error) {
	return &assistant.Result{Output: "nothing to do", ExitCode: 0}, nil
}

// localRemote creates a bare repo acting as "origin" and a working
// clone of it, wired with one commit on the default branch so
// CheckoutBase/FetchAll/Push all operate against a real local git
// remote rather than the network.
func localRemote(t *testing.T) (workDir string) {
	t.Helper()
	bareDir := t.TempDir()
	_, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)

	seedDir := t.TempDir()
	r, err := git.PlainInit(seedDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hello"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{Author: testSignature()})
	require.NoError(t, err)
	_, err = r.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bareDir}})
	require.NoError(t, err)
	require.NoError(t, r.Push(&git.PushOptions{RemoteName: "origin"}))

	workDir = t.TempDir()
	_, err = git.PlainClone(workDir, false, &git.CloneOptions{URL: bareDir})
	require.NoError(t, err)
	return workDir
}

func testSignature() *object.Signature {
	return &object.Signature{Name: "tester", Email: "tester@localhost", When: time.Now()}
}

// headHash returns the current HEAD commit hash of the repo at dir,
// used to detect a new commit landing without relying on git's
// second-resolution commit timestamps.
func headHash(t *testing.T, dir string) string {
	t.Helper()
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	ref, err := r.Head()
	require.NoError(t, err)
	return ref.Hash().String()
}

func newTestEngine(t *testing.T, ghMux *http.ServeMux, assistantExec assistant.Executor) (*Engine, store.Store, string) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New(s)
	set := settings.New(s)
	tl := tasklog.New(s)
	bus := eventbus.New()
	exec := executor.New(4, executor.NopObserver{})
	pc := precommit.NewRunner()
	bridge := assistant.NewBridge(3)
	bridge.Register(assistantExec)

	server := httptest.NewServer(ghMux)
	t.Cleanup(server.Close)
	hv, err := hostedvcs.NewEnterprise(context.Background(), "test-token", server.URL+"/")
	require.NoError(t, err)

	workDir := localRemote(t)
	require.NoError(t, reg.Register(context.Background(), workDir, "acme", "widgets"))

	e := New(Dependencies{
		Store:     s,
		Settings:  set,
		Registry:  reg,
		OpenVCS:   func(path string) *vcs.Driver { return vcs.Open(path) },
		HostedVCS: hv,
		Assistant: bridge,
		LLM:       llmutil.New("", 3),
		Precommit: pc,
		Executor:  exec,
		Bus:       bus,
		TaskLog:   tl,
	})
	return e, s, workDir
}

func TestEngine_CreateTask_RequiresRegisteredRepository(t *testing.T) {
	e, _, _ := newTestEngine(t, http.NewServeMux(), &noopExecutor{name: "amp"})
	_, err := e.CreateTask(context.Background(), "title", "desc", task.CodingToolAmp, "/not/registered")
	require.Error(t, err)
}

func TestEngine_CreateTask_PublishesEvent(t *testing.T) {
	e, _, workDir := newTestEngine(t, http.NewServeMux(), &noopExecutor{name: "amp"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.Subscribe(ctx)

	id, err := e.CreateTask(ctx, "title", "fix the thing", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	require.NotZero(t, id)

	select {
	case evt := <-ch:
		require.Equal(t, id, evt.TaskID)
		require.Equal(t, task.StatusPending, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEngine_PendingPipeline_HappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]*github.PullRequest{})
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(&github.PullRequest{
				Number:  github.Int(7),
				HTMLURL: github.String("https://example.test/pr/7"),
				State:   github.String("open"),
			})
		}
	})

	e, s, workDir := newTestEngine(t, mux, &writingExecutor{name: "amp", fileName: "change.txt"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)

	require.NoError(t, e.runPipeline(ctx, id))

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusAwaitingReview, final.Status)
	require.Equal(t, 7, final.PRNumber)
	require.NotEmpty(t, final.BranchName)
}

func TestEngine_PendingPipeline_NothingStagedFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})

	e, s, workDir := newTestEngine(t, mux, &noopExecutor{name: "amp"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)

	require.Error(t, e.runPipeline(ctx, id))

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
}

func TestEngine_ReviewIngestion_MergedCompletesTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.PullRequest{
			Number: github.Int(7),
			Merged: github.Bool(true),
			State:  github.String("closed"),
		})
	})

	e, s, workDir := newTestEngine(t, mux, &noopExecutor{name: "amp"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	_, err = s.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusAwaitingReview
		t.PRNumber = 7
		t.BranchName = "duckling-fix-bug"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.ingestReviews(ctx, id))

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
}

func TestEngine_ReviewIngestion_ClosedUnmergedCancelsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.PullRequest{
			Number: github.Int(7),
			Merged: github.Bool(false),
			State:  github.String("closed"),
		})
	})

	e, s, workDir := newTestEngine(t, mux, &noopExecutor{name: "amp"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	_, err = s.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusAwaitingReview
		t.PRNumber = 7
		t.BranchName = "duckling-fix-bug"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.ingestReviews(ctx, id))

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, final.Status)
}

func TestEngine_CancelTask_NoopWhenAlreadyTerminal(t *testing.T) {
	e, s, workDir := newTestEngine(t, http.NewServeMux(), &noopExecutor{name: "amp"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "t", "d", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	require.NoError(t, e.MarkComplete(ctx, id))

	before, err := s.GetTask(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.CancelTask(ctx, id))

	after, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.CompletedAt, after.CompletedAt)
}

func TestEngine_RetryTask_RequiresFailedStatus(t *testing.T) {
	e, _, workDir := newTestEngine(t, http.NewServeMux(), &noopExecutor{name: "amp"})
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "t", "d", task.CodingToolAmp, workDir)
	require.NoError(t, err)

	require.Error(t, e.RetryTask(ctx, id))
}

// TestEngine_CreateBranch_ResolvesNameCollision exercises §8 scenario 2:
// a branch named after the slug already exists locally, so createBranch
// must fall back to a "-1" suffixed candidate rather than reusing it.
func TestEngine_CreateBranch_ResolvesNameCollision(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})

	e, s, workDir := newTestEngine(t, mux, &noopExecutor{name: "amp"})
	ctx := context.Background()

	v := vcs.Open(workDir)
	require.NoError(t, v.CreateBranch(ctx, "duckling-bug"))

	id, err := e.CreateTask(ctx, "fix bug", "bug", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	tk, err := s.GetTask(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.createBranch(ctx, tk, "acme", "widgets"))

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "duckling-bug-1", final.BranchName)
}

// stagedExecutor simulates a coding tool whose first invocation makes an
// unrelated change and whose second invocation (the pre-commit fix
// round) writes the file a configured check requires, so
// runPrecommitWithFixes's two-round policy can be observed end to end.
type stagedExecutor struct {
	name  string
	calls int
}

func (s *stagedExecutor) Name() string { return s.name }
func (s *stagedExecutor) Execute(ctx context.Context, req assistant.Request) (*assistant.Result, error) {
	s.calls++
	fileName := "change.txt"
	if s.calls > 1 {
		fileName = "marker.txt"
	}
	_ = os.WriteFile(filepath.Join(req.WorkingDir, fileName), []byte("ok\n"), 0o644)
	return &assistant.Result{Output: "ok", ExitCode: 0}, nil
}

// TestEngine_PrecommitFixRound_RunsEveryCheckOnBothRounds exercises §8
// scenario 3: a first-round pre-commit failure triggers a fix-round
// assistant invocation, and the second round re-runs every configured
// check (not just the one that failed first).
func TestEngine_PrecommitFixRound_RunsEveryCheckOnBothRounds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]*github.PullRequest{})
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(&github.PullRequest{
				Number:  github.Int(9),
				HTMLURL: github.String("https://example.test/pr/9"),
				State:   github.String("open"),
			})
		}
	})

	staged := &stagedExecutor{name: "amp"}
	e, s, workDir := newTestEngine(t, mux, staged)
	ctx := context.Background()

	require.NoError(t, s.PutPrecommitCheck(ctx, &task.PrecommitCheck{
		Name: "marker exists", Command: "test -f marker.txt", OrderIndex: 0,
	}))

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)

	require.NoError(t, e.runPipeline(ctx, id))

	require.Equal(t, 2, staged.calls, "expected one code-gen call and one fix-round call")
	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusAwaitingReview, final.Status)
}

// multiWriteExecutor writes distinct content to fileName on every
// invocation, so successive runs each produce a new diff against the
// branch's last commit.
type multiWriteExecutor struct {
	name     string
	fileName string
	calls    int
}

func (w *multiWriteExecutor) Name() string { return w.name }
func (w *multiWriteExecutor) Execute(ctx context.Context, req assistant.Request) (*assistant.Result, error) {
	w.calls++
	_ = os.WriteFile(filepath.Join(req.WorkingDir, w.fileName), []byte(fmt.Sprintf("change %d\n", w.calls)), 0o644)
	return &assistant.Result{Output: "ok", ExitCode: 0}, nil
}

// TestEngine_ReviewFeedback_PushesFollowUpCommit exercises §8 scenario
// 4: a qualifying review submitted after the PR's last push drives
// applyReviewFeedback, which must produce and push a new commit on the
// existing branch.
func TestEngine_ReviewFeedback_PushesFollowUpCommit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]*github.PullRequest{})
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(&github.PullRequest{
				Number:  github.Int(11),
				HTMLURL: github.String("https://example.test/pr/11"),
				State:   github.String("open"),
			})
		}
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/11", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.PullRequest{
			Number: github.Int(11),
			Merged: github.Bool(false),
			State:  github.String("open"),
		})
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/11/reviews", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]*github.PullRequestReview{
			{
				ID:          github.Int64(1),
				User:        &github.User{Login: github.String("reviewer")},
				State:       github.String("CHANGES_REQUESTED"),
				Body:        github.String("please handle the edge case"),
				SubmittedAt: &github.Timestamp{Time: time.Now().UTC().Add(time.Hour)},
			},
		})
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/11/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]*github.PullRequestComment{})
	})

	writer := &multiWriteExecutor{name: "amp", fileName: "change.txt"}
	e, s, workDir := newTestEngine(t, mux, writer)
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	require.NoError(t, e.runPipeline(ctx, id))

	afterPipeline, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusAwaitingReview, afterPipeline.Status)
	require.Equal(t, 1, writer.calls)

	beforeHead := headHash(t, workDir)

	require.NoError(t, e.ingestReviews(ctx, id))

	require.Equal(t, 2, writer.calls, "expected a follow-up assistant invocation for the review feedback")
	require.NotEqual(t, beforeHead, headHash(t, workDir), "expected a new commit pushed for the review follow-up")

	final, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusAwaitingReview, final.Status)
}
