package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-github/v58/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/duckling-run/duckling/internal/task"
)

func TestMetrics_PipelineRunRecordsSuccess(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := MustNewMetrics(registry)

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

	e, _, workDir := newTestEngine(t, mux, &writingExecutor{name: "amp", fileName: "change.txt"})
	e.metrics = metrics
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	require.NoError(t, e.runPipeline(ctx, id))

	count, err := testutil.GatherAndCount(registry, "duckling_engine_pipeline_run_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMetrics_PipelineRunRecordsFailureByStage(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := MustNewMetrics(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&github.Repository{DefaultBranch: github.String("master")})
	})

	e, _, workDir := newTestEngine(t, mux, &noopExecutor{name: "amp"})
	e.metrics = metrics
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "fix bug", "fix the bug in the widget", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	require.Error(t, e.runPipeline(ctx, id))

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.pipelineFailures.WithLabelValues(string(task.StageCommittingChanges))))
}

func TestMetrics_TickRecordsAwaitingReviewGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := MustNewMetrics(registry)

	e, s, workDir := newTestEngine(t, http.NewServeMux(), &noopExecutor{name: "amp"})
	e.metrics = metrics
	ctx := context.Background()

	id, err := e.CreateTask(ctx, "t", "d", task.CodingToolAmp, workDir)
	require.NoError(t, err)
	_, err = s.TxUpdateTask(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusAwaitingReview
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.reviewPhase(ctx))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.tasksAwaitingReview))
}
