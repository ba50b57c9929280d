package precommit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckling-run/duckling/internal/task"
)

func TestRunAll_RunsEveryCheckPastAFailure(t *testing.T) {
	r := NewRunner()
	checks := []*task.PrecommitCheck{
		{Name: "lint", Command: "true", OrderIndex: 0},
		{Name: "test", Command: "false", OrderIndex: 1},
		{Name: "vet", Command: "exit 2", OrderIndex: 2},
	}
	results, err := r.RunAll(context.Background(), t.TempDir(), checks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.False(t, results[2].Passed)

	fail := FirstFailure(results)
	require.NotNil(t, fail)
	assert.Equal(t, "test", fail.Check.Name)
	assert.False(t, AllPassed(results))
}

func TestRunAll_AllPass(t *testing.T) {
	r := NewRunner()
	checks := []*task.PrecommitCheck{
		{Name: "lint", Command: "true", OrderIndex: 0},
	}
	results, err := r.RunAll(context.Background(), t.TempDir(), checks)
	require.NoError(t, err)
	assert.True(t, AllPassed(results))
}
