package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	started   []Job
	completed []Job
	errored   []Job
}

func (r *recordingObserver) OnStart(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, j)
}
func (r *recordingObserver) OnComplete(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, j)
}
func (r *recordingObserver) OnError(j Job, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored = append(r.errored, j)
}

func TestExecutor_RunsJobsInFIFOOrder(t *testing.T) {
	obs := &recordingObserver{}
	e := New(10, obs)
	e.Start(context.Background())
	defer e.Stop()

	var order []int
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		e.Submit(Job{TaskID: int64(i), Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			done <- struct{}{}
			return nil
		}})
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestExecutor_FailingJobDoesNotStopWorker(t *testing.T) {
	obs := &recordingObserver{}
	e := New(10, obs)
	e.Start(context.Background())
	defer e.Stop()

	done := make(chan struct{}, 2)
	e.Submit(Job{Run: func(ctx context.Context) error {
		done <- struct{}{}
		return errors.New("boom")
	}})
	e.Submit(Job{Run: func(ctx context.Context) error {
		done <- struct{}{}
		return nil
	}})
	<-done
	<-done

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.errored) == 1 && len(obs.completed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_PanicIsRecovered(t *testing.T) {
	obs := &recordingObserver{}
	e := New(10, obs)
	e.Start(context.Background())
	defer e.Stop()

	e.Submit(Job{Run: func(ctx context.Context) error {
		panic("kaboom")
	}})
	done := make(chan struct{})
	e.Submit(Job{Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not continue after panic")
	}
}
