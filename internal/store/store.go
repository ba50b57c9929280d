// Package store defines the Store port the engine consumes: an opaque,
// transactional repository of typed records (§6). The real
// implementation (SQL, embedded KV, etc.) lives outside this repo's
// scope (§1 Out of scope); this package only defines the contract plus
// an in-memory reference implementation used by engine tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duckling-run/duckling/internal/task"
)

// TaskLogQuery filters a task_logs read (§6).
type TaskLogQuery struct {
	Level   task.LogLevel // zero value: no filter
	AfterID int64
	Limit   int
	Offset  int
}

// Store is the durable repository the engine mutates and reads. Every
// method call is one transaction; TxUpdateTask additionally guarantees
// the read-modify-write of a single task row is atomic.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) (int64, error)
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	// TxUpdateTask reads the current row, applies fn, and persists the
	// result atomically; fn may mutate t in place. Used by every engine
	// state transition (§4.11.1) so status+stage are written together.
	TxUpdateTask(ctx context.Context, id int64, fn func(t *task.Task) error) (*task.Task, error)
	TasksByStatus(ctx context.Context, s task.Status) ([]*task.Task, error)

	AppendTaskLog(ctx context.Context, l *task.TaskLog) (int64, error)
	TaskLogs(ctx context.Context, taskID int64, q TaskLogQuery) ([]*task.TaskLog, error)

	GetRepository(ctx context.Context, path string) (*task.Repository, error)
	PutRepository(ctx context.Context, r *task.Repository) error
	ListRepositories(ctx context.Context) ([]*task.Repository, error)

	PrecommitChecks(ctx context.Context) ([]*task.PrecommitCheck, error)
	PutPrecommitCheck(ctx context.Context, c *task.PrecommitCheck) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Memory is an in-memory Store, used by engine and component tests and
// by cmd/duckling-engine's buildEngine. It is not a durable store (§1
// Out of scope names the real store as an opaque external
// collaborator): nothing it holds outlives the process.
type Memory struct {
	mu sync.Mutex

	nextTaskID int64
	nextLogID  int64
	tasks      map[int64]*task.Task
	logs       map[int64][]*task.TaskLog
	repos      map[string]*task.Repository
	checks     []*task.PrecommitCheck
	settings   map[string]string
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[int64]*task.Task),
		logs:     make(map[int64][]*task.TaskLog),
		repos:    make(map[string]*task.Repository),
		settings: make(map[string]string),
	}
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func (m *Memory) CreateTask(_ context.Context, t *task.Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	t.ID = m.nextTaskID
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return t.ID, nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) TxUpdateTask(_ context.Context, id int64, fn func(t *task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	working := cloneTask(t)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	m.tasks[id] = cloneTask(working)
	return cloneTask(working), nil
}

func (m *Memory) TasksByStatus(_ context.Context, s task.Status) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == s {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendTaskLog(_ context.Context, l *task.TaskLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	l.ID = m.nextLogID
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	cp := *l
	m.logs[l.TaskID] = append(m.logs[l.TaskID], &cp)
	return l.ID, nil
}

func (m *Memory) TaskLogs(_ context.Context, taskID int64, q TaskLogQuery) ([]*task.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.TaskLog
	for _, l := range m.logs[taskID] {
		if l.ID <= q.AfterID {
			continue
		}
		if q.Level != "" && l.Level != q.Level {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	} else if q.Offset >= len(out) {
		out = nil
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) GetRepository(_ context.Context, path string) (*task.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[path]
	if !ok {
		return nil, fmt.Errorf("repository %q: %w", path, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) PutRepository(_ context.Context, r *task.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.repos[r.Path] = &cp
	return nil
}

func (m *Memory) ListRepositories(_ context.Context) ([]*task.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Repository, 0, len(m.repos))
	for _, r := range m.repos {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) PrecommitChecks(_ context.Context) ([]*task.PrecommitCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.PrecommitCheck, len(m.checks))
	copy(out, m.checks)
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutPrecommitCheck(_ context.Context, c *task.PrecommitCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = int64(len(m.checks)) + 1
	}
	cp := *c
	m.checks = append(m.checks, &cp)
	return nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
