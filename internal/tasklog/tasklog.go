// Package tasklog wraps a pipeline step with start/success/failure log
// lines (C13), appending each to the Store's per-task log so a task's
// full history can be replayed from task_logs alone.
package tasklog

import (
	"context"
	"fmt"

	"github.com/duckling-run/duckling/internal/store"
	"github.com/duckling-run/duckling/internal/task"
)

// Logger appends TaskLog rows for one task.
type Logger struct {
	store store.Store
}

// New builds a Logger over store.
func New(s store.Store) *Logger {
	return &Logger{store: s}
}

// Around runs fn, logging a start line before it, a success line with
// the given outcome message on nil error, and an error line with fn's
// error otherwise. fn's error is returned unchanged so callers can
// still branch on it.
func (l *Logger) Around(ctx context.Context, taskID int64, startMessage, successMessage string, fn func(ctx context.Context) error) error {
	l.append(ctx, taskID, task.LogInfo, startMessage)
	err := fn(ctx)
	if err != nil {
		l.append(ctx, taskID, task.LogError, fmt.Sprintf("%s: %v", startMessage, err))
		return err
	}
	l.append(ctx, taskID, task.LogInfo, successMessage)
	return nil
}

// Info appends a plain info-level line, for steps with no fn to wrap.
func (l *Logger) Info(ctx context.Context, taskID int64, message string) {
	l.append(ctx, taskID, task.LogInfo, message)
}

// Warn appends a warn-level line.
func (l *Logger) Warn(ctx context.Context, taskID int64, message string) {
	l.append(ctx, taskID, task.LogWarn, message)
}

func (l *Logger) append(ctx context.Context, taskID int64, level task.LogLevel, message string) {
	_, _ = l.store.AppendTaskLog(ctx, &task.TaskLog{
		TaskID:  taskID,
		Level:   level,
		Message: message,
	})
}
