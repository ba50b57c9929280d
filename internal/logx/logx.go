// Package logx is the engine's structured process logger: a small
// Logger interface over log/slog, with a per-component constructor
// matching the teacher's logging.NewComponentLogger call-site shape
// (see internal/external/codex/executor.go in the teacher tree).
package logx

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is the minimal leveled-printf logging surface the engine
// depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type componentLogger struct {
	component string
	slog      *slog.Logger
}

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level slog.Level) {
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewComponentLogger returns a Logger tagging every line with component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, slog: base}
}

func (c *componentLogger) Debug(format string, args ...any) {
	c.slog.Debug(fmt.Sprintf(format, args...), "component", c.component)
}

func (c *componentLogger) Info(format string, args ...any) {
	c.slog.Info(fmt.Sprintf(format, args...), "component", c.component)
}

func (c *componentLogger) Warn(format string, args ...any) {
	c.slog.Warn(fmt.Sprintf(format, args...), "component", c.component)
}

func (c *componentLogger) Error(format string, args ...any) {
	c.slog.Error(fmt.Sprintf(format, args...), "component", c.component)
}

// Nop is a Logger that discards everything, used in tests that don't
// care about log output.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}
