// Package task defines the core data model: Task, TaskLog, Repository,
// PrecommitCheck, Setting, and the transient TaskUpdateEvent (§3).
package task

import "time"

// Status is a Task's lifecycle state (§4.11.1).
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in-progress"
	StatusAwaitingReview Status = "awaiting-review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is one of the sticky terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stage is the informational pipeline-position label (§4.11.1).
type Stage string

const (
	StageCreatingBranch         Stage = "creating_branch"
	StageGeneratingCode         Stage = "generating_code"
	StageRunningPrecommitChecks Stage = "running_precommit_checks"
	StageCommittingChanges      Stage = "committing_changes"
	StageCreatingPR             Stage = "creating_pr"
	StageAwaitingReview         Stage = "awaiting_review"
	StageCompleted              Stage = "completed"
	StageCancelled              Stage = "cancelled"
	StageFailed                 Stage = "failed"
)

// CodingTool names an external coding assistant (§3).
type CodingTool string

const (
	CodingToolAmp    CodingTool = "amp"
	CodingToolOpenAI CodingTool = "openai"
)

// Task is the primary entity carried from submission to PR close (§3).
type Task struct {
	ID              int64
	Title           string
	Description     string
	Summary         string
	Status          Status
	CodingTool      CodingTool
	RepositoryPath  string
	CurrentStage    Stage
	BranchName      string
	PRNumber        int
	PRURL           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// HasPR reports whether the task has an associated pull request.
func (t *Task) HasPR() bool {
	return t.PRNumber != 0 && t.PRURL != ""
}

// LogLevel classifies a TaskLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// TaskLog is an append-only per-task log line (§3). Ids are monotonic
// and ordered by (TaskID, ID); entries are never mutated.
type TaskLog struct {
	ID        int64
	TaskID    int64
	Level     LogLevel
	Message   string
	Timestamp time.Time
}

// Repository is a registered working copy (§3).
type Repository struct {
	Path  string // absolute, unique — serves as identity
	Name  string
	Owner string
}

// PrecommitCheck is one entry in the ordered pre-commit check list (§3).
type PrecommitCheck struct {
	ID         int64
	Name       string
	Command    string
	OrderIndex int
	Timeout    time.Duration
}

// Setting is a single key/value row in the engine's settings store (§3).
type Setting struct {
	Key   string
	Value string
}

// UpdateEvent is the transient, closed-variant event emitted on every
// status transition the engine performs (§3, §9 design note: no open
// free-form metadata map).
type UpdateEvent struct {
	TaskID int64
	Status Status
	Task   Task // snapshot of the full row at emission time
}
