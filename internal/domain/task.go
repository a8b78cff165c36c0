package domain

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// TaskKind classifies the shape of a unit of work.
type TaskKind string

const (
	TaskKindFinite    TaskKind = "finite"
	TaskKindRecurring TaskKind = "recurring"
	TaskKindEvolving  TaskKind = "evolving"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is a per-session unit of work. A session has at most one
// ActiveTaskID at a time (Session.ActiveTaskID), enforced by the store.
type Task struct {
	ID                PublicID   `json:"id"`
	SessionID         PublicID   `json:"sessionID"`
	Kind              TaskKind   `json:"kind"`
	Status            TaskStatus `json:"status"`
	Deliverable       string     `json:"deliverable"`
	AcceptanceCriteria string    `json:"acceptanceCriteria"`
	// Schedule is a cron expression, populated only for Kind == Recurring.
	Schedule  *string `json:"schedule,omitempty"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// NextDue returns the next time this task is due to run, for
// Kind == TaskKindRecurring only. It generalizes the original
// TaskWatcher's fixed poll/idle loop (which only ever waited on one
// in-flight task) into a due-time check against an arbitrary cron
// schedule, so a recurring task can be re-armed after each completion
// instead of being watched once and discarded.
func (t *Task) NextDue(after time.Time) (time.Time, error) {
	if t.Kind != TaskKindRecurring {
		return time.Time{}, fmt.Errorf("task %s is not recurring", t.ID)
	}
	if t.Schedule == nil {
		return time.Time{}, fmt.Errorf("recurring task %s has no schedule", t.ID)
	}
	return gronx.NextTickAfter(*t.Schedule, after, false)
}

// IsDue reports whether now falls on a tick of a recurring task's cron
// schedule. UpdatedAt is not consulted.
func (t *Task) IsDue(now time.Time) bool {
	if t.Kind != TaskKindRecurring || t.Schedule == nil {
		return false
	}
	due, err := gronx.New().IsDue(*t.Schedule, now)
	if err != nil {
		return false
	}
	return due
}
