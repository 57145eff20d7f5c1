package model

import (
	"strings"
	"time"
)

// Status is the local workflow status of a synced task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

// MapRemoteStatus converts a remote status string into a local Status.
// Anything not in the table is todo.
func MapRemoteStatus(remote string) Status {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "completed":
		return StatusDone
	case "in_progress":
		return StatusInProgress
	case "archived":
		return StatusArchived
	default:
		return StatusTodo
	}
}

// Closed reports whether the status no longer counts toward open work.
func (s Status) Closed() bool {
	return s == StatusDone || s == StatusArchived
}

// Task is a local task, optionally linked to a remote task.
type Task struct {
	ID          int64
	ProjectID   int64
	Sequence    string // e.g. "FIX-0003"
	Name        string
	Description string

	ExternalID   string
	ExternalGUID string
	ExternalEtag string

	DueDate    *time.Time
	Status     Status
	StageID    *int64
	AssigneeID *int64
	ParentID   *int64
	Active     bool

	RawJSON         string
	LastSyncAt      *time.Time
	RemoteUpdatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOverdue reports whether the task has a due date in the past and is still open.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && !t.Status.Closed()
}

// SameContent reports whether the synced fields of t and o are equal.
// Bookkeeping columns (ids, timestamps, raw payload) are ignored.
func (t *Task) SameContent(o *Task) bool {
	return t.ProjectID == o.ProjectID &&
		t.Name == o.Name &&
		t.Description == o.Description &&
		t.ExternalID == o.ExternalID &&
		t.ExternalGUID == o.ExternalGUID &&
		t.ExternalEtag == o.ExternalEtag &&
		t.Status == o.Status &&
		equalTime(t.DueDate, o.DueDate) &&
		equalID(t.StageID, o.StageID) &&
		equalID(t.AssigneeID, o.AssigneeID) &&
		equalID(t.ParentID, o.ParentID)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
