package model

import (
	"testing"
	"time"
)

func TestMapRemoteStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"completed", StatusDone},
		{"COMPLETED", StatusDone},
		{"in_progress", StatusInProgress},
		{"archived", StatusArchived},
		{"todo", StatusTodo},
		{"blocked", StatusTodo},
		{"", StatusTodo},
	}
	for _, tt := range tests {
		if got := MapRemoteStatus(tt.in); got != tt.want {
			t.Errorf("MapRemoteStatus(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskIsOverdue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"no due date", Task{Status: StatusTodo}, false},
		{"past and open", Task{DueDate: &past, Status: StatusTodo}, true},
		{"past but done", Task{DueDate: &past, Status: StatusDone}, false},
		{"past but archived", Task{DueDate: &past, Status: StatusArchived}, false},
		{"future", Task{DueDate: &future, Status: StatusInProgress}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.IsOverdue(now); got != tt.want {
				t.Errorf("IsOverdue() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestTasklistMirrorDerivedFields(t *testing.T) {
	m := &TasklistMirror{
		GUID:    "d300a75f-c56a-4be9-80d1-e47653028ceb",
		Name:    "Roadmap",
		RawJSON: `{"creator":{"id":"ou_1","type":"user"},"members":[{"id":"a"},{"id":"b"}]}`,
	}
	if got := m.CreatorName(); got != "User (ou_1)" {
		t.Errorf("CreatorName() = %q", got)
	}
	if got := m.MemberCount(); got != 2 {
		t.Errorf("MemberCount() = %d; want 2", got)
	}
	if got := m.DisplayName(); got != "Roadmap (d300a75f...)" {
		t.Errorf("DisplayName() = %q", got)
	}

	empty := &TasklistMirror{Name: "x", RawJSON: "not json"}
	if empty.CreatorName() != "Unknown" || empty.MemberCount() != 0 {
		t.Errorf("expected Unknown/0 for malformed payload")
	}
}
