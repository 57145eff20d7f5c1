package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harrisonrobin/larksync/pkg/model"
	"google.golang.org/api/calendar/v3"
)

// TaskIDProperty is the private extended property holding the local task id.
const TaskIDProperty = "larksync_task_id"

const eventDuration = 30 * time.Minute

// Summary prefixes by task state.
const (
	prefixDone       = "✓"
	prefixInProgress = "‣"
	prefixOverdue    = "!"
)

// ConvertTask builds the calendar event for a task with a due date. The event
// starts at the deadline.
func ConvertTask(p *model.Project, t *model.Task, now time.Time, colorID string) (*calendar.Event, error) {
	if t == nil {
		return nil, fmt.Errorf("could not convert nil Task")
	}
	if t.DueDate == nil {
		return nil, fmt.Errorf("task %d has no due date", t.ID)
	}

	prefix := ""
	switch {
	case t.Status == model.StatusDone:
		prefix = prefixDone
	case t.Status == model.StatusInProgress:
		prefix = prefixInProgress
	case t.IsOverdue(now):
		prefix = prefixOverdue
	}
	summary := t.Name
	if prefix != "" {
		summary = prefix + " " + t.Name
	}

	var desc strings.Builder
	fmt.Fprintf(&desc, "Status: %s\n", t.Status)
	if p != nil {
		fmt.Fprintf(&desc, "Project: %s\n", p.Name)
	}
	if t.Sequence != "" {
		fmt.Fprintf(&desc, "Sequence: %s\n", t.Sequence)
	}
	if t.ExternalID != "" {
		fmt.Fprintf(&desc, "Lark: %s\n", t.ExternalID)
	}
	if t.Description != "" {
		desc.WriteString("\nNotes:\n")
		desc.WriteString(t.Description)
		desc.WriteString("\n")
	}

	start := *t.DueDate
	return &calendar.Event{
		Summary:     summary,
		Description: desc.String(),
		ColorId:     colorID,
		Start:       &calendar.EventDateTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: start.Add(eventDuration).UTC().Format(time.RFC3339)},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: strconv.FormatInt(t.ID, 10)},
		},
	}, nil
}

// EventNeedsUpdate returns a patch with the fields of target that differ from
// existing, or nil when they match.
func EventNeedsUpdate(existing, target *calendar.Event) (*calendar.Event, error) {
	patch := &calendar.Event{}
	needsUpdate := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		needsUpdate = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		needsUpdate = true
	}
	if target.ColorId != "" && existing.ColorId != target.ColorId {
		patch.ColorId = target.ColorId
		needsUpdate = true
	}

	same, err := sameTime(existing.Start, target.Start)
	if err != nil {
		return nil, err
	}
	if same {
		same, err = sameTime(existing.End, target.End)
		if err != nil {
			return nil, err
		}
	}
	if !same {
		patch.Start = target.Start
		patch.End = target.End
		needsUpdate = true
	}

	if needsUpdate {
		return patch, nil
	}
	return nil, nil
}

func sameTime(a, b *calendar.EventDateTime) (bool, error) {
	if a == nil || b == nil || a.DateTime == "" {
		return false, nil
	}
	at, err := time.Parse(time.RFC3339, a.DateTime)
	if err != nil {
		return false, err
	}
	bt, err := time.Parse(time.RFC3339, b.DateTime)
	if err != nil {
		return false, err
	}
	return at.Equal(bt), nil
}

// TaskIDFromEvent reads the local task id from an event.
func TaskIDFromEvent(e *calendar.Event) (int64, bool) {
	if e == nil || e.ExtendedProperties == nil {
		return 0, false
	}
	raw, ok := e.ExtendedProperties.Private[TaskIDProperty]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}
