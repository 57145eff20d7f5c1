package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/overdue"
	"google.golang.org/api/calendar/v3"
)

// Mirror keeps one calendar event per local task that has a due date.
type Mirror struct {
	srv        *calendar.Service
	calendarID string
	colors     *ColorCache
	pending    *overdue.Table
	logger     *log.Logger
	now        func() time.Time
}

// NewMirror wraps a calendar service. colors and pending may be nil.
func NewMirror(srv *calendar.Service, calendarID string, colors *ColorCache, pending *overdue.Table, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.Default()
	}
	return &Mirror{
		srv:        srv,
		calendarID: calendarID,
		colors:     colors,
		pending:    pending,
		logger:     logger,
		now:        time.Now,
	}
}

// PublishProject mirrors the tasks of a project. A task failing does not
// stop the others.
func (m *Mirror) PublishProject(ctx context.Context, p *model.Project, tasks []*model.Task) error {
	var errs []error
	for _, t := range tasks {
		if _, err := m.SyncTask(ctx, p, t); err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", t.ID, err))
		}
	}
	if m.colors != nil {
		if err := m.colors.Save(); err != nil {
			m.logger.Warn("Failed to save color cache", "err", err)
		}
	}
	if m.pending != nil {
		if err := m.pending.Save(); err != nil {
			m.logger.Warn("Failed to save overdue table", "err", err)
		}
	}
	return errors.Join(errs...)
}

// SyncTask creates, patches or deletes the event of a task. It returns the
// current event, or nil when the task has none.
func (m *Mirror) SyncTask(ctx context.Context, p *model.Project, t *model.Task) (*calendar.Event, error) {
	existing, err := m.EventByTaskID(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("error searching for event: %w", err)
	}

	if t.DueDate == nil || !t.Active || t.Status == model.StatusArchived {
		if m.pending != nil {
			m.pending.Remove(t.ID)
		}
		if existing != nil {
			m.logger.Debug("Deleting event", "task", t.Sequence, "event", existing.Id)
			return nil, m.srv.Events.Delete(m.calendarID, existing.Id).Context(ctx).Do()
		}
		return nil, nil
	}

	now := m.now()
	colorID := ""
	if m.colors != nil && p != nil {
		colorID = m.colors.ColorID(p.Name)
	}
	target, err := ConvertTask(p, t, now, colorID)
	if err != nil {
		return nil, err
	}
	if m.pending != nil {
		m.pending.Track(t, now)
	}

	if existing != nil {
		patch, err := EventNeedsUpdate(existing, target)
		if err != nil {
			return nil, fmt.Errorf("could not compare task with its calendar event: %w", err)
		}
		if patch == nil {
			return existing, nil
		}
		m.logger.Debug("Patching event", "task", t.Sequence, "event", existing.Id)
		return m.srv.Events.Patch(m.calendarID, existing.Id, patch).Context(ctx).Do()
	}

	m.logger.Debug("Creating event", "task", t.Sequence)
	return m.srv.Events.Insert(m.calendarID, target).Context(ctx).Do()
}

// EventByTaskID finds the event carrying the task id in its private
// extended properties.
func (m *Mirror) EventByTaskID(ctx context.Context, taskID int64) (*calendar.Event, error) {
	events, err := m.srv.Events.List(m.calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%d", TaskIDProperty, taskID)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(events.Items) > 0 {
		return events.Items[0], nil
	}
	return nil, nil
}
