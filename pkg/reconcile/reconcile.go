// Package reconcile maps remote tasklists, sections and tasks onto local
// projects and tasks, keyed by external id.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/lark"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/store"
)

const (
	unnamedTask     = "Unnamed Task"
	unnamedTasklist = "Unnamed Tasklist"
)

// DefaultStages are created, in sequence order, for every project the
// reconciler creates.
var DefaultStages = []string{"New", "In Progress", "Done"}

// Store is the subset of the local store the reconciler writes to.
type Store interface {
	ProjectByExternalID(ctx context.Context, externalID string) (*model.Project, error)
	ProjectByName(ctx context.Context, name string) (*model.Project, error)
	CreateProject(ctx context.Context, p *model.Project) error
	UpdateProject(ctx context.Context, p *model.Project) error
	UpsertTasklistMirror(ctx context.Context, m *model.TasklistMirror) error
	CreateStage(ctx context.Context, s *model.Stage) error
	StagesForProject(ctx context.Context, projectID int64) ([]model.Stage, error)
	TaskByExternalID(ctx context.Context, externalID string) (*model.Task, error)
	CreateTask(ctx context.Context, t *model.Task) error
	UpdateTask(ctx context.Context, t *model.Task) error
	TouchTask(ctx context.Context, id int64, at time.Time) error
	ArchiveTask(ctx context.Context, id int64) error
}

// MappingError is a remote record that cannot be mapped. The record is skipped.
type MappingError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("record %d: %s: %s", e.Index, e.Field, e.Reason)
}

// PersistenceError is a failed local write for a single record.
type PersistenceError struct {
	ExternalID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.ExternalID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Reconciler applies remote collections to the local store.
type Reconciler struct {
	store     Store
	assignees AssigneeResolver
	logger    *log.Logger
	now       func() time.Time
}

// New creates a Reconciler. A nil resolver leaves every assignee unset.
func New(s Store, assignees AssigneeResolver, logger *log.Logger) *Reconciler {
	if assignees == nil {
		assignees = noAssignee{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: s, assignees: assignees, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ReconcileTasklists creates or updates one project per remote tasklist,
// matching first by external id and then by exact name, and refreshes the
// tasklist mirror. Failures for one tasklist are logged and skipped; they are
// returned joined in err alongside the counts.
func (r *Reconciler) ReconcileTasklists(ctx context.Context, tasklists []lark.Tasklist) (created, updated int, err error) {
	var errs []error
	for i := range tasklists {
		if ctx.Err() != nil {
			return created, updated, ctx.Err()
		}
		tl := &tasklists[i]
		wasCreated, err := r.reconcileTasklist(ctx, i, tl)
		if err != nil {
			r.logger.Error("failed to process tasklist", "tasklist", tl.ExternalID(), "err", err)
			errs = append(errs, err)
			continue
		}
		if wasCreated {
			created++
		} else {
			updated++
		}
	}
	return created, updated, errors.Join(errs...)
}

func (r *Reconciler) reconcileTasklist(ctx context.Context, idx int, tl *lark.Tasklist) (bool, error) {
	guid := tl.ExternalID()
	if guid == "" {
		return false, &MappingError{Index: idx, Field: "id", Reason: "tasklist has neither id nor guid"}
	}
	name := tl.Name
	if name == "" {
		name = unnamedTasklist
	}

	project, err := r.store.ProjectByExternalID(ctx, guid)
	if errors.Is(err, store.ErrNotFound) {
		project, err = r.store.ProjectByName(ctx, name)
		// A project linked elsewhere is never taken over by name.
		if err == nil && project.ExternalID != "" {
			project, err = nil, store.ErrNotFound
		}
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, &PersistenceError{ExternalID: guid, Op: "look up project for", Err: err}
	}

	created := project == nil
	if created {
		project = &model.Project{Name: name, Description: tl.Description, ExternalID: guid, Kind: model.KindTasklist}
		if err := r.store.CreateProject(ctx, project); err != nil {
			return false, &PersistenceError{ExternalID: guid, Op: "create project for", Err: err}
		}
		r.logger.Info("created project", "project", name, "tasklist", guid)
		r.seedStages(ctx, project)
	} else if project.Name != name || project.Description != tl.Description || project.ExternalID != guid || project.Kind != model.KindTasklist {
		project.Name = name
		project.Description = tl.Description
		project.ExternalID = guid
		project.Kind = model.KindTasklist
		project.ParentTasklistGUID = ""
		if err := r.store.UpdateProject(ctx, project); err != nil {
			return false, &PersistenceError{ExternalID: guid, Op: "update project for", Err: err}
		}
		r.logger.Info("updated project", "project", name, "tasklist", guid)
	}

	mirror := &model.TasklistMirror{
		GUID:      guid,
		Name:      tl.Name,
		URL:       tl.URL,
		CreatedAt: tl.CreatedAt.Ptr(),
		UpdatedAt: tl.UpdatedAt.Ptr(),
		RawJSON:   string(tl.Raw),
		ProjectID: &project.ID,
	}
	if tl.Creator != nil {
		mirror.CreatorID = tl.Creator.ID
	}
	if tl.Owner != nil {
		mirror.OwnerID = tl.Owner.ID
	}
	if err := r.store.UpsertTasklistMirror(ctx, mirror); err != nil {
		return created, &PersistenceError{ExternalID: guid, Op: "mirror tasklist", Err: err}
	}
	return created, nil
}

// ReconcileSections creates or updates one section project per remote
// section of a tasklist. Default sections are skipped: their tasks are
// already part of the tasklist.
func (r *Reconciler) ReconcileSections(ctx context.Context, tasklist *model.Project, sections []lark.Section) (created, updated int, err error) {
	var errs []error
	for i, sec := range sections {
		if sec.IsDefault {
			continue
		}
		if sec.GUID == "" {
			errs = append(errs, &MappingError{Index: i, Field: "guid", Reason: "section has no guid"})
			continue
		}
		name := fmt.Sprintf("%s / %s", tasklist.Name, sec.Name)

		project, err := r.store.ProjectByExternalID(ctx, sec.GUID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, &PersistenceError{ExternalID: sec.GUID, Op: "look up section", Err: err})
			continue
		}
		if project == nil {
			project = &model.Project{Name: name, ExternalID: sec.GUID, Kind: model.KindSection, ParentTasklistGUID: tasklist.ExternalID}
			if err := r.store.CreateProject(ctx, project); err != nil {
				errs = append(errs, &PersistenceError{ExternalID: sec.GUID, Op: "create section project", Err: err})
				continue
			}
			r.seedStages(ctx, project)
			created++
			continue
		}
		if project.Name != name || project.Kind != model.KindSection || project.ParentTasklistGUID != tasklist.ExternalID {
			project.Name = name
			project.Kind = model.KindSection
			project.ParentTasklistGUID = tasklist.ExternalID
			if err := r.store.UpdateProject(ctx, project); err != nil {
				errs = append(errs, &PersistenceError{ExternalID: sec.GUID, Op: "update section project", Err: err})
				continue
			}
		}
		updated++
	}
	return created, updated, errors.Join(errs...)
}

// seedStages gives a new project the default stages. A failure leaves the
// project usable; its tasks just keep no stage.
func (r *Reconciler) seedStages(ctx context.Context, p *model.Project) {
	for i, name := range DefaultStages {
		if err := r.store.CreateStage(ctx, &model.Stage{ProjectID: p.ID, Name: name, Sequence: i + 1}); err != nil {
			r.logger.Warn("could not create stage", "project", p.Name, "stage", name, "err", err)
			return
		}
	}
}

// ReconcileTasks writes remote tasks into a project. It returns the number
// of tasks created, updated or confirmed unchanged, and one error per task
// that could not be mapped or saved. Failures never stop the batch.
func (r *Reconciler) ReconcileTasks(ctx context.Context, tasks []lark.Task, projectID int64) (int, []error) {
	stages, err := r.store.StagesForProject(ctx, projectID)
	if err != nil {
		r.logger.Warn("could not load stages, tasks keep their stage", "project", projectID, "err", err)
		stages = nil
	}

	synced := 0
	var errs []error
	for i := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rt := &tasks[i]
		externalID := rt.ExternalID()
		if externalID == "" {
			r.logger.Warn("skipping task with no id or guid", "index", i)
			continue
		}
		if err := r.reconcileTask(ctx, rt, externalID, projectID, stages); err != nil {
			r.logger.Error("failed to sync task", "task", externalID, "err", err)
			errs = append(errs, err)
			continue
		}
		synced++
	}
	return synced, errs
}

func (r *Reconciler) reconcileTask(ctx context.Context, rt *lark.Task, externalID string, projectID int64, stages []model.Stage) error {
	existing, err := r.store.TaskByExternalID(ctx, externalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return &PersistenceError{ExternalID: externalID, Op: "look up task", Err: err}
	}

	var t model.Task
	if existing != nil {
		t = *existing
	} else {
		t.Active = true
	}

	t.ProjectID = projectID
	t.Name = rt.Summary
	if t.Name == "" {
		t.Name = unnamedTask
	}
	t.Description = rt.Description
	t.ExternalID = externalID
	t.ExternalGUID = rt.GUID
	t.ExternalEtag = rt.Etag
	t.DueDate = ParseDue(rt.Due)
	if rt.Due != nil && rt.Due.Timestamp != "" && t.DueDate == nil {
		r.logger.Warn("ignoring invalid due date", "task", externalID, "timestamp", string(rt.Due.Timestamp))
	}
	t.Status = MapStatus(rt.Status)
	if t.Status != model.StatusArchived {
		t.Active = true
	}

	if rt.AssigneeID != "" {
		uid, err := r.assignees.ResolveAssignee(ctx, rt.AssigneeID)
		if err != nil {
			r.logger.Warn("could not resolve assignee", "task", externalID, "assignee", rt.AssigneeID, "err", err)
		}
		t.AssigneeID = uid
	} else {
		t.AssigneeID = nil
	}

	if rt.ParentID == "" {
		t.ParentID = nil
	} else if parent, err := r.store.TaskByExternalID(ctx, rt.ParentID); err == nil {
		t.ParentID = &parent.ID
	} else {
		r.logger.Debug("parent not synced yet", "task", externalID, "parent", rt.ParentID)
	}

	if stageID, ok := ResolveStage(stages, rt.IsCompleted() || t.Status == model.StatusDone); ok {
		t.StageID = &stageID
	}

	now := r.now()
	if existing != nil && existing.SameContent(&t) && existing.Active == t.Active {
		if err := r.store.TouchTask(ctx, existing.ID, now); err != nil {
			return &PersistenceError{ExternalID: externalID, Op: "touch task", Err: err}
		}
		return r.archiveIfNeeded(ctx, &t)
	}

	t.RawJSON = string(rt.Raw)
	t.RemoteUpdatedAt = rt.UpdatedAt.Ptr()
	t.LastSyncAt = &now

	if existing != nil {
		if err := r.store.UpdateTask(ctx, &t); err != nil {
			return &PersistenceError{ExternalID: externalID, Op: "update task", Err: err}
		}
		r.logger.Debug("updated task", "task", externalID, "name", t.Name)
		return r.archiveIfNeeded(ctx, &t)
	}
	if err := r.store.CreateTask(ctx, &t); err != nil {
		return &PersistenceError{ExternalID: externalID, Op: "create task", Err: err}
	}
	r.logger.Debug("created task", "task", externalID, "name", t.Name, "sequence", t.Sequence)
	return r.archiveIfNeeded(ctx, &t)
}

// archiveIfNeeded deactivates a task archived upstream that is still active
// locally.
func (r *Reconciler) archiveIfNeeded(ctx context.Context, t *model.Task) error {
	if t.Status != model.StatusArchived || !t.Active {
		return nil
	}
	if err := r.store.ArchiveTask(ctx, t.ID); err != nil {
		return &PersistenceError{ExternalID: t.ExternalID, Op: "archive task", Err: err}
	}
	t.Active = false
	r.logger.Debug("archived task", "task", t.ExternalID)
	return nil
}

// ParseDue converts the millisecond timestamp of a due object. Missing or
// malformed values yield nil.
func ParseDue(due *lark.Due) *time.Time {
	if due == nil || due.Timestamp == "" {
		return nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(due.Timestamp)), 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// MapStatus maps a remote status onto the local workflow status.
func MapStatus(remote string) model.Status {
	return model.MapRemoteStatus(remote)
}

var doneStageNames = []string{"done", "completed", "closed"}

// ResolveStage picks the stage for a task. Completed tasks go to the
// lowest-sequence stage named like Done, Completed or Closed (in that order
// of preference), else to the last stage; open tasks go to the first stage.
// ok is false when there are no stages.
func ResolveStage(stages []model.Stage, completed bool) (id int64, ok bool) {
	if len(stages) == 0 {
		return 0, false
	}

	first, last := stages[0], stages[0]
	for _, s := range stages[1:] {
		if s.Sequence < first.Sequence {
			first = s
		}
		if s.Sequence > last.Sequence {
			last = s
		}
	}
	if !completed {
		return first.ID, true
	}

	for _, want := range doneStageNames {
		var match *model.Stage
		for i := range stages {
			s := &stages[i]
			if !strings.Contains(strings.ToLower(s.Name), want) {
				continue
			}
			if match == nil || s.Sequence < match.Sequence {
				match = s
			}
		}
		if match != nil {
			return match.ID, true
		}
	}
	return last.ID, true
}
