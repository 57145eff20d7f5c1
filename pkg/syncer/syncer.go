package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/lark"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/notify"
	"github.com/harrisonrobin/larksync/pkg/reconcile"
	"github.com/harrisonrobin/larksync/pkg/store"
	"golang.org/x/oauth2"
)

// Remote is the part of the Lark API a sync run talks to.
type Remote interface {
	ListTasklists(ctx context.Context) ([]lark.Tasklist, error)
	ListTasklistTasks(ctx context.Context, tasklistGUID string) ([]lark.Task, error)
	ListTasklistSections(ctx context.Context, tasklistGUID string) ([]lark.Section, error)
	ListSectionTasks(ctx context.Context, sectionGUID string) ([]lark.Task, error)
	ListUngroupedTasks(ctx context.Context) ([]lark.Task, error)
	CreateTask(ctx context.Context, tasklistGUID string, req lark.CreateTaskRequest) (*lark.CreatedTask, error)
}

// TokenProvider hands out a usable access token or explains why there is none.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (*oauth2.Token, error)
}

// Store is the part of the local store the orchestrator needs.
type Store interface {
	ProjectByID(ctx context.Context, id int64) (*model.Project, error)
	ProjectByExternalID(ctx context.Context, externalID string) (*model.Project, error)
	SyncableProjects(ctx context.Context, defaultID int64) ([]*model.Project, error)
	TaskByID(ctx context.Context, id int64) (*model.Task, error)
	TasksForProject(ctx context.Context, projectID int64) ([]*model.Task, error)
	SetTaskRemoteIDs(ctx context.Context, id int64, externalID, guid, etag string) error
	CreateRunLog(ctx context.Context, e *model.SyncLogEntry) error
	AppendChildLog(ctx context.Context, e *model.SyncLogEntry) error
	FinalizeRunLog(ctx context.Context, id int64, status model.LogStatus, summary string) error
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Publisher receives the local tasks of a project after it synced.
type Publisher interface {
	PublishProject(ctx context.Context, p *model.Project, tasks []*model.Task) error
}

// Archiver stores the report of a finished run.
type Archiver interface {
	ArchiveRun(ctx context.Context, s *Summary) error
}

// Progress is called after each project of a full run.
type Progress func(done, total int, project string)

// Options carries the optional collaborators of a Syncer.
type Options struct {
	Notifier  notify.Notifier
	Publisher Publisher
	Archiver  Archiver
	Progress  Progress
	Logger    *log.Logger
}

// Syncer runs sync operations. Each call takes its configuration from the
// Syncer and holds no state between runs.
type Syncer struct {
	cfg       config.Sync
	remote    Remote
	tokens    TokenProvider
	store     Store
	rec       *reconcile.Reconciler
	notifier  notify.Notifier
	publisher Publisher
	archiver  Archiver
	progress  Progress
	logger    *log.Logger
	now       func() time.Time
}

func New(cfg config.Sync, remote Remote, tokens TokenProvider, s Store, rec *reconcile.Reconciler, opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "lark"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Syncer{
		cfg:       cfg,
		remote:    remote,
		tokens:    tokens,
		store:     s,
		rec:       rec,
		notifier:  opts.Notifier,
		publisher: opts.Publisher,
		archiver:  opts.Archiver,
		progress:  opts.Progress,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// preflight checks everything a run needs before any remote call is made.
func (s *Syncer) preflight(ctx context.Context) (*model.Project, error) {
	if s.cfg.DefaultProjectID <= 0 {
		return nil, &config.ConfigurationError{Field: "sync.default_project_id", Reason: "no default project configured"}
	}
	if _, err := s.tokens.CurrentToken(ctx); err != nil {
		return nil, err
	}
	p, err := s.store.ProjectByID(ctx, s.cfg.DefaultProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &config.ConfigurationError{
			Field:  "sync.default_project_id",
			Reason: fmt.Sprintf("project %d does not exist", s.cfg.DefaultProjectID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default project: %w", err)
	}
	return p, nil
}

func (s *Syncer) lock(ctx context.Context, owner string) (func(), error) {
	if err := s.store.AcquireLock(ctx, s.cfg.ConnectionName, owner, s.cfg.LockTTL); err != nil {
		return nil, err
	}
	return func() {
		// The run context may already be cancelled here.
		if err := s.store.ReleaseLock(context.Background(), s.cfg.ConnectionName, owner); err != nil {
			s.logger.Warn("Failed to release sync lock", "key", s.cfg.ConnectionName, "err", err)
		}
	}, nil
}

func (s *Syncer) openRun(ctx context.Context, runID, label, endpoint, method string, params any) (*model.SyncLogEntry, error) {
	run := &model.SyncLogEntry{
		RunID:         runID,
		Label:         label,
		Endpoint:      endpoint,
		Method:        method,
		RequestParams: marshal(params),
	}
	if err := s.store.CreateRunLog(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}
	return run, nil
}

func (s *Syncer) finalize(run *model.SyncLogEntry, status model.LogStatus, summary any) {
	if err := s.store.FinalizeRunLog(context.Background(), run.ID, status, marshal(summary)); err != nil {
		s.logger.Error("Failed to finalize run log", "run", run.RunID, "err", err)
	}
}

// SyncAll syncs every project that is linked to a remote collection, plus
// the default project. One project failing does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) (summary *Summary, err error) {
	defaultProject, err := s.preflight(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	unlock, err := s.lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	summary = &Summary{RunID: runID, StartedAt: s.now()}
	run, err := s.openRun(ctx, runID, "Sync Tasks from Lark", "/open-apis/task/v2/tasks", "SYNC", map[string]any{
		"connection":         s.cfg.ConnectionName,
		"default_project_id": defaultProject.ID,
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync run %s panicked: %v", runID, r)
		}
		summary.FinishedAt = s.now()
		status := model.LogSuccess
		if err != nil || !summary.OK() {
			status = model.LogFail
		}
		s.finalize(run, status, summary)
		if err == nil {
			s.report(ctx, summary)
		}
	}()

	projects, err := s.store.SyncableProjects(ctx, defaultProject.ID)
	if err != nil {
		return summary, fmt.Errorf("failed to list projects: %w", err)
	}
	s.logger.Info("Starting sync", "run", runID, "projects", len(projects))

	for i, p := range projects {
		result := s.syncProject(ctx, run, p, p.ID == defaultProject.ID)
		summary.add(result)
		if s.progress != nil {
			s.progress(i+1, len(projects), p.Name)
		}
		if i < len(projects)-1 {
			if err := s.pause(ctx); err != nil {
				return summary, err
			}
		}
	}

	s.logger.Info("Sync finished", "run", runID, "projects", summary.ProjectsProcessed,
		"tasks", summary.TasksProcessed, "synced", summary.TasksSynced, "errors", len(summary.Errors))
	return summary, nil
}

// SyncProject syncs a single project under its own run.
func (s *Syncer) SyncProject(ctx context.Context, projectID int64) (summary *Summary, err error) {
	defaultProject, err := s.preflight(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.store.ProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", projectID, err)
	}
	if !p.Linked() && p.ID != defaultProject.ID {
		return nil, fmt.Errorf("project %q is not linked to a tasklist or section", p.Name)
	}

	runID := uuid.NewString()
	unlock, err := s.lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	summary = &Summary{RunID: runID, StartedAt: s.now()}
	run, err := s.openRun(ctx, runID, "Sync Tasks for project: "+p.Name, endpointFor(p), "SYNC", map[string]any{
		"connection": s.cfg.ConnectionName,
		"project_id": p.ID,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync run %s panicked: %v", runID, r)
		}
		summary.FinishedAt = s.now()
		status := model.LogSuccess
		if err != nil || !summary.OK() {
			status = model.LogFail
		}
		s.finalize(run, status, summary)
		if err == nil {
			s.report(ctx, summary)
		}
	}()

	summary.add(s.syncProject(ctx, run, p, p.ID == defaultProject.ID))
	return summary, nil
}

func (s *Syncer) pause(ctx context.Context) error {
	if s.cfg.ProjectDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.ProjectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// syncProject never returns an error: failures are recorded on the result
// and in the project's child log entry.
func (s *Syncer) syncProject(ctx context.Context, run *model.SyncLogEntry, p *model.Project, isDefault bool) (result ProjectResult) {
	start := s.now()
	result = ProjectResult{
		ProjectID:  p.ID,
		Project:    p.Name,
		Kind:       p.Kind,
		ExternalID: p.ExternalID,
		Endpoint:   endpointFor(p),
	}
	logger := s.logger.With("project", p.Name)

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.Duration = s.now().Sub(start).Seconds()
		if result.Failed() {
			logger.Error("Project sync failed", "err", result.Error)
		}
		s.logProject(run, p, &result)
	}()

	tasks, warnings, err := s.fetchProjectTasks(ctx, p, isDefault)
	result.Warnings = warnings
	for _, w := range warnings {
		logger.Warn(w)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.TasksFound = len(tasks)

	synced, errs := s.rec.ReconcileTasks(ctx, tasks, p.ID)
	result.TasksSynced = synced
	for _, e := range errs {
		result.TaskErrors = append(result.TaskErrors, e.Error())
	}
	logger.Info("Synced project", "found", result.TasksFound, "synced", synced, "errors", len(errs))

	if s.publisher != nil {
		local, err := s.store.TasksForProject(ctx, p.ID)
		if err == nil {
			err = s.publisher.PublishProject(ctx, p, local)
		}
		if err != nil {
			w := fmt.Sprintf("publish failed: %v", err)
			result.Warnings = append(result.Warnings, w)
			logger.Warn(w)
		}
	}
	return result
}

func (s *Syncer) logProject(run *model.SyncLogEntry, p *model.Project, r *ProjectResult) {
	label := "Sync tasks for project: " + p.Name
	status := model.LogSuccess
	if r.Failed() {
		label = "Failed: " + label
		status = model.LogFail
	}
	params := map[string]any{
		"project_id":   p.ID,
		"project_name": p.Name,
		"kind":         p.Kind,
	}
	switch p.Kind {
	case model.KindSection:
		params["section_guid"] = p.ExternalID
		params["tasklist_guid"] = p.ParentTasklistGUID
	default:
		params["tasklist_guid"] = p.ExternalID
	}
	entry := &model.SyncLogEntry{
		RunID:         run.RunID,
		Label:         label,
		Endpoint:      r.Endpoint,
		Method:        "GET",
		Status:        status,
		RequestParams: marshal(params),
		ResponseSummary: marshal(map[string]any{
			"tasks_found":      r.TasksFound,
			"tasks_synced":     r.TasksSynced,
			"task_errors":      len(r.TaskErrors),
			"warnings":         r.Warnings,
			"error":            r.Error,
			"duration_seconds": r.Duration,
		}),
		ParentID: &run.ID,
	}
	if err := s.store.AppendChildLog(context.Background(), entry); err != nil {
		s.logger.Error("Failed to write project log", "project", p.Name, "err", err)
	}
}

// fetchProjectTasks collects the remote tasks that belong to a project. A
// section project reads its section. A tasklist project reads the tasklist
// and merges in the tasks of its sections, except sections that are
// tracked by a section project of their own. The default project also
// receives tasks that belong to no tasklist.
func (s *Syncer) fetchProjectTasks(ctx context.Context, p *model.Project, isDefault bool) ([]lark.Task, []string, error) {
	var (
		tasks    []lark.Task
		warnings []string
	)
	switch {
	case p.Linked() && p.Kind == model.KindSection:
		got, err := s.remote.ListSectionTasks(ctx, p.ExternalID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch section tasks: %w", err)
		}
		tasks = got
	case p.Linked():
		got, err := s.remote.ListTasklistTasks(ctx, p.ExternalID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch tasklist tasks: %w", err)
		}
		tasks = got
		extra, excluded, w := s.sectionTasks(ctx, p)
		warnings = append(warnings, w...)
		tasks = mergeTasks(tasks, extra, excluded)
	}

	if isDefault {
		got, err := s.remote.ListUngroupedTasks(ctx)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ungrouped tasks unavailable: %v", err))
		} else {
			tasks = mergeTasks(tasks, got, nil)
		}
	}
	return tasks, warnings, nil
}

// sectionTasks returns the tasks of the sections of a tasklist that have no
// section project, and the ids of tasks owned by sections that do.
func (s *Syncer) sectionTasks(ctx context.Context, p *model.Project) ([]lark.Task, map[string]bool, []string) {
	sections, err := s.remote.ListTasklistSections(ctx, p.ExternalID)
	if err != nil {
		return nil, nil, []string{fmt.Sprintf("sections unavailable: %v", err)}
	}
	var (
		tasks    []lark.Task
		warnings []string
		excluded = map[string]bool{}
	)
	for _, sec := range sections {
		if sec.GUID == "" {
			continue
		}
		got, err := s.remote.ListSectionTasks(ctx, sec.GUID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("section %q unavailable: %v", sec.Name, err))
			continue
		}
		owner, err := s.store.ProjectByExternalID(ctx, sec.GUID)
		if err == nil && owner.ID != p.ID {
			for i := range got {
				excluded[got[i].ExternalID()] = true
			}
			continue
		}
		tasks = append(tasks, got...)
	}
	return tasks, excluded, warnings
}

// mergeTasks appends extra to base, skipping ids already present and ids in
// excluded. Tasks without any id are kept so that they are reported.
func mergeTasks(base, extra []lark.Task, excluded map[string]bool) []lark.Task {
	seen := map[string]bool{}
	out := make([]lark.Task, 0, len(base)+len(extra))
	for _, list := range [][]lark.Task{base, extra} {
		for _, t := range list {
			id := t.ExternalID()
			if id != "" {
				if seen[id] || excluded[id] {
					continue
				}
				seen[id] = true
			}
			out = append(out, t)
		}
	}
	return out
}

func endpointFor(p *model.Project) string {
	switch {
	case p.Linked() && p.Kind == model.KindSection:
		return "/open-apis/task/v2/sections/" + p.ExternalID + "/tasks"
	case p.Linked():
		return "/open-apis/task/v2/tasklists/" + p.ExternalID + "/tasks"
	default:
		return "/open-apis/task/v2/tasks"
	}
}

// SyncTasklists fetches all remote tasklists and reconciles them into
// projects. With sections set, every linked tasklist also gets a project
// per non-default section.
func (s *Syncer) SyncTasklists(ctx context.Context, sections bool) (summary *TasklistSummary, err error) {
	if _, err := s.tokens.CurrentToken(ctx); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	unlock, err := s.lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := s.openRun(ctx, runID, "Sync Tasklists", "/open-apis/task/v2/tasklists", "GET", map[string]any{
		"connection": s.cfg.ConnectionName,
		"sections":   sections,
	})
	if err != nil {
		return nil, err
	}
	summary = &TasklistSummary{RunID: runID}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasklist run %s panicked: %v", runID, r)
			summary.Errors = append(summary.Errors, err.Error())
		}
		status := model.LogSuccess
		if err != nil || len(summary.Errors) > 0 {
			status = model.LogFail
		}
		s.finalize(run, status, summary)
	}()

	tasklists, err := s.remote.ListTasklists(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary, fmt.Errorf("failed to fetch tasklists: %w", err)
	}
	summary.TasklistsFound = len(tasklists)

	created, updated, recErr := s.rec.ReconcileTasklists(ctx, tasklists)
	summary.ProjectsCreated = created
	summary.ProjectsUpdated = updated
	if recErr != nil {
		summary.Errors = append(summary.Errors, recErr.Error())
	}

	if sections {
		for i := range tasklists {
			s.discoverSections(ctx, &tasklists[i], summary)
		}
	}

	s.logger.Info("Synced tasklists", "found", summary.TasklistsFound, "created", created, "updated", updated)
	return summary, nil
}

func (s *Syncer) discoverSections(ctx context.Context, tl *lark.Tasklist, summary *TasklistSummary) {
	p, err := s.store.ProjectByExternalID(ctx, tl.ExternalID())
	if errors.Is(err, store.ErrNotFound) {
		// The tasklist could not be reconciled; its error is already recorded.
		return
	}
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("project of tasklist %s: %v", tl.ExternalID(), err))
		return
	}
	secs, err := s.remote.ListTasklistSections(ctx, p.ExternalID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("sections of %q: %v", p.Name, err))
		return
	}
	created, _, err := s.rec.ReconcileSections(ctx, p, secs)
	summary.SectionsCreated += created
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
}

// PushTask creates a local task upstream in the tasklist of its project and
// records the remote ids on the local task.
func (s *Syncer) PushTask(ctx context.Context, taskID int64) (*model.Task, error) {
	if _, err := s.tokens.CurrentToken(ctx); err != nil {
		return nil, err
	}
	t, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	if t.ExternalID != "" {
		return nil, fmt.Errorf("task %s is already linked to %s", t.Sequence, t.ExternalID)
	}
	p, err := s.store.ProjectByID(ctx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", t.ProjectID, err)
	}
	tasklistGUID := p.ExternalID
	if p.Kind == model.KindSection {
		tasklistGUID = p.ParentTasklistGUID
	}
	if tasklistGUID == "" {
		return nil, fmt.Errorf("project %q is not linked to a tasklist", p.Name)
	}

	req := lark.CreateTaskRequest{Summary: t.Name, Description: t.Description}
	if t.DueDate != nil {
		req.Due = &lark.Due{Timestamp: lark.FlexString(strconv.FormatInt(t.DueDate.UnixMilli(), 10))}
	}

	runID := uuid.NewString()
	endpoint := "/open-apis/task/v2/tasklists/" + tasklistGUID + "/tasks"
	run, err := s.openRun(ctx, runID, "Push task: "+t.Name, endpoint, "POST", map[string]any{
		"task_id":       t.ID,
		"tasklist_guid": tasklistGUID,
	})
	if err != nil {
		return nil, err
	}

	created, err := s.remote.CreateTask(ctx, tasklistGUID, req)
	if err != nil {
		s.finalize(run, model.LogFail, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("failed to create remote task: %w", err)
	}
	externalID := created.ID
	if externalID == "" {
		externalID = created.GUID
	}
	if err := s.store.SetTaskRemoteIDs(ctx, t.ID, externalID, created.GUID, created.Etag); err != nil {
		s.finalize(run, model.LogFail, map[string]any{"external_id": externalID, "error": err.Error()})
		return nil, fmt.Errorf("failed to record remote ids: %w", err)
	}
	s.finalize(run, model.LogSuccess, map[string]any{"external_id": externalID, "guid": created.GUID})

	t.ExternalID = externalID
	t.ExternalGUID = created.GUID
	t.ExternalEtag = created.Etag
	return t, nil
}

func (s *Syncer) report(ctx context.Context, summary *Summary) {
	if s.notifier != nil {
		n := notify.Notification{
			Title:   "Sync Complete",
			Message: summary.String(),
			Level:   notify.LevelSuccess,
		}
		if !summary.OK() {
			n.Title = "Sync Finished With Errors"
			n.Level = notify.LevelWarning
			n.Sticky = true
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("Failed to send notification", "err", err)
		}
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveRun(ctx, summary); err != nil {
			s.logger.Warn("Failed to archive run report", "run", summary.RunID, "err", err)
		}
	}
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}
