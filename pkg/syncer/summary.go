package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/larksync/pkg/model"
)

// ProjectResult is the outcome of syncing one project.
type ProjectResult struct {
	ProjectID   int64             `json:"project_id"`
	Project     string            `json:"project"`
	Kind        model.ProjectKind `json:"kind"`
	ExternalID  string            `json:"external_id,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	TasksFound  int               `json:"tasks_found"`
	TasksSynced int               `json:"tasks_synced"`
	TaskErrors  []string          `json:"task_errors,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Error       string            `json:"error,omitempty"`
	Duration    float64           `json:"duration_seconds"`
}

// Failed reports whether the project sync aborted.
func (r *ProjectResult) Failed() bool {
	return r.Error != ""
}

// ProjectError names a project whose sync aborted.
type ProjectError struct {
	ProjectID int64  `json:"project_id"`
	Project   string `json:"project"`
	Error     string `json:"error"`
}

// Summary aggregates a sync run.
type Summary struct {
	RunID             string          `json:"run_id"`
	ProjectsProcessed int             `json:"projects_processed"`
	TasksProcessed    int             `json:"tasks_processed"`
	TasksSynced       int             `json:"tasks_synced"`
	Errors            []ProjectError  `json:"project_errors"`
	Projects          []ProjectResult `json:"projects"`
	StartedAt         time.Time       `json:"start_time"`
	FinishedAt        time.Time       `json:"end_time"`
}

func (s *Summary) add(r ProjectResult) {
	s.ProjectsProcessed++
	s.TasksProcessed += r.TasksFound
	s.TasksSynced += r.TasksSynced
	s.Projects = append(s.Projects, r)
	if r.Failed() {
		s.Errors = append(s.Errors, ProjectError{ProjectID: r.ProjectID, Project: r.Project, Error: r.Error})
	}
}

// SuccessRate is the percentage of processed tasks that were synced.
func (s *Summary) SuccessRate() float64 {
	if s.TasksProcessed == 0 {
		return 0
	}
	return float64(s.TasksSynced) / float64(s.TasksProcessed) * 100
}

// Failed is the number of processed tasks that were not synced.
func (s *Summary) Failed() int {
	return s.TasksProcessed - s.TasksSynced
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// OK reports whether every project synced.
func (s *Summary) OK() bool {
	return len(s.Errors) == 0
}

// String renders the summary for people.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synchronized %d tasks across %d projects.\n", s.TasksSynced, s.ProjectsProcessed)
	fmt.Fprintf(&b, "Duration:           %.2f seconds\n", s.Duration().Seconds())
	fmt.Fprintf(&b, "Tasks processed:    %d\n", s.TasksProcessed)
	fmt.Fprintf(&b, "Tasks synced:       %d (%.1f%%)\n", s.TasksSynced, s.SuccessRate())
	fmt.Fprintf(&b, "Failed:             %d\n", s.Failed())
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "• %s: %s\n", e.Project, e.Error)
	}
	return b.String()
}

// TasklistSummary is the outcome of a tasklist reconciliation.
type TasklistSummary struct {
	RunID           string   `json:"run_id"`
	TasklistsFound  int      `json:"tasklists_found"`
	ProjectsCreated int      `json:"projects_created"`
	ProjectsUpdated int      `json:"projects_updated"`
	SectionsCreated int      `json:"sections_created"`
	Errors          []string `json:"errors,omitempty"`
}

func (s *TasklistSummary) String() string {
	return fmt.Sprintf("Synced %d tasklists: %d created, %d updated.", s.TasklistsFound, s.ProjectsCreated, s.ProjectsUpdated)
}
