package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProjectKind tells which remote collection a project mirrors. It is decided
// when the project is created or linked and never probed at sync time.
type ProjectKind string

const (
	KindTasklist ProjectKind = "tasklist"
	KindSection  ProjectKind = "section"
)

// Project is a local project, optionally linked to a remote tasklist or section.
type Project struct {
	ID          int64
	Name        string
	Description string
	ExternalID  string
	Kind        ProjectKind
	// ParentTasklistGUID is set for section projects only.
	ParentTasklistGUID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Linked reports whether the project is bound to a remote collection.
func (p *Project) Linked() bool {
	return p.ExternalID != ""
}

// Stage is a workflow column of a project.
type Stage struct {
	ID        int64
	ProjectID int64
	Name      string
	Sequence  int
}

// TasklistMirror keeps the last fetched payload of a remote tasklist for audit.
type TasklistMirror struct {
	ID        int64
	GUID      string
	Name      string
	URL       string
	CreatorID string
	OwnerID   string
	CreatedAt *time.Time
	UpdatedAt *time.Time
	RawJSON   string
	ProjectID *int64 // project linked to this tasklist, if any
}

type mirrorPayload struct {
	Creator struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"creator"`
	Members []json.RawMessage `json:"members"`
}

// CreatorName describes the creator of the tasklist from its raw payload.
func (m *TasklistMirror) CreatorName() string {
	if m.RawJSON == "" {
		return "Unknown"
	}
	var p mirrorPayload
	if err := json.Unmarshal([]byte(m.RawJSON), &p); err != nil {
		return "Unknown"
	}
	if p.Creator.Type == "user" {
		return fmt.Sprintf("User (%s)", p.Creator.ID)
	}
	return "System"
}

// MemberCount returns the number of members in the raw payload.
func (m *TasklistMirror) MemberCount() int {
	if m.RawJSON == "" {
		return 0
	}
	var p mirrorPayload
	if err := json.Unmarshal([]byte(m.RawJSON), &p); err != nil {
		return 0
	}
	return len(p.Members)
}

// DisplayName is the name followed by a shortened GUID.
func (m *TasklistMirror) DisplayName() string {
	if len(m.GUID) > 8 {
		return fmt.Sprintf("%s (%s...)", m.Name, m.GUID[:8])
	}
	if m.GUID != "" {
		return fmt.Sprintf("%s (%s)", m.Name, m.GUID)
	}
	return m.Name
}

// User is a local user that remote assignees can be linked to.
type User struct {
	ID    int64
	Login string
	Name  string
}
