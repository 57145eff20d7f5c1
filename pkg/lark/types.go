package lark

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MilliTime is a timestamp sent as milliseconds since the epoch, either as a
// JSON string or number. Values that do not parse decode to the zero time.
type MilliTime struct {
	time.Time
}

func (m *MilliTime) UnmarshalJSON(b []byte) error {
	m.Time = time.Time{}
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "0" || s == "null" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	m.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (m MilliTime) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + strconv.FormatInt(m.UnixMilli(), 10) + `"`), nil
}

// Ptr returns nil for the zero time.
func (m MilliTime) Ptr() *time.Time {
	if m.IsZero() {
		return nil
	}
	t := m.Time
	return &t
}

// FlexString accepts a JSON string or a bare number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

// Member is a user or app referenced by a remote record.
type Member struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
}

// Tasklist is a remote grouping of tasks.
type Tasklist struct {
	ID          string          `json:"id"`
	GUID        string          `json:"guid"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Creator     *Member         `json:"creator"`
	Owner       *Member         `json:"owner"`
	Members     []Member        `json:"members"`
	CreatedAt   MilliTime       `json:"created_at"`
	UpdatedAt   MilliTime       `json:"updated_at"`
	Raw         json.RawMessage `json:"-"`
}

func (t *Tasklist) UnmarshalJSON(b []byte) error {
	type plain Tasklist
	if err := json.Unmarshal(b, (*plain)(t)); err != nil {
		return err
	}
	t.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// ExternalID prefers id and falls back to guid.
func (t *Tasklist) ExternalID() string {
	if t.ID != "" {
		return t.ID
	}
	return t.GUID
}

// Section is a remote sub-grouping within a tasklist.
type Section struct {
	GUID      string `json:"guid"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// Due is the nested due object of a task.
type Due struct {
	Timestamp FlexString `json:"timestamp"`
	IsAllDay  bool       `json:"is_all_day"`
}

// Task is a remote task as returned by the listing endpoints.
type Task struct {
	ID          string
	GUID        string
	Summary     string
	Description string
	Due         *Due
	Completed   bool
	CompletedAt MilliTime
	Status      string
	AssigneeID  string
	ParentID    string
	Etag        string
	UpdatedAt   MilliTime
	Raw         json.RawMessage
}

type wireTask struct {
	ID          string          `json:"id"`
	GUID        string          `json:"guid"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Due         json.RawMessage `json:"due"`
	Completed   json.RawMessage `json:"completed"`
	CompletedAt MilliTime       `json:"completed_at"`
	Status      string          `json:"status"`
	AssigneeID  string          `json:"assignee_id"`
	Assignee    *Member         `json:"assignee"`
	Members     []Member        `json:"members"`
	ParentID    string          `json:"parent_id"`
	ParentGUID  string          `json:"parent_task_guid"`
	Etag        string          `json:"etag"`
	UpdatedAt   MilliTime       `json:"updated_at"`
}

// UnmarshalJSON decodes a task leniently: a malformed due or completed field
// leaves that field empty instead of failing the whole record.
func (t *Task) UnmarshalJSON(b []byte) error {
	var w wireTask
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Task{
		ID:          w.ID,
		GUID:        w.GUID,
		Summary:     w.Summary,
		Description: w.Description,
		CompletedAt: w.CompletedAt,
		Status:      w.Status,
		AssigneeID:  w.AssigneeID,
		ParentID:    w.ParentID,
		Etag:        w.Etag,
		UpdatedAt:   w.UpdatedAt,
		Raw:         append(json.RawMessage(nil), b...),
	}
	if len(w.Due) > 0 && w.Due[0] == '{' {
		var d Due
		if err := json.Unmarshal(w.Due, &d); err == nil {
			t.Due = &d
		}
	}
	if len(w.Completed) > 0 {
		var c bool
		if err := json.Unmarshal(w.Completed, &c); err == nil {
			t.Completed = c
		}
	}
	if t.AssigneeID == "" && w.Assignee != nil {
		t.AssigneeID = w.Assignee.ID
	}
	if t.AssigneeID == "" {
		for _, m := range w.Members {
			if m.Role == "assignee" {
				t.AssigneeID = m.ID
				break
			}
		}
	}
	if t.ParentID == "" {
		t.ParentID = w.ParentGUID
	}
	return nil
}

// ExternalID prefers id and falls back to guid. Empty means the task cannot
// be reconciled.
func (t *Task) ExternalID() string {
	if t.ID != "" {
		return t.ID
	}
	return t.GUID
}

// IsCompleted combines the completion flag, timestamp and status.
func (t *Task) IsCompleted() bool {
	return t.Completed || !t.CompletedAt.IsZero() || strings.EqualFold(t.Status, "completed")
}

// CreateTaskRequest is the body of a task creation call.
type CreateTaskRequest struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Due         *Due   `json:"due,omitempty"`
}

// CreatedTask identifies a task created upstream.
type CreatedTask struct {
	ID   string `json:"id"`
	GUID string `json:"guid"`
	Etag string `json:"etag"`
}
