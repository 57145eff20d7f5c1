package model

import "time"

// LogStatus is the outcome recorded on a sync log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFail    LogStatus = "fail"
)

// SyncLogEntry is one record of the audit trail. A run-level entry has no
// parent; per-project entries point at the run of the same orchestration call.
type SyncLogEntry struct {
	ID              int64
	RunID           string
	Label           string
	Endpoint        string
	Method          string
	Status          LogStatus
	RequestParams   string
	ResponseSummary string
	ParentID        *int64
	HasChildren     bool
	CreatedAt       time.Time
	FinalizedAt     *time.Time
}

// TopLevel reports whether the entry is a run-level entry.
func (e *SyncLogEntry) TopLevel() bool {
	return e.ParentID == nil
}
