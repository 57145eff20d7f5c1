package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrisonrobin/larksync/pkg/model"
	"golang.org/x/oauth2"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSequencePrefix(t *testing.T) {
	tests := map[string]string{
		"Fix login bug": "FIX",
		"a1 b2":         "ABX",
		"42":            "XXX",
		"Éclair menu":   "CLA",
		"go":            "GOX",
	}
	for in, want := range tests {
		if got := SequencePrefix(in); got != want {
			t.Errorf("SequencePrefix(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestCreateTaskAllocatesSequence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := &model.Project{Name: "Inbox"}
	if err := db.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	var seqs []string
	for _, name := range []string{"Fix login", "Fixture cleanup", "Write docs"} {
		task := &model.Task{ProjectID: p.ID, Name: name, Active: true}
		if err := db.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		seqs = append(seqs, task.Sequence)
	}
	want := []string{"FIX-0001", "FIX-0002", "WRI-0001"}
	for i := range want {
		if seqs[i] != want[i] {
			t.Errorf("sequence %d = %q; want %q", i, seqs[i], want[i])
		}
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := &model.Project{Name: "Inbox"}
	if err := db.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	due := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	task := &model.Task{
		ProjectID:    p.ID,
		Name:         "Ship it",
		ExternalID:   "t-1",
		ExternalGUID: "g-1",
		ExternalEtag: "e-1",
		DueDate:      &due,
		Status:       model.StatusInProgress,
		Active:       true,
	}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := db.TaskByExternalID(ctx, "t-1")
	if err != nil {
		t.Fatalf("TaskByExternalID failed: %v", err)
	}
	if !got.SameContent(task) {
		t.Errorf("stored task differs:\n got %+v\nwant %+v", got, task)
	}
	if !got.DueDate.Equal(due) {
		t.Errorf("DueDate = %v; want %v", got.DueDate, due)
	}

	if _, err := db.TaskByExternalID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSyncableProjectsOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	names := []string{"Default", "Unlinked", "Linked A", "Linked B"}
	ids := make([]int64, len(names))
	for i, n := range names {
		p := &model.Project{Name: n}
		if i >= 2 {
			p.ExternalID = "tl-" + n
		}
		if err := db.CreateProject(ctx, p); err != nil {
			t.Fatalf("CreateProject failed: %v", err)
		}
		ids[i] = p.ID
	}

	projects, err := db.SyncableProjects(ctx, ids[0])
	if err != nil {
		t.Fatalf("SyncableProjects failed: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("Expected 3 projects, got %d", len(projects))
	}
	for i, want := range []int64{ids[0], ids[2], ids[3]} {
		if projects[i].ID != want {
			t.Errorf("project %d = %d; want %d", i, projects[i].ID, want)
		}
	}
}

func TestLinkProjectRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := &model.Project{Name: "A"}
	b := &model.Project{Name: "B"}
	for _, p := range []*model.Project{a, b} {
		if err := db.CreateProject(ctx, p); err != nil {
			t.Fatalf("CreateProject failed: %v", err)
		}
	}

	if err := db.LinkProject(ctx, a.ID, "tl-1"); err != nil {
		t.Fatalf("LinkProject failed: %v", err)
	}
	if err := db.LinkProject(ctx, b.ID, "tl-1"); err == nil {
		t.Fatal("expected linking the same tasklist twice to fail")
	}
	if err := db.LinkProject(ctx, a.ID, "tl-1"); err != nil {
		t.Errorf("relinking the same project should succeed: %v", err)
	}

	got, err := db.ProjectByExternalID(ctx, "tl-1")
	if err != nil {
		t.Fatalf("ProjectByExternalID failed: %v", err)
	}
	if got.ID != a.ID || got.Kind != model.KindTasklist {
		t.Errorf("unexpected linked project %+v", got)
	}
}

func TestChildLogInvariants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run := &model.SyncLogEntry{RunID: "r1", Label: "Sync all projects"}
	if err := db.CreateRunLog(ctx, run); err != nil {
		t.Fatalf("CreateRunLog failed: %v", err)
	}
	other := &model.SyncLogEntry{RunID: "r2", Label: "Sync all projects"}
	if err := db.CreateRunLog(ctx, other); err != nil {
		t.Fatalf("CreateRunLog failed: %v", err)
	}

	child := &model.SyncLogEntry{RunID: "r1", Label: "Project A", Status: model.LogSuccess, ParentID: &run.ID}
	if err := db.AppendChildLog(ctx, child); err != nil {
		t.Fatalf("AppendChildLog failed: %v", err)
	}

	missing := int64(9999)
	tests := []struct {
		name  string
		entry *model.SyncLogEntry
	}{
		{"no parent", &model.SyncLogEntry{RunID: "r1", Label: "x", Status: model.LogSuccess}},
		{"missing parent", &model.SyncLogEntry{RunID: "r1", Label: "x", Status: model.LogSuccess, ParentID: &missing}},
		{"parent is a child", &model.SyncLogEntry{RunID: "r1", Label: "x", Status: model.LogSuccess, ParentID: &child.ID}},
		{"other run", &model.SyncLogEntry{RunID: "r1", Label: "x", Status: model.LogSuccess, ParentID: &other.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := db.AppendChildLog(ctx, tt.entry); !errors.Is(err, ErrInvalidParent) {
				t.Errorf("Expected ErrInvalidParent, got %v", err)
			}
		})
	}

	if err := db.FinalizeRunLog(ctx, run.ID, model.LogFail, "1 error"); err != nil {
		t.Fatalf("FinalizeRunLog failed: %v", err)
	}
	if err := db.FinalizeRunLog(ctx, run.ID, model.LogSuccess, "again"); !errors.Is(err, ErrFinalized) {
		t.Errorf("Expected ErrFinalized, got %v", err)
	}

	runs, err := db.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[1].ID != run.ID {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if !runs[1].HasChildren || runs[0].HasChildren {
		t.Errorf("HasChildren = %v/%v; want true/false", runs[1].HasChildren, runs[0].HasChildren)
	}
	if runs[1].Status != model.LogFail || runs[1].FinalizedAt == nil {
		t.Errorf("run not finalized: %+v", runs[1])
	}
}

func TestAdvisoryLock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now })

	if err := db.AcquireLock(ctx, "conn", "run-1", time.Minute); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := db.AcquireLock(ctx, "conn", "run-2", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := db.AcquireLock(ctx, "conn", "run-2", time.Minute); err != nil {
		t.Errorf("expired lock should be taken over: %v", err)
	}
	if err := db.ReleaseLock(ctx, "conn", "run-2"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if err := db.AcquireLock(ctx, "conn", "run-3", time.Minute); err != nil {
		t.Errorf("released lock should be free: %v", err)
	}
}

func TestTokenAndState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := db.SaveToken(ctx, "lark", &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", Expiry: expiry}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := db.SaveToken(ctx, "lark", &oauth2.Token{AccessToken: "a2", Expiry: expiry}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	tok, err := db.LoadToken(ctx, "lark")
	if err != nil {
		t.Fatalf("LoadToken failed: %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" || !tok.Expiry.Equal(expiry) {
		t.Errorf("unexpected token %+v", tok)
	}

	if err := db.SaveState(ctx, "s1"); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if ok, _ := db.ConsumeState(ctx, "s1", time.Minute); !ok {
		t.Error("expected fresh state to be accepted")
	}
	if ok, _ := db.ConsumeState(ctx, "s1", time.Minute); ok {
		t.Error("state must only be accepted once")
	}
}
