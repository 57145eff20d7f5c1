package overdue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/harrisonrobin/larksync/pkg/model"
)

func at(t time.Time) *time.Time { return &t }

func TestSweep(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tasks := []*model.Task{
		{ID: 1, Name: "late", DueDate: at(now.Add(-time.Hour)), Status: model.StatusTodo},
		{ID: 2, Name: "later", DueDate: at(now.Add(time.Hour)), Status: model.StatusTodo},
		{ID: 3, Name: "done late", DueDate: at(now.Add(-time.Hour)), Status: model.StatusDone},
		{ID: 4, Name: "no due", Status: model.StatusInProgress},
		{ID: 5, Name: "very late", DueDate: at(now.Add(-48 * time.Hour)), Status: model.StatusInProgress},
		{ID: 6, Name: "archived", DueDate: at(now.Add(-time.Hour)), Status: model.StatusArchived},
	}

	got := Sweep(tasks, now)
	if len(got) != 2 || got[0].ID != 5 || got[1].ID != 1 {
		var ids []int64
		for _, task := range got {
			ids = append(ids, task.ID)
		}
		t.Errorf("Sweep() = %v; want [5 1]", ids)
	}
}

func TestTableTrackAndSweep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	table, err := OpenTable(path)
	if err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	table.Track(&model.Task{ID: 1, Sequence: "WRI-0001", Name: "Write", DueDate: at(now.Add(time.Hour)), Status: model.StatusTodo, Active: true}, now)
	table.Track(&model.Task{ID: 2, Name: "Closed", DueDate: at(now.Add(time.Hour)), Status: model.StatusDone, Active: true}, now)
	table.Track(&model.Task{ID: 3, Name: "Past", DueDate: at(now.Add(-time.Hour)), Status: model.StatusTodo, Active: true}, now)
	if len(table.Entries) != 1 {
		t.Fatalf("got %d entries; want 1", len(table.Entries))
	}
	if err := table.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := OpenTable(path)
	if err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}
	if swept := reloaded.Sweep(now); len(swept) != 0 {
		t.Errorf("nothing should be overdue yet, got %v", swept)
	}
	swept := reloaded.Sweep(now.Add(2 * time.Hour))
	if len(swept) != 1 || swept[0].Sequence != "WRI-0001" {
		t.Errorf("Sweep() = %v; want WRI-0001", swept)
	}
	if len(reloaded.Entries) != 0 {
		t.Errorf("swept entries should be removed")
	}
}
