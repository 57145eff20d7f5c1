package overdue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/model"
)

const tableFile = "pending_due.json"

// Sweep returns the open tasks whose due date is before now, earliest first.
func Sweep(tasks []*model.Task, now time.Time) []*model.Task {
	var out []*model.Task
	for _, t := range tasks {
		if t.IsOverdue(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DueDate.Before(*out[j].DueDate)
	})
	return out
}

type Entry struct {
	TaskID   int64     `json:"task_id"`
	Sequence string    `json:"sequence"`
	Name     string    `json:"name"`
	Due      time.Time `json:"due"`
}

// Table remembers open tasks whose due date is still ahead, so that a later
// sweep can report the ones that have fallen overdue since.
type Table struct {
	Entries map[int64]Entry `json:"entries"`
	Path    string          `json:"-"`
	dirty   bool
}

// NewTable loads the table from the larksync config directory.
func NewTable() (*Table, error) {
	home, err := config.GetXdgHome()
	if err != nil {
		return nil, err
	}
	return OpenTable(filepath.Join(home, tableFile))
}

func OpenTable(path string) (*Table, error) {
	t := &Table{Path: path, Entries: make(map[int64]Entry)}
	if _, err := os.Stat(path); err == nil {
		if err := t.Load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) Load() error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(t); err != nil {
		return err
	}
	if t.Entries == nil {
		t.Entries = make(map[int64]Entry)
	}
	return nil
}

func (t *Table) Save() error {
	if !t.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.Path), 0700); err != nil {
		return err
	}
	f, err := os.Create(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(t)
	if err == nil {
		t.dirty = false
	}
	return err
}

// Track records a task that is open and due after now. Any other task is
// dropped from the table.
func (t *Table) Track(task *model.Task, now time.Time) {
	if task.DueDate == nil || task.Status.Closed() || !task.Active || !task.DueDate.After(now) {
		t.Remove(task.ID)
		return
	}
	old, exists := t.Entries[task.ID]
	if exists && old.Due.Equal(*task.DueDate) && old.Name == task.Name && old.Sequence == task.Sequence {
		return
	}
	t.Entries[task.ID] = Entry{TaskID: task.ID, Sequence: task.Sequence, Name: task.Name, Due: *task.DueDate}
	t.dirty = true
}

func (t *Table) Remove(taskID int64) {
	if _, exists := t.Entries[taskID]; exists {
		delete(t.Entries, taskID)
		t.dirty = true
	}
}

// Sweep returns the entries that have become overdue and removes them.
func (t *Table) Sweep(now time.Time) []Entry {
	var swept []Entry
	for id, e := range t.Entries {
		if e.Due.Before(now) {
			swept = append(swept, e)
			delete(t.Entries, id)
			t.dirty = true
		}
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].Due.Before(swept[j].Due) })
	return swept
}
