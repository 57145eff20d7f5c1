package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/overdue"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const eventsPath = "/calendars/cal-1/events"

// fakeCalendar serves the subset of the Calendar API the mirror uses.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]*calendar.Event
	next    int
	inserts int
	patches int
	deletes int
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == eventsPath && r.Method == http.MethodGet:
		want := r.URL.Query().Get("privateExtendedProperty")
		var items []*calendar.Event
		for _, e := range f.events {
			for k, v := range e.ExtendedProperties.Private {
				if k+"="+v == want {
					items = append(items, e)
				}
			}
		}
		json.NewEncoder(w).Encode(&calendar.Events{Items: items})
	case r.URL.Path == eventsPath && r.Method == http.MethodPost:
		var e calendar.Event
		json.NewDecoder(r.Body).Decode(&e)
		f.next++
		f.inserts++
		e.Id = fmt.Sprintf("ev%d", f.next)
		f.events[e.Id] = &e
		json.NewEncoder(w).Encode(&e)
	case strings.HasPrefix(r.URL.Path, eventsPath+"/"):
		id := strings.TrimPrefix(r.URL.Path, eventsPath+"/")
		e, ok := f.events[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPatch:
			var patch calendar.Event
			json.NewDecoder(r.Body).Decode(&patch)
			f.patches++
			if patch.Summary != "" {
				e.Summary = patch.Summary
			}
			if patch.Description != "" {
				e.Description = patch.Description
			}
			if patch.Start != nil {
				e.Start, e.End = patch.Start, patch.End
			}
			json.NewEncoder(w).Encode(e)
		case http.MethodDelete:
			f.deletes++
			delete(f.events, id)
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestMirror(t *testing.T) (*Mirror, *fakeCalendar, *overdue.Table) {
	t.Helper()
	fake := &fakeCalendar{events: map[string]*calendar.Event{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("calendar.NewService failed: %v", err)
	}
	pending, err := overdue.OpenTable(filepath.Join(t.TempDir(), "pending.json"))
	if err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}
	m := NewMirror(svc, "cal-1", nil, pending, log.New(io.Discard))
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m, fake, pending
}

func TestMirrorLifecycle(t *testing.T) {
	m, fake, pending := newTestMirror(t)
	ctx := context.Background()
	project := &model.Project{ID: 1, Name: "Roadmap"}
	due := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	task := &model.Task{ID: 7, Sequence: "WRI-0001", Name: "Write docs", DueDate: &due, Status: model.StatusTodo, Active: true}
	undated := &model.Task{ID: 8, Name: "Someday", Status: model.StatusTodo, Active: true}

	if err := m.PublishProject(ctx, project, []*model.Task{task, undated}); err != nil {
		t.Fatalf("PublishProject failed: %v", err)
	}
	if fake.inserts != 1 || len(fake.events) != 1 {
		t.Fatalf("got %d inserts, %d events; want 1, 1", fake.inserts, len(fake.events))
	}
	if _, ok := pending.Entries[7]; !ok {
		t.Error("open task with future due date not tracked")
	}

	// Unchanged tasks are left alone.
	if err := m.PublishProject(ctx, project, []*model.Task{task}); err != nil {
		t.Fatalf("PublishProject failed: %v", err)
	}
	if fake.inserts != 1 || fake.patches != 0 {
		t.Errorf("got %d inserts, %d patches; want 1, 0", fake.inserts, fake.patches)
	}

	task.Status = model.StatusDone
	ev, err := m.SyncTask(ctx, project, task)
	if err != nil {
		t.Fatalf("SyncTask failed: %v", err)
	}
	if fake.patches != 1 || ev.Summary != "✓ Write docs" {
		t.Errorf("got %d patches, summary %q", fake.patches, ev.Summary)
	}
	if _, ok := pending.Entries[7]; ok {
		t.Error("closed task still tracked")
	}

	task.Status = model.StatusArchived
	if _, err := m.SyncTask(ctx, project, task); err != nil {
		t.Fatalf("SyncTask failed: %v", err)
	}
	if fake.deletes != 1 || len(fake.events) != 0 {
		t.Errorf("got %d deletes, %d events; want 1, 0", fake.deletes, len(fake.events))
	}
}
