package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/harrisonrobin/larksync/pkg/auth"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/store"
	"github.com/harrisonrobin/larksync/pkg/syncer"
	"golang.org/x/oauth2"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	err       error
	projectID int64
}

func (f *fakeSyncer) SyncAll(ctx context.Context) (*syncer.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Summary{RunID: "run-1", ProjectsProcessed: 2, TasksSynced: 5}, nil
}

func (f *fakeSyncer) SyncProject(ctx context.Context, id int64) (*syncer.Summary, error) {
	f.projectID = id
	return &syncer.Summary{RunID: "run-2", ProjectsProcessed: 1}, f.err
}

func (f *fakeSyncer) SyncTasklists(ctx context.Context, sections bool) (*syncer.TasklistSummary, error) {
	return &syncer.TasklistSummary{RunID: "run-3", TasklistsFound: 3}, f.err
}

type fakeLogs struct{}

func (fakeLogs) RecentRuns(ctx context.Context, limit int) ([]*model.SyncLogEntry, error) {
	return []*model.SyncLogEntry{{ID: 1, RunID: "run-1", Label: "Sync Tasks from Lark", Status: model.LogSuccess, HasChildren: true}}, nil
}

func (fakeLogs) ChildLogs(ctx context.Context, parentID int64) ([]*model.SyncLogEntry, error) {
	return []*model.SyncLogEntry{{ID: 2, RunID: "run-1", Label: "Sync tasks for project: Inbox", ParentID: &parentID}}, nil
}

type fakeAuth struct{}

func (fakeAuth) AuthCodeURL(ctx context.Context) (string, string, error) {
	return "https://example.com/authorize?state=s1", "s1", nil
}

func (fakeAuth) HandleCallback(ctx context.Context, code, state string) (*oauth2.Token, error) {
	if state != "s1" {
		return nil, fmt.Errorf("%w: unknown state", auth.ErrInvalidState)
	}
	return &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, nil
}

func newTestServer(t *testing.T, s Syncer) http.Handler {
	t.Helper()
	srv, err := New(config.Server{JWTSecret: secret}, s, fakeLogs{}, fakeAuth{}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, authorized bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorized {
		tok, err := IssueToken([]byte(secret), "tester", time.Hour)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestSyncStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"success", nil, http.StatusOK},
		{"configuration", &config.ConfigurationError{Field: "sync.default_project_id", Reason: "missing"}, http.StatusBadRequest},
		{"locked", store.ErrLocked, http.StatusConflict},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeSyncer{err: tt.err})
			rec, body := do(t, h, http.MethodPost, "/api/sync", "", true)
			if rec.Code != tt.status {
				t.Fatalf("status = %d; want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if success := body["success"] == true; success != (tt.err == nil) {
				t.Errorf("success = %v for err %v", body["success"], tt.err)
			}
			if tt.err == nil {
				result := body["result"].(map[string]any)
				if result["run_id"] != "run-1" || result["tasks_synced"] != float64(5) {
					t.Errorf("unexpected result %v", result)
				}
			} else if body["message"] == nil {
				t.Error("missing error message")
			}
		})
	}
}

func TestSyncSingleProject(t *testing.T) {
	s := &fakeSyncer{}
	h := newTestServer(t, s)
	rec, _ := do(t, h, http.MethodPost, "/api/sync", `{"project_id": 4}`, true)
	if rec.Code != http.StatusOK || s.projectID != 4 {
		t.Errorf("status = %d, project = %d; want 200, 4", rec.Code, s.projectID)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/sync", `{"project_id": "x"}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d; want 400", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t, &fakeSyncer{})
	if rec, _ := do(t, h, http.MethodPost, "/api/sync", "", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d; want 401", rec.Code)
	}

	forged, _ := IssueToken([]byte("other-secret"), "tester", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token status = %d; want 401", rec.Code)
	}

	expired, _ := IssueToken([]byte(secret), "tester", -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token status = %d; want 401", rec.Code)
	}

	if rec, _ := do(t, h, http.MethodGet, "/healthz", "", false); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d; want 200", rec.Code)
	}
}

func TestRecentLogs(t *testing.T) {
	h := newTestServer(t, &fakeSyncer{})
	rec, body := do(t, h, http.MethodGet, "/api/logs?limit=5", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	runs := body["runs"].([]any)
	run := runs[0].(map[string]any)
	children := run["children"].([]any)
	if len(runs) != 1 || len(children) != 1 || run["run_id"] != "run-1" {
		t.Errorf("unexpected runs %v", runs)
	}
}

func TestOAuthRoutes(t *testing.T) {
	h := newTestServer(t, &fakeSyncer{})

	rec, _ := do(t, h, http.MethodGet, "/oauth/start", "", false)
	if rec.Code != http.StatusFound || !strings.Contains(rec.Header().Get("Location"), "state=s1") {
		t.Errorf("start: status %d, location %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec, _ := do(t, h, http.MethodGet, "/oauth/callback?code=c&state=bad", "", false); rec.Code != http.StatusBadRequest {
		t.Errorf("forged state status = %d; want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/oauth/callback?code=c", "", false); rec.Code != http.StatusBadRequest {
		t.Errorf("missing state status = %d; want 400", rec.Code)
	}
	rec, body := do(t, h, http.MethodGet, "/oauth/callback?code=c&state=s1", "", false)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Errorf("callback: status %d, body %v", rec.Code, body)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(config.Server{}, &fakeSyncer{}, fakeLogs{}, fakeAuth{}, nil); !config.IsConfigurationError(err) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}
