package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}), Options{
		BaseURL:      srv.URL,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Logger:       log.New(io.Discard),
	})
}

func TestFetchAllFollowsPages(t *testing.T) {
	var requests []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Query().Get("page_token"))
		switch r.URL.Query().Get("page_token") {
		case "":
			fmt.Fprint(w, `{"code":0,"data":{"items":[{"n":1},{"n":2}],"has_more":true,"page_token":"p2"}}`)
		case "p2":
			fmt.Fprint(w, `{"code":0,"data":{"items":[{"n":3}],"has_more":true,"page_token":"p3"}}`)
		case "p3":
			fmt.Fprint(w, `{"code":0,"data":{"items":[{"n":4}],"has_more":false}}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	})

	items, err := c.FetchAll(context.Background(), "/tasklists", nil)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Expected 4 items, got %d", len(items))
	}
	for i, it := range items {
		want := fmt.Sprintf(`{"n":%d}`, i+1)
		if string(it) != want {
			t.Errorf("item %d = %s; want %s", i, it, want)
		}
	}
	if strings.Join(requests, ",") != ",p2,p3" {
		t.Errorf("Expected requests [\"\" p2 p3], got %q", requests)
	}
}

func TestFetchAllStopsOnRepeatedToken(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"code":0,"data":{"items":[{}],"has_more":true,"page_token":"same"}}`)
	})
	items, err := c.FetchAll(context.Background(), "/tasks", nil)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if calls != 2 || len(items) != 2 {
		t.Errorf("Expected 2 calls and 2 items, got %d calls and %d items", calls, len(items))
	}
}

func TestFetchAllAPIError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"code":99,"msg":"permission denied"}`)
	})

	_, err := c.FetchAll(context.Background(), "/tasklists/x/sections", nil)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if ae.Code != 99 || ae.Msg != "permission denied" || ae.Endpoint != "/tasklists/x/sections" {
		t.Errorf("unexpected error fields: %+v", ae)
	}
	if calls != 1 {
		t.Errorf("API errors must not be retried, got %d calls", calls)
	}
}

func TestFetchAllTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":1470403,"msg":"no access"}`)
	})

	_, err := c.FetchAll(context.Background(), "/tasks", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *TransportError, got %T: %v", err, err)
	}
	if te.Status != http.StatusForbidden || te.Code != 1470403 || te.Msg != "no access" {
		t.Errorf("unexpected error fields: %+v", te)
	}
	if te.Retryable() {
		t.Errorf("403 should not be retryable")
	}
}

func TestFetchAllRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"items":[{"guid":"a"}],"has_more":false}}`)
	})

	items, err := c.FetchAll(context.Background(), "/tasks", nil)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if calls != 2 || len(items) != 1 {
		t.Errorf("Expected 2 calls and 1 item, got %d calls and %d items", calls, len(items))
	}
}

func TestFetchAllGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchAll(context.Background(), "/tasks", nil)
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusBadGateway {
		t.Fatalf("Expected 502 TransportError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRequestsCarryBearerToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("page_size"); got != "100" {
			t.Errorf("page_size = %q", got)
		}
		fmt.Fprint(w, `{"code":0,"data":{"items":[],"has_more":false}}`)
	})
	if _, err := c.ListTasklists(context.Background()); err != nil {
		t.Fatalf("ListTasklists failed: %v", err)
	}
}

func TestListUngroupedTasksQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/tasks" || q.Get("tasklist_guid") != "none" || q.Get("completed") != "false" {
			t.Errorf("unexpected request %s", r.URL)
		}
		fmt.Fprint(w, `{"code":0,"data":{"items":[{"guid":"g1","summary":"Loose","due":{"timestamp":"1714564800000"}}],"has_more":false}}`)
	})
	tasks, err := c.ListUngroupedTasks(context.Background())
	if err != nil {
		t.Fatalf("ListUngroupedTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ExternalID() != "g1" || tasks[0].Due == nil {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if tasks[0].Due.Timestamp != "1714564800000" {
		t.Errorf("due timestamp = %q", tasks[0].Due.Timestamp)
	}
}

func TestCreateTaskIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.CreateTask(context.Background(), "tl", CreateTaskRequest{Summary: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestCreateTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"summary":"Write docs"`) {
			t.Errorf("unexpected body %s", body)
		}
		if r.URL.Path != "/tasklists/tl-1/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"code":0,"data":{"id":"t1","guid":"g1","etag":"e1"}}`)
	})
	created, err := c.CreateTask(context.Background(), "tl-1", CreateTaskRequest{Summary: "Write docs"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.ID != "t1" || created.GUID != "g1" || created.Etag != "e1" {
		t.Errorf("unexpected result %+v", created)
	}
}

func TestTaskDecodingIsLenient(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantDue   bool
		completed bool
		assignee  string
		parent    string
	}{
		{"due as string", `{"guid":"a","due":"tomorrow"}`, false, false, "", ""},
		{"completed as string", `{"guid":"a","completed":"yes"}`, false, false, "", ""},
		{"completed_at set", `{"guid":"a","completed_at":"1714564800000"}`, false, true, "", ""},
		{"assignee object", `{"guid":"a","assignee":{"id":"ou_2"}}`, false, false, "ou_2", ""},
		{"assignee member", `{"guid":"a","members":[{"id":"ou_f","role":"follower"},{"id":"ou_3","role":"assignee"}]}`, false, false, "ou_3", ""},
		{"parent guid", `{"guid":"a","parent_task_guid":"p1","due":{"timestamp":1714564800000}}`, true, false, "", "p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := decodeItems[Task](log.New(io.Discard), "/tasks", []json.RawMessage{json.RawMessage(tt.in)})
			if len(items) != 1 {
				t.Fatalf("Expected 1 item, got %d", len(items))
			}
			task := items[0]
			if (task.Due != nil) != tt.wantDue {
				t.Errorf("Due = %v; want present=%v", task.Due, tt.wantDue)
			}
			if task.IsCompleted() != tt.completed {
				t.Errorf("IsCompleted() = %v; want %v", task.IsCompleted(), tt.completed)
			}
			if task.AssigneeID != tt.assignee {
				t.Errorf("AssigneeID = %q; want %q", task.AssigneeID, tt.assignee)
			}
			if task.ParentID != tt.parent {
				t.Errorf("ParentID = %q; want %q", task.ParentID, tt.parent)
			}
		})
	}
}

func TestMalformedItemsAreSkipped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"items":[`+
			`{"guid":"good-1","summary":"First"},`+
			`{"guid":"bad","summary":42},`+
			`"not an object",`+
			`{"guid":"good-2","summary":"Second"}`+
			`],"has_more":false}}`)
	})

	tasks, err := c.ListTasklistTasks(context.Background(), "tl-1")
	if err != nil {
		t.Fatalf("ListTasklistTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d: %+v", len(tasks), tasks)
	}
	if tasks[0].ExternalID() != "good-1" || tasks[1].ExternalID() != "good-2" {
		t.Errorf("unexpected tasks %q, %q", tasks[0].ExternalID(), tasks[1].ExternalID())
	}
}
