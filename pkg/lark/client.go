// Package lark is a small client for the Lark task v2 API: authenticated,
// paginated GETs and task creation.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
)

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	PageSize     int
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *log.Logger
}

// Client talks to the Lark task API. It issues one request at a time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	pageSize   int
	maxRetries int
	backoff    time.Duration
	logger     *log.Logger
}

// NewClient creates a client authenticated by tokens.
func NewClient(tokens oauth2.TokenSource, opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		tokens:     tokens,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		logger:     opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type page struct {
	Items     []json.RawMessage `json:"items"`
	HasMore   bool              `json:"has_more"`
	PageToken string            `json:"page_token"`
}

// FetchAll follows the page_token cursor of endpoint until the API reports no
// more pages, and returns every item in the order received.
func (c *Client) FetchAll(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	var items []json.RawMessage
	seen := make(map[string]bool)
	pageToken := ""

	for {
		q := url.Values{}
		for k, v := range params {
			q[k] = append([]string(nil), v...)
		}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var p page
		if err := c.call(ctx, http.MethodGet, endpoint, q, nil, &p); err != nil {
			return nil, err
		}
		items = append(items, p.Items...)
		c.logger.Debug("fetched page", "endpoint", endpoint, "items", len(p.Items), "has_more", p.HasMore)

		if !p.HasMore || p.PageToken == "" {
			break
		}
		if seen[p.PageToken] {
			c.logger.Warn("page token repeated, stopping pagination", "endpoint", endpoint)
			break
		}
		seen[p.PageToken] = true
		pageToken = p.PageToken
	}
	return items, nil
}

func (c *Client) pageParams() url.Values {
	return url.Values{"page_size": {strconv.Itoa(c.pageSize)}}
}

// ListTasklists returns every tasklist visible to the token.
func (c *Client) ListTasklists(ctx context.Context) ([]Tasklist, error) {
	endpoint := "/tasklists"
	raw, err := c.FetchAll(ctx, endpoint, c.pageParams())
	if err != nil {
		return nil, err
	}
	return decodeItems[Tasklist](c.logger, endpoint, raw), nil
}

// ListTasklistTasks returns the tasks of a tasklist.
func (c *Client) ListTasklistTasks(ctx context.Context, tasklistGUID string) ([]Task, error) {
	endpoint := "/tasklists/"+url.PathEscape(tasklistGUID)+"/tasks"
	raw, err := c.FetchAll(ctx, endpoint, c.pageParams())
	if err != nil {
		return nil, err
	}
	return decodeItems[Task](c.logger, endpoint, raw), nil
}

// ListTasklistSections returns the sections of a tasklist.
func (c *Client) ListTasklistSections(ctx context.Context, tasklistGUID string) ([]Section, error) {
	endpoint := "/tasklists/"+url.PathEscape(tasklistGUID)+"/sections"
	raw, err := c.FetchAll(ctx, endpoint, c.pageParams())
	if err != nil {
		return nil, err
	}
	return decodeItems[Section](c.logger, endpoint, raw), nil
}

// ListSectionTasks returns the tasks of a section.
func (c *Client) ListSectionTasks(ctx context.Context, sectionGUID string) ([]Task, error) {
	endpoint := "/sections/"+url.PathEscape(sectionGUID)+"/tasks"
	raw, err := c.FetchAll(ctx, endpoint, c.pageParams())
	if err != nil {
		return nil, err
	}
	return decodeItems[Task](c.logger, endpoint, raw), nil
}

// ListUngroupedTasks returns open tasks that belong to no tasklist.
func (c *Client) ListUngroupedTasks(ctx context.Context) ([]Task, error) {
	params := c.pageParams()
	params.Set("completed", "false")
	params.Set("tasklist_guid", "none")
	raw, err := c.FetchAll(ctx, "/tasks", params)
	if err != nil {
		return nil, err
	}
	return decodeItems[Task](c.logger, "/tasks", raw), nil
}

// CreateTask creates a task in a tasklist. Creation is never retried.
func (c *Client) CreateTask(ctx context.Context, tasklistGUID string, req CreateTaskRequest) (*CreatedTask, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	var created CreatedTask
	endpoint := "/tasklists/" + url.PathEscape(tasklistGUID) + "/tasks"
	if err := c.call(ctx, http.MethodPost, endpoint, nil, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// call performs one API call, retrying retryable GET failures with
// exponential backoff, and decodes the data member into out.
func (c *Client) call(ctx context.Context, method, endpoint string, q url.Values, body []byte, out any) error {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var env *envelope
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.logger.Warn("retrying request", "endpoint", endpoint, "attempt", attempt+1, "wait", wait, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		env, err = c.do(ctx, method, endpoint, q, body)
		if err == nil {
			break
		}
		te, ok := err.(*TransportError)
		if !ok || !te.Retryable() {
			return err
		}
	}
	if err != nil {
		return err
	}

	if env.Code != 0 {
		c.logger.Error("API returned an error", "endpoint", endpoint, "code", env.Code, "msg", env.Msg)
		return &APIError{Endpoint: endpoint, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data from %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, q url.Values, body []byte) (*envelope, error) {
	u := c.baseURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	tok.SetAuthHeader(req)

	c.logger.Debug("request", "method", method, "url", u)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{Endpoint: endpoint, Status: resp.StatusCode}
		if decodeErr == nil {
			te.Code, te.Msg = env.Code, env.Msg
		} else {
			te.Msg = truncate(string(data), 200)
		}
		return nil, te
	}
	if decodeErr != nil {
		return nil, &TransportError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", decodeErr)}
	}
	return &env, nil
}

// decodeItems decodes each item on its own. An item that does not decode is
// logged and skipped so one malformed record never costs the whole page.
func decodeItems[T any](logger *log.Logger, endpoint string, raw []json.RawMessage) []T {
	out := make([]T, 0, len(raw))
	skipped := 0
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			logger.Warn("skipping malformed item", "endpoint", endpoint, "index", i, "err", err)
			skipped++
			continue
		}
		out = append(out, v)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed items", "endpoint", endpoint, "skipped", skipped, "decoded", len(out))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
