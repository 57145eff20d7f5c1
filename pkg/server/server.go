package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/harrisonrobin/larksync/pkg/auth"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/store"
	"github.com/harrisonrobin/larksync/pkg/syncer"
	"golang.org/x/oauth2"
)

const shutdownTimeout = 5 * time.Second

// Syncer is the sync surface the server triggers.
type Syncer interface {
	SyncAll(ctx context.Context) (*syncer.Summary, error)
	SyncProject(ctx context.Context, projectID int64) (*syncer.Summary, error)
	SyncTasklists(ctx context.Context, sections bool) (*syncer.TasklistSummary, error)
}

// LogStore reads the sync audit trail.
type LogStore interface {
	RecentRuns(ctx context.Context, limit int) ([]*model.SyncLogEntry, error)
	ChildLogs(ctx context.Context, parentID int64) ([]*model.SyncLogEntry, error)
}

// Authorizer runs the OAuth authorization code flow.
type Authorizer interface {
	AuthCodeURL(ctx context.Context) (string, string, error)
	HandleCallback(ctx context.Context, code, state string) (*oauth2.Token, error)
}

type Server struct {
	cfg    config.Server
	sync   Syncer
	logs   LogStore
	oauth  Authorizer
	logger *log.Logger
	router *gin.Engine
}

// New builds the HTTP surface. Sync and log routes require a bearer JWT
// signed with the configured secret.
func New(cfg config.Server, s Syncer, logs LogStore, oauth Authorizer, logger *log.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, &config.ConfigurationError{Field: "server.jwt_secret", Reason: "must be set to serve the API"}
	}
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{cfg: cfg, sync: s, logs: logs, oauth: oauth, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/oauth/start", srv.oauthStart)
	r.GET("/oauth/callback", srv.oauthCallback)

	api := r.Group("/api", AccessTokenMiddleware([]byte(cfg.JWTSecret)))
	api.POST("/sync", srv.syncTasks)
	api.POST("/sync/tasklists", srv.syncTasklists)
	api.GET("/logs", srv.recentLogs)

	srv.router = r
	return srv, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hs := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", s.cfg.Addr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond))
	}
}

type syncRequest struct {
	ProjectID int64 `json:"project_id"`
}

func (s *Server) syncTasks(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
		return
	}

	var (
		summary *syncer.Summary
		err     error
	)
	if req.ProjectID > 0 {
		summary, err = s.sync.SyncProject(c.Request.Context(), req.ProjectID)
	} else {
		summary, err = s.sync.SyncAll(c.Request.Context())
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": summary})
}

func (s *Server) syncTasklists(c *gin.Context) {
	sections := c.Query("sections") == "true"
	summary, err := s.sync.SyncTasklists(c.Request.Context(), sections)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": summary})
}

// fail maps an error to a status: configuration problems are the caller's
// to fix, a held lock is a conflict, anything else is ours.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case config.IsConfigurationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrLocked):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}

type logView struct {
	ID              int64           `json:"id"`
	RunID           string          `json:"run_id"`
	Label           string          `json:"label"`
	Endpoint        string          `json:"endpoint"`
	Method          string          `json:"method"`
	Status          model.LogStatus `json:"status"`
	RequestParams   string          `json:"request_params"`
	ResponseSummary string          `json:"response_summary"`
	CreatedAt       time.Time       `json:"created_at"`
	FinalizedAt     *time.Time      `json:"finalized_at,omitempty"`
	Children        []logView       `json:"children,omitempty"`
}

func newLogView(e *model.SyncLogEntry) logView {
	return logView{
		ID:              e.ID,
		RunID:           e.RunID,
		Label:           e.Label,
		Endpoint:        e.Endpoint,
		Method:          e.Method,
		Status:          e.Status,
		RequestParams:   e.RequestParams,
		ResponseSummary: e.ResponseSummary,
		CreatedAt:       e.CreatedAt,
		FinalizedAt:     e.FinalizedAt,
	}
}

func (s *Server) recentLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ctx := c.Request.Context()
	runs, err := s.logs.RecentRuns(ctx, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]logView, 0, len(runs))
	for _, run := range runs {
		v := newLogView(run)
		if run.HasChildren {
			children, err := s.logs.ChildLogs(ctx, run.ID)
			if err != nil {
				s.fail(c, err)
				return
			}
			for _, child := range children {
				v.Children = append(v.Children, newLogView(child))
			}
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "runs": views})
}

func (s *Server) oauthStart(c *gin.Context) {
	u, _, err := s.oauth.AuthCodeURL(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Redirect(http.StatusFound, u)
}

func (s *Server) oauthCallback(c *gin.Context) {
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "code and state are required"})
		return
	}
	tok, err := s.oauth.HandleCallback(c.Request.Context(), code, state)
	if errors.Is(err, auth.ErrInvalidState) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Authorization complete",
		"expires_at": tok.Expiry,
	})
}
