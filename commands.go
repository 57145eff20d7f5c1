package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cheggaaa/pb/v3"
	"github.com/harrisonrobin/larksync/pkg/archive"
	"github.com/harrisonrobin/larksync/pkg/auth"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/google"
	"github.com/harrisonrobin/larksync/pkg/lark"
	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/notify"
	"github.com/harrisonrobin/larksync/pkg/overdue"
	"github.com/harrisonrobin/larksync/pkg/reconcile"
	"github.com/harrisonrobin/larksync/pkg/server"
	"github.com/harrisonrobin/larksync/pkg/store"
	"github.com/harrisonrobin/larksync/pkg/syncer"
	"github.com/urfave/cli/v2"
)

// env is what every command runs with: the loaded config, the open store
// and the logger.
type env struct {
	cfg    *config.Config
	db     *store.DB
	logger *log.Logger
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func withEnv(logger *log.Logger, fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.Debug || c.Bool("debug") {
			logger.SetLevel(log.DebugLevel)
		}
		db, err := store.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(c, &env{cfg: cfg, db: db, logger: logger})
	}
}

func (e *env) authManager() *auth.Manager {
	return auth.NewManager(e.cfg.Lark, e.db, e.logger)
}

func (e *env) newSyncer(ctx context.Context, progress syncer.Progress) (*syncer.Syncer, error) {
	mgr := e.authManager()
	client := lark.NewClient(mgr.TokenSource(ctx), lark.Options{
		BaseURL:      e.cfg.Lark.BaseURL,
		HTTPClient:   &http.Client{Timeout: e.cfg.Lark.Timeout},
		PageSize:     e.cfg.Sync.PageSize,
		MaxRetries:   e.cfg.Sync.MaxRetries,
		RetryBackoff: e.cfg.Sync.RetryBackoff,
		Logger:       e.logger.WithPrefix("lark"),
	})
	rec := reconcile.New(e.db, &reconcile.LinkResolver{
		Users:          e.db,
		FallbackUserID: e.cfg.Sync.FallbackAssigneeID,
	}, e.logger)

	opts := syncer.Options{
		Notifier: notify.NewLogNotifier(e.logger),
		Progress: progress,
		Logger:   e.logger,
	}
	if e.cfg.Calendar.Enabled {
		mirror, err := google.NewClient(ctx, e.cfg.Calendar.Name, e.logger.WithPrefix("calendar"))
		if err != nil {
			e.logger.Warn("Calendar mirror disabled", "err", err)
		} else {
			opts.Publisher = mirror
		}
	}
	if e.cfg.Archive.Enabled() {
		a, err := archive.New(e.cfg.Archive, e.logger)
		if err != nil {
			e.logger.Warn("Run archive disabled", "err", err)
		} else {
			opts.Archiver = a
		}
	}
	return syncer.New(e.cfg.Sync, client, mgr, e.db, rec, opts), nil
}

func authorize(c *cli.Context, e *env) error {
	if err := e.cfg.ValidateForAuth(); err != nil {
		return err
	}
	tok, err := e.authManager().LoginLocal(c.Context)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	st := auth.Status(tok, time.Now())
	fmt.Printf("Authentication successful! Token %s.\n", st.Remaining)
	return nil
}

func tokenStatus(c *cli.Context, e *env) error {
	st := e.authManager().Status(c.Context)
	fmt.Printf("Lark token: %s\n", st.Remaining)
	return nil
}

func calendarAuth(c *cli.Context, e *env) error {
	if err := auth.GoogleLogin(c.Context, e.logger); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Printf("Authentication successful! Token saved to %s\n", auth.GoogleTokenFile)
	return nil
}

func syncTasks(c *cli.Context, e *env) error {
	if err := e.cfg.ValidateForSync(); err != nil {
		return err
	}
	var bar *pb.ProgressBar
	progress := func(done, total int, project string) {
		if bar == nil {
			bar = pb.New(total)
			bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{string . "project"}}`)
			bar.Start()
		}
		bar.Set("project", project)
		bar.SetCurrent(int64(done))
	}
	s, err := e.newSyncer(c.Context, progress)
	if err != nil {
		return err
	}

	var summary *syncer.Summary
	if id := c.Int64("project"); id > 0 {
		summary, err = s.SyncProject(c.Context, id)
	} else {
		summary, err = s.SyncAll(c.Context)
	}
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	fmt.Print(summary.String())
	return nil
}

func syncTasklists(c *cli.Context, e *env) error {
	s, err := e.newSyncer(c.Context, nil)
	if err != nil {
		return err
	}
	summary, err := s.SyncTasklists(c.Context, c.Bool("sections"))
	if err != nil {
		return err
	}
	fmt.Println(summary.String())
	for _, msg := range summary.Errors {
		fmt.Printf("• %s\n", msg)
	}

	mirrors, err := e.db.TasklistMirrors(c.Context)
	if err != nil {
		return err
	}
	for _, m := range mirrors {
		project := "-"
		if m.ProjectID != nil {
			project = fmt.Sprintf("#%d", *m.ProjectID)
		}
		fmt.Printf("%-40s %-20s members: %-3d project: %s\n", m.DisplayName(), m.CreatorName(), m.MemberCount(), project)
	}
	return nil
}

func linkProject(c *cli.Context, e *env) error {
	id, guid := c.Int64("project"), c.String("tasklist")
	if err := e.db.LinkProject(c.Context, id, guid); err != nil {
		return err
	}
	fmt.Printf("Project %d linked to tasklist %s\n", id, guid)
	return nil
}

func pushTask(c *cli.Context, e *env) error {
	s, err := e.newSyncer(c.Context, nil)
	if err != nil {
		return err
	}
	t, err := s.PushTask(c.Context, c.Int64("task"))
	if err != nil {
		return err
	}
	fmt.Printf("Task %s created upstream as %s\n", t.Sequence, t.ExternalID)
	return nil
}

func addStage(c *cli.Context, e *env) error {
	projectID := c.Int64("project")
	if _, err := e.db.ProjectByID(c.Context, projectID); err != nil {
		return fmt.Errorf("project %d: %w", projectID, err)
	}
	seq := c.Int("sequence")
	if !c.IsSet("sequence") {
		stages, err := e.db.StagesForProject(c.Context, projectID)
		if err != nil {
			return err
		}
		seq = 1
		if n := len(stages); n > 0 {
			seq = stages[n-1].Sequence + 1
		}
	}
	stage := &model.Stage{ProjectID: projectID, Name: c.String("name"), Sequence: seq}
	if err := e.db.CreateStage(c.Context, stage); err != nil {
		return err
	}
	fmt.Printf("Stage %q (#%d) added to project %d at position %d\n", stage.Name, stage.ID, projectID, seq)
	return nil
}

func listStages(c *cli.Context, e *env) error {
	stages, err := e.db.StagesForProject(c.Context, c.Int64("project"))
	if err != nil {
		return err
	}
	for _, s := range stages {
		fmt.Printf("%4d  #%-5d %s\n", s.Sequence, s.ID, s.Name)
	}
	return nil
}

func addUser(c *cli.Context, e *env) error {
	u := &model.User{Login: c.String("login"), Name: c.String("name")}
	if err := e.db.CreateUser(c.Context, u); err != nil {
		return err
	}
	fmt.Printf("User %s created as #%d\n", u.Login, u.ID)
	if larkID := c.String("lark-id"); larkID != "" {
		if err := e.db.LinkUser(c.Context, larkID, u.ID); err != nil {
			return err
		}
		fmt.Printf("Lark user %s linked to %s\n", larkID, u.Login)
	}
	return nil
}

func linkUser(c *cli.Context, e *env) error {
	userID, larkID := c.Int64("user"), c.String("lark-id")
	if err := e.db.LinkUser(c.Context, larkID, userID); err != nil {
		return err
	}
	fmt.Printf("Lark user %s linked to user #%d\n", larkID, userID)
	return nil
}

func showLogs(c *cli.Context, e *env) error {
	runs, err := e.db.RecentRuns(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("%s  %-7s %s  [%s]\n", run.CreatedAt.Local().Format(time.DateTime), run.Status, run.Label, run.RunID)
		if !run.HasChildren {
			continue
		}
		children, err := e.db.ChildLogs(c.Context, run.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			fmt.Printf("    %-7s %s  %s\n", child.Status, child.Label, child.ResponseSummary)
		}
	}
	return nil
}

// showOverdue lists overdue tasks. With the calendar mirror enabled, tasks
// that fell overdue since the last sweep get their events refreshed.
func showOverdue(c *cli.Context, e *env) error {
	now := time.Now()
	tasks, err := e.db.OverdueTasks(c.Context, now)
	if err != nil {
		return err
	}
	for _, t := range overdue.Sweep(tasks, now) {
		fmt.Printf("%-10s %-40s due %s\n", t.Sequence, t.Name, t.DueDate.Local().Format(time.DateTime))
	}

	if !e.cfg.Calendar.Enabled {
		return nil
	}
	table, err := overdue.NewTable()
	if err != nil {
		return err
	}
	swept := table.Sweep(now)
	if len(swept) > 0 {
		mirror, err := google.NewClient(c.Context, e.cfg.Calendar.Name, e.logger)
		if err != nil {
			return err
		}
		for _, entry := range swept {
			t, err := e.db.TaskByID(c.Context, entry.TaskID)
			if err != nil {
				e.logger.Warn("Sweep: task is gone", "task", entry.Sequence, "err", err)
				continue
			}
			p, err := e.db.ProjectByID(c.Context, t.ProjectID)
			if err != nil {
				e.logger.Warn("Sweep: project is gone", "task", entry.Sequence, "err", err)
				continue
			}
			if _, err := mirror.SyncTask(c.Context, p, t); err != nil {
				e.logger.Warn("Sweep: error refreshing event", "task", entry.Sequence, "err", err)
			}
		}
	}
	return table.Save()
}

func serve(c *cli.Context, e *env) error {
	s, err := e.newSyncer(c.Context, nil)
	if err != nil {
		return err
	}
	srv, err := server.New(e.cfg.Server, s, e.db, e.authManager(), e.logger.WithPrefix("http"))
	if err != nil {
		return err
	}
	return srv.Run(c.Context)
}

func issueToken(c *cli.Context, e *env) error {
	if e.cfg.Server.JWTSecret == "" {
		return &config.ConfigurationError{Field: "server.jwt_secret", Reason: "must be set to issue tokens"}
	}
	tok, err := server.IssueToken([]byte(e.cfg.Server.JWTSecret), c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func setDefaultProject(logger *log.Logger) cli.ActionFunc {
	return withEnv(logger, func(c *cli.Context, e *env) error {
		id := c.Int64("project")
		p, err := e.db.ProjectByID(c.Context, id)
		if err != nil {
			return fmt.Errorf("project %d: %w", id, err)
		}
		e.cfg.Sync.DefaultProjectID = p.ID
		if path := c.String("config"); path != "" {
			err = config.SaveFile(path, e.cfg)
		} else {
			err = config.Save(e.cfg)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Default project set to: %s (#%d)\n", p.Name, p.ID)
		return nil
	})
}
