package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "larksync",
		ReportTimestamp: true,
	})

	app := &cli.App{
		Name:  "larksync",
		Usage: "Synchronize Lark tasklists, sections and tasks into a local store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "auth",
				Usage:  "Authorize larksync against Lark in the browser",
				Action: withEnv(logger, authorize),
			},
			{
				Name:   "status",
				Usage:  "Show the state of the stored Lark token",
				Action: withEnv(logger, tokenStatus),
			},
			{
				Name:   "calendar-auth",
				Usage:  "Authorize the Google Calendar deadline mirror",
				Action: withEnv(logger, calendarAuth),
			},
			{
				Name:  "sync",
				Usage: "Sync tasks of every linked project, or of one project",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "project",
						Usage: "Local project id to sync alone",
					},
				},
				Action: withEnv(logger, syncTasks),
			},
			{
				Name:  "tasklists",
				Usage: "Fetch remote tasklists and reconcile them into projects",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "sections",
						Usage: "Also create a project per tasklist section",
					},
				},
				Action: withEnv(logger, syncTasklists),
			},
			{
				Name:  "link",
				Usage: "Link a local project to a remote tasklist",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "project",
						Usage:    "Local project id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "tasklist",
						Usage:    "Remote tasklist guid",
						Required: true,
					},
				},
				Action: withEnv(logger, linkProject),
			},
			{
				Name:  "push",
				Usage: "Create a local task in its project's remote tasklist",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "task",
						Usage:    "Local task id",
						Required: true,
					},
				},
				Action: withEnv(logger, pushTask),
			},
			{
				Name:  "logs",
				Usage: "Show recent sync runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show",
						Value: 10,
					},
				},
				Action: withEnv(logger, showLogs),
			},
			{
				Name:   "overdue",
				Usage:  "List overdue tasks and refresh their calendar events",
				Action: withEnv(logger, showOverdue),
			},
			{
				Name:   "serve",
				Usage:  "Serve the HTTP trigger API",
				Action: withEnv(logger, serve),
			},
			{
				Name:  "token",
				Usage: "Issue an access token for the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Token subject",
						Value: "larksync",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: withEnv(logger, issueToken),
			},
			{
				Name:  "stage",
				Usage: "Manage project workflow stages",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Add a stage to a project",
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "project",
								Usage:    "Local project id",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "name",
								Usage:    "Stage name",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "sequence",
								Usage: "Position of the stage; defaults to after the last one",
							},
						},
						Action: withEnv(logger, addStage),
					},
					{
						Name:  "list",
						Usage: "List the stages of a project",
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "project",
								Usage:    "Local project id",
								Required: true,
							},
						},
						Action: withEnv(logger, listStages),
					},
				},
			},
			{
				Name:  "user",
				Usage: "Manage local users and their Lark identities",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Create a local user",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "login",
								Usage:    "Login name",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "name",
								Usage: "Display name",
							},
							&cli.StringFlag{
								Name:  "lark-id",
								Usage: "Lark user id to link right away",
							},
						},
						Action: withEnv(logger, addUser),
					},
					{
						Name:  "link",
						Usage: "Link a Lark user id to a local user",
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "user",
								Usage:    "Local user id",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "lark-id",
								Usage:    "Lark user id",
								Required: true,
							},
						},
						Action: withEnv(logger, linkUser),
					},
				},
			},
			{
				Name:  "config",
				Usage: "Change stored settings",
				Subcommands: []*cli.Command{
					{
						Name:  "set-default-project",
						Usage: "Set the project that receives tasks without a tasklist",
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "project",
								Usage:    "Local project id",
								Required: true,
							},
						},
						Action: setDefaultProject(logger),
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Fatal(err)
	}
}
