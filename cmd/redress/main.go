package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redress/internal/app"
	"redress/internal/config"
	"redress/internal/db"
	"redress/internal/docgen"
	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/mail"
	"redress/internal/migrate"
	"redress/internal/observability"
	"redress/internal/orchestrator"
	"redress/internal/progress"
	"redress/internal/queue"
	"redress/internal/repo"
	"redress/internal/resilience"
	"redress/internal/server"
	"redress/internal/textgen"
)

var rootCmd = &cobra.Command{
	Use:   "redress",
	Short: "Redress CLI",
	Long: `Redress routes citizen objection submissions to a council.
- Pathways: direct (straight to the council), review (citizen approves first), draft (citizen submits themselves).
- Generated text passes a content gate before it can reach a document or email.
- Outbound mail sits in a persisted queue with retry, backoff and dead letters.
- Every step lands on an append-only per-submission timeline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REDRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(staleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- projects ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg := config.Default(id)
				if name != "" {
					cfg.Project.Name = name
				}
				p := domain.Project{
					ID:        id,
					Name:      cfg.Project.Name,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, id, cfg); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [project-id]",
		Short: "Show project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id := viper.GetString("project")
				if len(args) > 0 {
					id = args[0]
				}
				id, _, err := app.ResolveProjectAndConfig(ctx, id, r)
				if err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage the project delivery config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
				if err != nil {
					return err
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	var importPath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if importPath == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(importPath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID := viper.GetString("project")
				if projectID == "" {
					projectID = cfg.Project.ID
				}
				if projectID == "" {
					return fmt.Errorf("config has no project id; use --project")
				}
				if _, err := r.GetProject(ctx, projectID); err != nil {
					if !errors.Is(err, repo.ErrNotFound) {
						return err
					}
					p := domain.Project{
						ID:        projectID,
						Name:      cfg.Project.Name,
						Status:    "active",
						CreatedAt: time.Now().UTC().Format(time.RFC3339),
					}
					if err := r.InsertProject(ctx, p); err != nil {
						return err
					}
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				fmt.Printf("config imported for project %s\n", projectID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&importPath, "file", "", "YAML config file")
	cfgCmd.AddCommand(importCmd)
	var exportPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored config to a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if exportPath == "" {
				return fmt.Errorf("--file required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
				if err != nil {
					return err
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				return os.WriteFile(exportPath, out, 0o644)
			})
		},
	}
	exportCmd.Flags().StringVar(&exportPath, "file", "", "output file")
	cfgCmd.AddCommand(exportCmd)
	return cfgCmd
}

// --- submissions ---

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submission", Short: "Manage submissions"}
	sub.AddCommand(submissionCreateCmd())
	sub.AddCommand(submissionProcessCmd())
	sub.AddCommand(submissionFinalizeCmd())
	sub.AddCommand(submissionShowCmd())
	sub.AddCommand(submissionTimelineCmd())
	sub.AddCommand(submissionListCmd())
	sub.AddCommand(remindersCmd())
	return sub
}

func submissionCreateCmd() *cobra.Command {
	var pathway, email, name, id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				sub, err := p.orch.CreateSubmission(ctx, orchestrator.IntakeOptions{
					ID:           id,
					ProjectID:    p.projectID,
					Pathway:      domain.Pathway(pathway),
					CitizenEmail: email,
					CitizenName:  name,
					Actor:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&pathway, "pathway", "direct", "direct, review or draft")
	cmd.Flags().StringVar(&email, "email", "", "citizen email")
	cmd.Flags().StringVar(&name, "name", "", "citizen name")
	cmd.Flags().StringVar(&id, "id", "", "submission id (generated when empty)")
	return cmd
}

func submissionProcessCmd() *cobra.Command {
	var redo bool
	cmd := &cobra.Command{
		Use:   "process <submission-id>",
		Short: "Run a submission through its pathway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				if err := p.orch.ProcessSubmission(ctx, args[0], orchestrator.ProcessOptions{
					Redo:  redo,
					Actor: viper.GetString("actor-id"),
				}); err != nil {
					return err
				}
				sub, err := p.repo.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().BoolVar(&redo, "redo", false, "supersede existing documents and rebuild")
	return cmd
}

func submissionFinalizeCmd() *cobra.Command {
	var textFile string
	cmd := &cobra.Command{
		Use:   "finalize <submission-id>",
		Short: "Finalize a reviewed submission and queue the council send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edited := ""
			if textFile != "" {
				data, err := os.ReadFile(textFile)
				if err != nil {
					return err
				}
				edited = string(data)
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				if err := p.orch.FinalizeAndSubmit(ctx, args[0], edited, viper.GetString("actor-id")); err != nil {
					return err
				}
				sub, err := p.repo.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&textFile, "text-file", "", "file with the citizen's edited text")
	return cmd
}

func submissionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <submission-id>",
		Short: "Show a submission and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sub, err := r.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				docs, err := r.ListDocuments(ctx, sub.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"submission": sub, "documents": docs})
			})
		},
	}
}

func submissionTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <submission-id>",
		Short: "Show the progress timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListProgressEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Stage", "Status", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.CreatedAt, ev.Stage, ev.Status, ev.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func submissionListCmd() *cobra.Command {
	var f repo.SubmissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.ProjectID == "" {
					f.ProjectID = viper.GetString("project")
				}
				subs, err := r.ListSubmissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pathway", "Status", "Citizen", "Created"})
				for _, s := range subs {
					tw.AppendRow(table.Row{s.ID, s.Pathway, s.Status, s.CitizenEmail, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Pathway, "pathway", "", "pathway filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func remindersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Queue reminders for overdue reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				n, err := p.orch.SweepReminders(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("%d reminders queued\n", n)
				return nil
			})
		},
	}
}

// --- queue ---

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and drive the delivery queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueRetryCmd())
	q.AddCommand(queueDrainCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Scheduled", "To"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status,
						fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries), j.ScheduledFor, j.Payload.To})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.JobType, "type", "", "job type filter")
	cmd.Flags().StringVar(&f.SubmissionID, "submission", "", "submission filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reopen a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				if err := p.queue.RetryDead(ctx, args[0]); err != nil {
					return err
				}
				job, err := p.repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func queueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				n, err := p.worker.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d jobs processed\n", n)
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run the queue worker"}
	var interval time.Duration
	run := &cobra.Command{
		Use:   "run",
		Short: "Drain the queue on a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				if interval > 0 {
					p.worker.Config.Interval = interval
				}
				fmt.Printf("worker running, interval %s\n", p.worker.Config.Interval)
				p.worker.Run(ctx)
				return nil
			})
		},
	}
	run.Flags().DurationVar(&interval, "interval", 0, "polling interval (default from config)")
	w.AddCommand(run)
	return w
}

func staleCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Report submissions with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tracker := progress.New(r.DB)
				subs, err := tracker.FindStale(cmd.Context(), minutes)
				if err != nil {
					return err
				}
				return printJSONOrTable(subs)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 60, "inactivity threshold")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key created (store it now, it is not retrievable):\n%s\n", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	ak.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	ak.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("REDRESS_JWT_SECRET"), Logger: p.log}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("REDRESS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Orchestrator: p.orch,
					Queue:        p.queue,
					Worker:       p.worker,
					Progress:     p.orch.Progress,
					Breakers:     p.registry,
					Repo:         p.repo,
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				if withWorker {
					go p.worker.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Redress API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "run the queue worker alongside the server")
	return cmd
}

// --- composition ---

// pipeline is the process's dependency root: one registry, one executor,
// the collaborator clients and the orchestrator wired over one DB handle.
type pipeline struct {
	conn      *sql.DB
	repo      repo.Repo
	projectID string
	cfg       *config.Config
	registry  *resilience.Registry
	queue     *queue.Queue
	worker    *queue.Worker
	orch      *orchestrator.Orchestrator
	log       *slog.Logger
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withPipeline(ctx context.Context, fn func(context.Context, *pipeline) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	p, err := buildPipeline(conn, projectID, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func buildPipeline(conn *sql.DB, projectID string, cfg *config.Config) (*pipeline, error) {
	logger := observability.NewLogger()
	registry := resilience.NewRegistry()
	executor := resilience.NewExecutor(registry)

	mailer := &mail.Client{
		BaseURL: viper.GetString("mail-url"),
		APIKey:  viper.GetString("mail-api-key"),
	}
	docs := &docgen.Client{
		BaseURL: viper.GetString("docgen-url"),
		APIKey:  viper.GetString("docgen-api-key"),
	}

	var providers []textgen.Provider
	for _, name := range cfg.Providers.Order {
		baseURL := viper.GetString("provider-" + name + "-url")
		if baseURL == "" {
			continue
		}
		providers = append(providers, &textgen.HTTPProvider{
			ProviderName: name,
			BaseURL:      baseURL,
			APIKey:       viper.GetString("provider-" + name + "-key"),
			Model:        viper.GetString("provider-" + name + "-model"),
		})
	}

	q := queue.New(conn)
	if cfg.Queue.MaxRetries > 0 {
		q.MaxRetries = cfg.Queue.MaxRetries
	}
	worker := &queue.Worker{
		Queue:    q,
		Mailer:   mailer,
		Executor: executor,
		Events:   events.Writer{DB: conn},
		Logger:   logger,
		Config: queue.WorkerConfig{
			BatchSize:   cfg.Queue.BatchSize,
			BackoffBase: time.Duration(cfg.Queue.BackoffBaseMin) * time.Minute,
		},
	}
	orch := orchestrator.New(conn, q, executor)
	orch.Docs = docs
	orch.Templates = docs
	orch.Text = textgen.Chain{Providers: providers}
	orch.Logger = logger

	return &pipeline{
		conn:      conn,
		repo:      repo.Repo{DB: conn},
		projectID: projectID,
		cfg:       cfg,
		registry:  registry,
		queue:     q,
		worker:    worker,
		orch:      orch,
		log:       logger,
	}, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
