package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopline/internal/agent"
	"loopline/internal/config"
	"loopline/internal/db"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/livelog"
	"loopline/internal/loop"
	"loopline/internal/sched"
	"loopline/internal/server"
	"loopline/internal/validator"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Loopline CLI",
	Long: `Loopline orchestrates sessions of an external coding agent over a prioritized
task backlog. State lives in the .loopline workspace directory: tasks, the
session checkpoint and its archive, the operator message queue, and per-session
logs. Sessions survive crashes; restart and the loop resumes the task it was on.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("LOOPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(thinkCmd())
	rootCmd.AddCommand(thoughtsCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkpointsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage the task backlog",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskReorderCmd())
	task.AddCommand(taskRequeueCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task at the lowest priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTask(ctx, args[0], description)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderTaskTable(items)
				return nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id> [id...]",
		Short: "Reorder tasks; list every task id in the new order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Reorder(ctx, args); err != nil {
					return err
				}
				items, err := e.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderTaskTable(items)
				return nil
			})
		},
	}
}

func taskRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a failed task back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func thinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "think <text>",
		Short: "Capture a thought for later transformation into tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				th, err := e.AddThought(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(th)
			})
		},
	}
}

func thoughtsCmd() *cobra.Command {
	thoughts := &cobra.Command{
		Use:   "thoughts",
		Short: "Manage captured thoughts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListThoughts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	thoughts.AddCommand(thoughtsTransformCmd())
	thoughts.AddCommand(thoughtsClearCmd())
	return thoughts
}

func thoughtsTransformCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transform <title> [title...]",
		Short: "Turn thoughts into tasks; one task per title, then clear thoughts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var created []domain.Task
				for _, title := range args {
					t, err := e.AddTask(ctx, title, "")
					if err != nil {
						return err
					}
					created = append(created, t)
				}
				if err := e.ClearThoughts(ctx); err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
}

func thoughtsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard all thoughts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ClearThoughts(ctx)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue <text>",
		Short: "Queue an operator message for the running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.EnqueueMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	queue.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Count undelivered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Repo.PendingMessageCount(ctx)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	})
	return queue
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run a session in the foreground",
		Long: `Starts the session loop against the task backlog. Ctrl-C requests a
cooperative stop: the current agent run finishes at its next safe boundary,
validation and reconciliation complete, then the loop exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lp := newLoop(viper.GetString("workspace"), e)
				ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer cancel()
				if err := lp.Start(context.WithoutCancel(ctx)); err != nil {
					return err
				}
				go func() {
					<-ctx.Done()
					lp.Stop()
				}()
				lp.Wait()
				cp, err := e.LoadCheckpoint(context.Background())
				if err != nil {
					return err
				}
				fmt.Printf("session %d finished: %s\n", cp.Session, cp.Status)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.LoadCheckpoint(ctx)
				if err != nil {
					return err
				}
				tasks, err := e.ListTasks(ctx)
				if err != nil {
					return err
				}
				pending, err := e.Repo.PendingMessageCount(ctx)
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, t := range tasks {
					counts[t.Status]++
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"checkpoint":       cp,
						"task_counts":      counts,
						"pending_messages": pending,
					})
				}
				fmt.Printf("Session %d: %s\n", cp.Session, cp.Status)
				if cp.CurrentTaskID != nil {
					fmt.Printf("Current task: %s (cursor %d)\n", *cp.CurrentTaskID, cp.Cursor)
				}
				fmt.Printf("Pending messages: %d\n", pending)
				renderTaskTable(tasks)
				return nil
			})
		},
	}
}

func checkpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the checkpoint archive, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.CheckpointArchive(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run the validator checks against the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			v := validator.New(workspace, cfg.Validator.Checks)
			result := v.Run(cmd.Context())
			if viper.GetBool("json") {
				return printJSON(result)
			}
			for _, chk := range result.Checks {
				mark := "ok"
				if chk.Skipped {
					mark = "skipped"
				} else if !chk.Passed {
					mark = "FAIL"
				}
				fmt.Printf("%-12s %s\n", chk.Name, mark)
			}
			if !result.Passed {
				for _, d := range result.Diagnostics {
					fmt.Println(" ", d)
				}
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	var session, since int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read a session log",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if session == 0 {
				conn, err := db.Open(db.Config{Workspace: workspace})
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := db.Migrate(conn); err != nil {
					return err
				}
				cp, err := engine.New(conn, nil).LoadCheckpoint(cmd.Context())
				if err != nil {
					return err
				}
				session = cp.Session
			}
			entries, err := livelog.ReadFile(db.SessionsDir(workspace), session)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if entry.Seq <= since {
					continue
				}
				if viper.GetBool("json") {
					b, _ := json.Marshal(entry)
					fmt.Println(string(b))
					continue
				}
				fmt.Printf("%4d %-13s %s\n", entry.Seq, entry.Kind, entry.Payload)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&session, "session", 0, "session number (default: latest)")
	cmd.Flags().IntVar(&since, "since", 0, "only entries after this sequence")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			lp := newLoop(workspace, e)
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Loop:     lp,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					APIKey:    cfg.Server.APIKey,
					JWTSecret: cfg.Server.JWTSecret,
				},
			})
			if err != nil {
				return err
			}
			if cfg.Schedule != "" {
				sc, err := sched.New(cfg.Schedule, lp.Start, slog.Default())
				if err != nil {
					return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
				}
				sc.Start()
				defer sc.Stop()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				lp.Stop()
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				srv.Shutdown(shutCtx)
			}()
			fmt.Printf("Serving Loopline API on http://%s%s\n", addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			lp.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// --- helpers ---

func newLoop(workspace string, e engine.Engine) *loop.Loop {
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return &loop.Loop{
		Engine: e,
		Runner: &agent.ProcessRunner{
			Command: cfg.Agent.Command,
			Timeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
			Logger:  logger,
		},
		Checks:      validator.New(workspace, cfg.Validator.Checks),
		Logger:      logger,
		ProjectDir:  workspace,
		SessionsDir: db.SessionsDir(workspace),
		MaxAttempts: cfg.Agent.MaxSessions,
		Delay:       time.Duration(cfg.Agent.DelaySeconds) * time.Second,
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func renderTaskTable(items []domain.Task) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Pri", "ID", "Status", "Title"})
	for _, task := range items {
		t.AppendRow(table.Row{task.Priority, task.ID, task.Status, task.Title})
	}
	t.Render()
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
