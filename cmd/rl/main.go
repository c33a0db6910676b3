package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"researchline/internal/app"
	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/db"
	"researchline/internal/domain"
	"researchline/internal/logger"
	"researchline/internal/orchestrator"
	"researchline/internal/planner"
	"researchline/internal/repo"
	"researchline/internal/schedule"
	"researchline/internal/server"
	"researchline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Researchline CLI",
	Long: `Researchline screens a ticker universe through a staged LLM research funnel.
- Run: one pass over a set of tickers with a budget and per-stage planner settings.
- Stages: triage (stage1) -> medium (stage2) -> deep (stage3); only survivors advance.
- Focus: follow-up questions about one ticker of a run.
- Orchestrate: drive stage batches in cycles until nothing is left, the budget is hit or the run is stopped.
- Schedules: cadence-driven orchestration, fired by 'rl dispatch' or POST /schedules/dispatch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("db") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RESEARCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/researchline.yml)")
	rootCmd.PersistentFlags().String("db", "", "database file (default <workspace>/.researchline/researchline.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	for _, name := range []string{"workspace", "config", "db", "json", "actor-id"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(focusCmd())
	rootCmd.AddCommand(universeCmd())
	rootCmd.AddCommand(authCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default researchline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("RESEARCHLINE_JWT_SECRET"), Logger: a.Log}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("RESEARCHLINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving researchline api",
					logger.String("addr", addr),
					logger.String("base_path", basePath))
				fmt.Printf("Serving Researchline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func runCmd() *cobra.Command {
	rc := &cobra.Command{Use: "run", Short: "Manage runs"}
	rc.AddCommand(runCreateCmd())
	rc.AddCommand(runListCmd())
	rc.AddCommand(runStatusCmd())
	rc.AddCommand(runStopCmd(true))
	rc.AddCommand(runStopCmd(false))
	rc.AddCommand(runRequeueCmd())
	rc.AddCommand(runEventsCmd())
	return rc
}

func runCreateCmd() *cobra.Command {
	var (
		tickers      []string
		universeSize int
		budget       float64
		models       []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run from tickers or the first N universe tickers",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := planner.CreateRunInput{
				Tickers:      append(tickers, args...),
				UniverseSize: universeSize,
				BudgetUSD:    budget,
			}
			for _, m := range models {
				stageName, model, ok := strings.Cut(m, "=")
				if !ok {
					return fmt.Errorf("--model expects stage=model, got %q", m)
				}
				s, err := domain.ParseStage(stageName)
				if err != nil {
					return err
				}
				if in.Planner.Stages == nil {
					in.Planner.Stages = map[string]domain.StagePlan{}
				}
				plan := in.Planner.Stages[s.String()]
				plan.Model = model
				in.Planner.Stages[s.String()] = plan
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Planner.CreateRun(ctx, caps(), in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("run %s: %d items, estimated $%.4f\n", res.RunID, res.TotalItems, res.EstimatedCostUSD)
				tw := newTable()
				tw.AppendHeader(table.Row{"Stage", "Model"})
				for _, s := range domain.Stages {
					tw.AppendRow(table.Row{s.String(), res.Models[s.String()]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&tickers, "ticker", nil, "ticker (repeatable, or pass as args)")
	cmd.Flags().IntVar(&universeSize, "universe", 0, "take the first N universe tickers when no tickers are given")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget in USD (0 = unlimited)")
	cmd.Flags().StringSliceVar(&models, "model", nil, "stage=model override (repeatable)")
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Stop", "Budget", "Estimate", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.StopRequested, usd(r.BudgetUSD), usd(r.EstimatedCostUSD), r.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func runStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run metrics and spend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Planner.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("run %s [%s] stop=%v spend=%s budget=%s\n",
					st.Run.ID, st.Run.Status, st.Run.StopRequested, usd(st.TotalSpendUSD), usd(st.Run.BudgetUSD))
				printMetrics(st.Metrics, st.SpendByStage)
				return nil
			})
		},
	}
}

func runStopCmd(stop bool) *cobra.Command {
	use, short := "stop <run-id>", "Request the run to halt"
	if !stop {
		use, short = "resume <run-id>", "Clear the stop flag"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Planner.SetStop(ctx, caps(), args[0], stop)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("run %s [%s] stop=%v\n", run.ID, run.Status, run.StopRequested)
				return nil
			})
		},
	}
}

func runRequeueCmd() *cobra.Command {
	var stageName string
	cmd := &cobra.Command{
		Use:   "requeue <run-id>",
		Short: "Return failed items of a stage to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(stageName)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Planner.Requeue(ctx, caps(), args[0], s)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d %s items\n", n, s)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "triage", "stage (triage, medium, deep)")
	return cmd
}

func runEventsCmd() *cobra.Command {
	var (
		cursor int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Tail the run journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Events.List(ctx, args[0], cursor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Stage", "Ticker", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.Stage, e.Ticker, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&limit, "n", 50, "number of events")
	return cmd
}

func stageCmd() *cobra.Command {
	sc := &cobra.Command{Use: "stage", Short: "Run stage consumers"}
	var (
		runID string
		limit int
	)
	consume := &cobra.Command{
		Use:   "consume <triage|medium|deep|focus>",
		Short: "Process one batch of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Consumers[s].Consume(ctx, caps(), stage.Request{RunID: runID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				tw := newTable()
				tw.AppendHeader(table.Row{"Ticker", "Status", "Cache", "Cost", "Summary"})
				for _, it := range res.Items {
					tw.AppendRow(table.Row{it.Ticker, it.Status, it.CacheHit, usd(it.CostUSD), truncate(it.Summary, 60)})
				}
				tw.Render()
				printMetrics([]domain.StageMetrics{res.Metrics}, nil)
				return nil
			})
		},
	}
	consume.Flags().StringVar(&runID, "run", "", "run id (default: latest active run)")
	consume.Flags().IntVar(&limit, "limit", 0, "batch size (default from config)")
	sc.AddCommand(consume)
	return sc
}

func orchestrateCmd() *cobra.Command {
	var (
		req    orchestrator.Request
		limits []string
	)
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run orchestrator cycles against a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLimits(limits)
			if err != nil {
				return err
			}
			req.Limits = l
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Run(ctx, caps(), req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("run %s [%s] cycles=%d spend=%s budget=%s\n",
					res.RunID, res.Status, len(res.Cycles), usd(res.TotalSpendUSD), usd(res.BudgetUSD))
				if res.Message != "" {
					fmt.Println(res.Message)
				}
				printMetrics(res.Metrics, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run", "", "run id (default: latest active run)")
	cmd.Flags().IntVar(&req.Cycles, "cycles", 0, "cycles (default from config, max 10)")
	cmd.Flags().StringSliceVar(&limits, "limit", nil, "stage=limit per-cycle batch size (repeatable)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Manage run schedules"}
	var (
		in     schedule.Input
		limits []string
	)
	put := &cobra.Command{
		Use:   "put <run-id>",
		Short: "Create or replace the schedule of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLimits(limits)
			if err != nil {
				return err
			}
			in.Limits = l
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Schedules.Put(ctx, caps(), args[0], in)
				if err != nil {
					return err
				}
				return printSchedule(view)
			})
		},
	}
	put.Flags().IntVar(&in.CadenceSeconds, "cadence", 3600, "cadence in seconds (0 disables)")
	put.Flags().IntVar(&in.MaxCycles, "max-cycles", 0, "cycles per trigger")
	put.Flags().BoolVar(&in.Active, "active", true, "schedule active")
	put.Flags().StringSliceVar(&limits, "limit", nil, "stage=limit per-cycle batch size (repeatable)")
	sc.AddCommand(put)

	sc.AddCommand(&cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Schedules.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printSchedule(view)
			})
		},
	})
	return sc
}

func dispatchCmd() *cobra.Command {
	var req schedule.DispatchRequest
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Trigger every due schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Schedules.Dispatch(ctx, caps(), req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Run", "Outcome", "Detail"})
				for _, tr := range res.Triggered {
					outcome, detail := "triggered", tr.Message
					if !tr.OK {
						outcome, detail = "error", tr.Error
					}
					if res.DryRun {
						outcome = "would trigger"
					}
					tw.AppendRow(table.Row{tr.RunID, outcome, detail})
				}
				for _, sk := range res.Skipped {
					tw.AppendRow(table.Row{sk.RunID, "skipped", sk.Reason})
				}
				tw.Render()
				if res.RemainingDue > 0 {
					fmt.Printf("%d due schedules left for the next dispatch\n", res.RemainingDue)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max schedules to trigger (default from config, max 50)")
	cmd.Flags().StringSliceVar(&req.RunIDs, "run", nil, "only these run ids")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report without triggering")
	return cmd
}

func focusCmd() *cobra.Command {
	fc := &cobra.Command{Use: "focus", Short: "Follow-up questions about a ticker"}
	var in planner.FocusInput
	ask := &cobra.Command{
		Use:   "ask <run-id>",
		Short: "Queue a focus question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Planner.CreateFocusRequest(ctx, caps(), args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				fmt.Printf("focus %s queued for %s: %s\n", f.ID, f.Ticker, f.Question)
				return nil
			})
		},
	}
	ask.Flags().StringVar(&in.Ticker, "ticker", "", "ticker")
	ask.Flags().StringVar(&in.Question, "question", "", "free-form question")
	ask.Flags().StringVar(&in.TemplateID, "template", "", "question template id from config")
	fc.AddCommand(ask)

	fc.AddCommand(&cobra.Command{
		Use:   "list <run-id>",
		Short: "List focus requests of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reqs, err := a.Repo.ListFocus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Ticker", "Status", "Question", "Answer"})
				for _, f := range reqs {
					tw.AppendRow(table.Row{f.ID, f.Ticker, f.Status, truncate(f.Question, 40), truncate(f.AnswerText, 60)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return fc
}

func universeCmd() *cobra.Command {
	uc := &cobra.Command{Use: "universe", Short: "Manage the ticker universe"}
	uc.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert universe entries from a YAML or JSON list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entries []domain.UniverseEntry
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				seen := map[string]bool{}
				for _, e := range entries {
					e.Ticker = strings.ToUpper(strings.TrimSpace(e.Ticker))
					if e.Ticker == "" || seen[e.Ticker] {
						continue
					}
					seen[e.Ticker] = true
					if err := a.Repo.UpsertUniverse(ctx, tx, e); err != nil {
						return fmt.Errorf("upsert %s: %w", e.Ticker, err)
					}
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("imported %d tickers\n", len(seen))
				return nil
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List universe tickers in run order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				total, err := a.Repo.CountUniverse(ctx)
				if err != nil {
					return err
				}
				tickers, err := a.Repo.UniverseTickers(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"total": total, "tickers": tickers})
				}
				fmt.Printf("%d tickers\n", total)
				fmt.Println(strings.Join(tickers, " "))
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max tickers")
	uc.AddCommand(list)
	return uc
}

func authCmd() *cobra.Command {
	ac := &cobra.Command{Use: "auth", Short: "Credentials and access"}

	var (
		roles []string
		ttl   time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id with RESEARCHLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(os.Getenv("RESEARCHLINE_JWT_SECRET"), viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	tokenCmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable, e.g. admin)")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	ac.AddCommand(tokenCmd)

	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var (
		name       string
		automation bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := domain.APIKey{
					ID:         uuid.NewString(),
					ActorID:    viper.GetString("actor-id"),
					Name:       name,
					KeyHash:    repo.HashAPIKey(secret),
					Automation: automation,
					CreatedAt:  time.Now().UTC(),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "automation": automation, "key": secret})
				}
				fmt.Printf("api key %s for %s (automation=%v)\n%s\n", key.ID, key.ActorID, automation, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().BoolVar(&automation, "automation", false, "allow schedule dispatch")
	apikey.AddCommand(create)
	apikey.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Automation", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.Automation, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	apikey.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	ac.AddCommand(apikey)

	admin := &cobra.Command{
		Use:   "admin <grant|revoke> <actor-id>",
		Short: "Grant or revoke admin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				switch args[0] {
				case "grant":
					return a.Repo.AddAdmin(ctx, args[1], time.Now().UTC())
				case "revoke":
					return a.Repo.RemoveAdmin(ctx, args[1])
				default:
					return fmt.Errorf("unknown action %q", args[0])
				}
			})
		},
	}
	ac.AddCommand(admin)

	var (
		plan, status string
		expires      time.Duration
	)
	member := &cobra.Command{
		Use:   "membership <actor-id>",
		Short: "Set the membership that lets a non-admin spend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			m := domain.Membership{ActorID: args[0], Plan: plan, Status: status, CreatedAt: now, UpdatedAt: now}
			if expires > 0 {
				exp := now.Add(expires)
				m.ExpiresAt = &exp
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.UpsertMembership(ctx, m)
			})
		},
	}
	member.Flags().StringVar(&plan, "plan", "standard", "plan name")
	member.Flags().StringVar(&status, "status", "active", "active, canceled or past_due")
	member.Flags().DurationVar(&expires, "expires-in", 0, "expiry from now (0 = never)")
	ac.AddCommand(member)
	return ac
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBPath:     viper.GetString("db"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// caps is the local operator. The CLI talks to the database directly, so it
// runs with full capabilities.
func caps() auth.Capabilities {
	return auth.System(viper.GetString("actor-id"))
}

func parseLimits(pairs []string) (domain.StageLimits, error) {
	var l domain.StageLimits
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok {
			return l, fmt.Errorf("--limit expects stage=n, got %q", p)
		}
		s, err := domain.ParseStage(name)
		if err != nil {
			return l, err
		}
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 0 {
			return l, fmt.Errorf("invalid limit %q", raw)
		}
		switch s {
		case domain.StageTriage:
			l.Stage1 = n
		case domain.StageMedium:
			l.Stage2 = n
		case domain.StageDeep:
			l.Stage3 = n
		case domain.StageFocus:
			l.Focus = n
		}
	}
	return l, nil
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rl_" + hex.EncodeToString(buf), nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printMetrics(ms []domain.StageMetrics, spend map[string]float64) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Stage", "Total", "Pending", "In progress", "Completed", "Failed", "Spend"})
	for _, m := range ms {
		tw.AppendRow(table.Row{m.Stage, m.Total, m.Pending, m.InProgress, m.Completed, m.Failed, usd(spend[m.Stage])})
	}
	tw.Render()
}

func printSchedule(v schedule.View) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	next := "-"
	if v.NextTriggerAt != nil {
		next = v.NextTriggerAt.Format(time.RFC3339)
	}
	fmt.Printf("schedule %s every %ds active=%v next=%s\n", v.RunID, v.CadenceSeconds, v.Active, next)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usd(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
