// Package main is the promptloom CLI: the ingestion server plus database
// migration and sweep utilities.
//
// Start the server:
//
//	promptloom serve --config promptloom.yaml
//
// Manage the database schema:
//
//	promptloom migrate up
//	promptloom migrate status
//
// Trigger one grouping sweep without waiting for the schedule:
//
//	promptloom sweep
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/promptloom/promptloom/config"
	"github.com/promptloom/promptloom/grading"
	"github.com/promptloom/promptloom/grouping"
	"github.com/promptloom/promptloom/ingest"
	"github.com/promptloom/promptloom/internal/logging"
	"github.com/promptloom/promptloom/internal/metrics"
	"github.com/promptloom/promptloom/internal/telemetry"
	"github.com/promptloom/promptloom/naming"
	"github.com/promptloom/promptloom/parser"
	"github.com/promptloom/promptloom/server"
	"github.com/promptloom/promptloom/store"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "promptloom",
		Short:        "PromptLoom trace ingestion and grouping server",
		Long:         "PromptLoom ingests LLM call traces, groups them into prompt templates, and auto-grades matched traces.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSweepCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("promptloom %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion and grouping server",
		Long: `Start the HTTP API, the grouping worker, the scheduled sweeper, and the
grading dispatcher. Shuts down gracefully on SIGINT or SIGTERM: the HTTP
listener drains first, then the grouping queue, then in-flight grading.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (environment overrides it)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// The worker gets its own connection pool so long grouping queries
	// cannot starve request handlers. The memory store is shared state and
	// cannot be split.
	workerStore := st
	if cfg.DatabaseURL != "" {
		ws, err := store.NewPostgres(cfg.DatabaseURL, nil)
		if err != nil {
			return fmt.Errorf("open postgres for worker: %w", err)
		}
		defer func() { _ = ws.Close() }()
		workerStore = ws
	}

	m := metrics.New()
	queue := grouping.NewQueue(cfg.QueueCapacity)

	backends := grading.Backends(ctx, cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, cfg.GoogleAPIKey, log)
	runner := grading.NewLLMRunner(backends, grading.RunnerConfig{
		RateLimit: rate.Limit(cfg.GradingRateLimit),
		Burst:     cfg.GradingBurst,
		Timeout:   cfg.GradingTimeout(),
	}, log)
	dispatcher := grading.NewDispatcher(st, runner,
		grading.WithLogger(log),
		grading.WithMetrics(m),
	)

	svc := ingest.NewService(st, queue, parser.Default(),
		ingest.WithLogger(log),
		ingest.WithMetrics(m),
		ingest.WithDispatcher(dispatcher),
	)

	workerOpts := []grouping.WorkerOption{
		grouping.WithLogger(log),
		grouping.WithMetrics(m),
	}
	if model, err := naming.NewModel(ctx, cfg.NamingModel); err != nil {
		log.Warn("task naming disabled", zap.String("model", cfg.NamingModel), zap.Error(err))
	} else {
		workerOpts = append(workerOpts, grouping.WithNamer(naming.NewLLMNamer(model, cfg.NamingTimeout(), log)))
	}
	worker := grouping.NewWorker(workerStore, queue, grouping.WorkerConfig{
		MinClusterSize:         cfg.MinClusterSize,
		MinMatchingTraces:      cfg.MinMatchingTraces,
		MinSegmentWords:        cfg.MinSegmentWords,
		DefaultMaxOutputTokens: cfg.DefaultMaxOutputTokens,
		PollTimeout:            cfg.WorkerPollTimeout(),
		NamingTimeout:          cfg.NamingTimeout(),
	}, workerOpts...)

	sweeper := grouping.NewSweeper(workerStore, queue, cfg.MinClusterSize, log)
	if cfg.SweepSchedule != "" {
		if err := sweeper.Start(cfg.SweepSchedule); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(st, svc,
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithEvaluationPercentage(cfg.TraceEvaluationPercentage),
	)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The worker drains the closed queue during shutdown, so it runs on its
	// own context and is only hard-canceled when the drain deadline passes.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("grouping worker: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.WorkerShutdownTimeout())
		defer cancel()
		if err := httpSrv.Shutdown(drainCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		sweeper.Stop()
		queue.Close()
		go func() {
			<-drainCtx.Done()
			stopWorker()
		}()
		return nil
	})

	err = group.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.WorkerShutdownTimeout())
	defer cancel()
	if werr := dispatcher.Wait(waitCtx); werr != nil {
		log.Warn("grading jobs abandoned at shutdown", zap.Error(werr))
	}
	if terr := shutdownTracing(context.Background()); terr != nil {
		log.Warn("trace exporter shutdown", zap.Error(terr))
	}
	log.Info("promptloom stopped")
	return err
}

func openStore(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("no database_url configured, using in-memory store")
		return store.NewMemory(), nil
	}
	st, err := store.NewPostgres(cfg.DatabaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	log.Info("using postgres store")
	return st, nil
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migration commands",
	}
	cmd.AddCommand(
		buildMigrateUpCmd(),
		buildMigrateDownCmd(),
		buildMigrateStatusCmd(),
	)
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), configPath, func(ctx context.Context, m *store.Migrator) error {
				applied, err := m.Up(ctx, steps)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("no pending migrations")
					return nil
				}
				for _, id := range applied {
					fmt.Println("applied", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), configPath, func(ctx context.Context, m *store.Migrator) error {
				reverted, err := m.Down(ctx, steps)
				if err != nil {
					return err
				}
				for _, id := range reverted {
					fmt.Println("reverted", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), configPath, func(ctx context.Context, m *store.Migrator) error {
				applied, pending, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, a := range applied {
					fmt.Printf("applied  %s  %s\n", a.ID, a.AppliedAt.UTC().Format(time.RFC3339))
				}
				for _, p := range pending {
					fmt.Printf("pending  %s\n", p.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func withMigrator(ctx context.Context, configPath string, fn func(context.Context, *store.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database_url is required for migrations")
	}
	st, err := store.NewPostgres(cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = st.Close() }()

	m, err := store.NewMigrator(st.DB())
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

// buildSweepCmd runs one sweep pass synchronously: it enqueues every
// qualifying unmatched scope and processes the queue to completion.
func buildSweepCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one grouping pass over unmatched traces and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func runSweep(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database_url is required for a sweep")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := store.NewPostgres(cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = st.Close() }()

	queue := grouping.NewQueue(cfg.QueueCapacity)
	workerOpts := []grouping.WorkerOption{grouping.WithLogger(log)}
	if model, err := naming.NewModel(ctx, cfg.NamingModel); err != nil {
		log.Warn("task naming disabled", zap.String("model", cfg.NamingModel), zap.Error(err))
	} else {
		workerOpts = append(workerOpts, grouping.WithNamer(naming.NewLLMNamer(model, cfg.NamingTimeout(), log)))
	}
	worker := grouping.NewWorker(st, queue, grouping.WorkerConfig{
		MinClusterSize:         cfg.MinClusterSize,
		MinMatchingTraces:      cfg.MinMatchingTraces,
		MinSegmentWords:        cfg.MinSegmentWords,
		DefaultMaxOutputTokens: cfg.DefaultMaxOutputTokens,
		PollTimeout:            cfg.WorkerPollTimeout(),
		NamingTimeout:          cfg.NamingTimeout(),
	}, workerOpts...)

	sweeper := grouping.NewSweeper(st, queue, cfg.MinClusterSize, log)
	enqueued, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	queue.Close()
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Printf("swept %d scopes\n", enqueued)
	return nil
}
