// Command couchers-jobs runs the background job system.
//
// Subcommands:
//
//	serve        admin HTTP server + worker pool + scheduler (single-node deployments)
//	worker       worker pool only; run as many as needed
//	scheduler    scheduler only; run exactly one
//	migrate      run pending database migrations and exit
//	enqueue      enqueue one job from the command line
//	gen-api-key  print a new admin API key and the hash to configure
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so cron schedules resolve local time
	// inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thevivek0408/couchsurfing/internal/api"
	"github.com/thevivek0408/couchsurfing/internal/auth"
	"github.com/thevivek0408/couchsurfing/internal/config"
	"github.com/thevivek0408/couchsurfing/internal/handlers"
	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/metrics"
	"github.com/thevivek0408/couchsurfing/internal/notify"
	"github.com/thevivek0408/couchsurfing/internal/scheduler"
	"github.com/thevivek0408/couchsurfing/internal/store"
	"github.com/thevivek0408/couchsurfing/internal/supervise"
	"github.com/thevivek0408/couchsurfing/internal/worker"
	"github.com/thevivek0408/couchsurfing/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "couchers-jobs",
		Short: "Couchers background job queue: worker, scheduler and admin API",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		schedulerCmd(),
		migrateCmd(),
		enqueueCmd(),
		genAPIKeyCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every long-running subcommand.
type app struct {
	cfg      *config.Config
	db       *pgxpool.Pool
	store    *store.Store
	registry *jobs.Registry
	enqueuer *jobs.Enqueuer
	prom     *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	st := store.New(db)

	registry, err := jobs.NewRegistry(
		jobs.Defaults{MaxTries: cfg.JobDefaultMaxTries, Priority: &cfg.JobDefaultPriority},
		handlers.Definitions(handlers.Deps{
			SMTP: notify.SmtpConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				From:     cfg.SMTPFrom,
				FromName: cfg.SMTPFromName,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				TLS:      cfg.SMTPTLS,
			},
			HTTPClient:     notify.BuildSafeClient(cfg.WebhookTimeout),
			WebhookSecrets: notify.WebhookSecrets{
				Primary:   cfg.WebhookSigningSecret,
				Secondary: cfg.WebhookSigningSecretSecondary,
			},
			Purger:    st,
			Retention: cfg.JobRetention,
			BatchSize: cfg.JobPurgeBatchSize,
		})...,
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(prom)
	metrics.RegisterReadyGauge(prom, st.CountReady)

	return &app{
		cfg:      cfg,
		db:       db,
		store:    st,
		registry: registry,
		enqueuer: jobs.NewEnqueuer(st, registry),
		prom:     prom,
		metrics:  m,
	}, nil
}

func (a *app) close() { a.db.Close() }

func (a *app) pool() *worker.Pool {
	return worker.New(a.store, a.registry, a.metrics, worker.Options{
		Concurrency:  a.cfg.WorkerConcurrency,
		PollInterval: a.cfg.WorkerPollInterval,
		Lease:        a.cfg.JobClaimLease,
		Backoff:      jobs.Backoff{Base: a.cfg.JobBackoffBase},
		Debug:        a.cfg.JobDebug,
	})
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.registry, a.enqueuer, scheduler.RealClock(), a.metrics)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP server, worker pool and scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	apiSrv := api.NewServer(a.store, a.enqueuer, a.prom, api.Options{
		APIKeyHash:        a.cfg.AdminAPIKeyHash,
		RateLimit:         rate.Limit(a.cfg.AdminRateLimit),
		RateBurst:         a.cfg.AdminRateBurst,
		RateLimitEvictTTL: a.cfg.RateLimitEvictTTL,
	})
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout left to handlers
		Addr:              a.cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervise.Forever(gctx, "worker", a.cfg.JobRestartCooloff, a.pool().Run)
	})
	g.Go(func() error {
		return supervise.Forever(gctx, "scheduler", a.cfg.JobRestartCooloff, a.scheduler().Run)
	})
	g.Go(func() error {
		slog.Info("server started", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout_seconds", a.cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // fresh ctx: gctx is already done
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server, no scheduler)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	slog.Info("worker started", "concurrency", a.cfg.WorkerConcurrency, "job_types", a.registry.Types())
	// Blocks until ctx cancelled, then drains in-flight jobs.
	return supervise.Forever(ctx, "worker", a.cfg.JobRestartCooloff, a.pool().Run)
}

// ── scheduler ─────────────────────────────────────────────────────────────────

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Start the job scheduler; run exactly one per deployment",
		RunE:  runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	return supervise.Forever(ctx, "scheduler", a.cfg.JobRestartCooloff, a.scheduler().Run)
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		maxTries int
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job_type> [payload_json]",
		Short: "Enqueue one job and print its id",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON: %s", args[1])
				}
				payload = json.RawMessage(args[1])
			}
			var opts []jobs.EnqueueOption
			if cmd.Flags().Changed("max-tries") {
				opts = append(opts, jobs.MaxTries(maxTries))
			}
			if cmd.Flags().Changed("priority") {
				opts = append(opts, jobs.Priority(priority))
			}

			id, err := a.enqueuer.EnqueueNow(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			slog.Info("job enqueued", "job_id", id, "job_type", args[0])
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTries, "max-tries", 0, "override the job type's attempt budget")
	cmd.Flags().IntVar(&priority, "priority", 0, "override the job type's priority")
	return cmd
}

// ── gen-api-key ───────────────────────────────────────────────────────────────

func genAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-api-key",
		Short: "Generate an admin API key; set ADMIN_API_KEY_HASH to the printed hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawKey, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", rawKey, hash)
			return nil
		},
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	version, err := migrations.Up(migrateURL)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	// Every worker goroutine holds at most one connection at a time, plus the
	// sweeper, the scheduler and the admin API.
	poolCfg.MaxConns = max(cfg.DBMaxConns, int32(cfg.WorkerConcurrency)+3) //nolint:gosec // small config value
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	if err := checkSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// checkSchema refuses to run against a database whose migrations are behind
// this binary or were left dirty by a failed run. A newer schema only warns,
// so old workers keep draining during a rolling deploy.
func checkSchema(ctx context.Context, db *pgxpool.Pool) error {
	var (
		version int
		dirty   bool
	)
	err := db.QueryRow(ctx,
		"SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&version, &dirty)
	if err != nil {
		return fmt.Errorf("read schema version (run `couchers-jobs migrate`): %w", err)
	}
	switch {
	case dirty:
		return fmt.Errorf("schema version %d is dirty; fix the failed migration first", version)
	case version < migrations.Version:
		return fmt.Errorf("schema version %d is behind %d; run `couchers-jobs migrate`", version, migrations.Version)
	case version > migrations.Version:
		slog.Warn("schema is newer than this binary",
			"applied_version", version,
			"expected_version", migrations.Version,
		)
	}
	return nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
