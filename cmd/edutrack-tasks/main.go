// Command edutrack-tasks is the background task service binary.
//
// Subcommands:
//
//	serve    — HTTP API + embedded worker pool (default for production)
//	worker   — standalone worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/naga-ruthvik/edutrack-tasks/internal/api"
	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/config"
	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
	"github.com/naga-ruthvik/edutrack-tasks/internal/queue"
	"github.com/naga-ruthvik/edutrack-tasks/internal/store"
	"github.com/naga-ruthvik/edutrack-tasks/internal/task"
	"github.com/naga-ruthvik/edutrack-tasks/internal/worker"
	"github.com/naga-ruthvik/edutrack-tasks/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "edutrack-tasks",
		Short: "EduTrack Tasks — asynchronous background job processing",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	b, err := newBroker(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Close() //nolint:errcheck

	registry, err := newRegistry(cfg, st)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// Embedded worker pool. Runs until ctx is cancelled, at which point
	// in-flight jobs complete and the goroutines exit.
	pool := worker.New(b, st, registry, worker.Config{
		Workers:         cfg.Workers,
		PollInterval:    cfg.PollInterval,
		RecoverInterval: cfg.RecoverInterval,
		HandlerTimeout:  cfg.HandlerTimeout,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
	})
	go pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	producer := queue.New(b, st, map[job.Kind]int{
		job.KindVerifyDocument:    cfg.MaxAttemptsVerify,
		job.KindScrapeEligibility: cfg.MaxAttemptsScrape,
		job.KindSendEmail:         cfg.MaxAttemptsEmail,
	})

	handler := api.NewServer(producer, db, b).Handler()

	// Explicit timeouts to prevent Slowloris attacks. WriteTimeout omitted:
	// applied per-handler where needed.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr, "broker", cfg.BrokerDriver)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	b, err := newBroker(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Close() //nolint:errcheck

	registry, err := newRegistry(cfg, st)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	pool := worker.New(b, st, registry, worker.Config{
		Workers:         cfg.Workers,
		PollInterval:    cfg.PollInterval,
		RecoverInterval: cfg.RecoverInterval,
		HandlerTimeout:  cfg.HandlerTimeout,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
	})

	slog.Info("worker started", "broker", cfg.BrokerDriver)
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
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

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newBroker constructs the broker channel named by BROKER_DRIVER. Both
// drivers share the lease timeout; the consumer name distinguishes this
// process in the channel's bookkeeping.
func newBroker(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (broker.Broker, error) {
	consumer := "edutrack-" + uuid.New().String()

	switch cfg.BrokerDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unavailable at %s: %w", cfg.RedisAddr, err)
		}
		return broker.NewRedis(ctx, client, consumer, cfg.LeaseTimeout)
	case "postgres":
		return broker.NewPostgres(db, consumer, cfg.LeaseTimeout), nil
	default:
		return nil, fmt.Errorf("unknown BROKER_DRIVER %q (want redis or postgres)", cfg.BrokerDriver)
	}
}

// newRegistry wires the three production handlers.
func newRegistry(cfg *config.Config, st *store.Store) (*task.Registry, error) {
	registry := task.NewRegistry()

	verifier := task.NewVerifier(
		&http.Client{Timeout: 60 * time.Second}, // inference calls are slow
		task.VerifierConfig{
			Endpoint:          cfg.VerifyEndpoint,
			APIKey:            cfg.VerifyAPIKey,
			RequestsPerMinute: cfg.VerifyRequestsPerMinute,
		},
	)
	if err := registry.Register(job.KindVerifyDocument, verifier); err != nil {
		return nil, err
	}

	scrapeClient, err := task.BuildSafeClient()
	if err != nil {
		return nil, fmt.Errorf("build scrape client: %w", err)
	}
	scraper := task.NewScraper(scrapeClient, cfg.ScrapeRequestsPerMinute)
	if err := registry.Register(job.KindScrapeEligibility, scraper); err != nil {
		return nil, err
	}

	mailer := task.NewMailer(task.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, st)
	if err := registry.Register(job.KindSendEmail, mailer); err != nil {
		return nil, err
	}

	return registry, nil
}

// newPool creates and validates a pgxpool. Retries up to 10 times with
// linear backoff to handle the Docker Compose startup race where Postgres is
// not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
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

	return db, nil
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
