// Command admin-control is the admin backend server binary.
//
// Subcommands:
//
//	serve    — HTTP server + embedded worker pool (default for production)
//	worker   — standalone worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
//	purge    — purge terminal jobs past retention and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pallavilagisetti/admin-control-sub000/internal/api"
	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/config"
	"github.com/pallavilagisetti/admin-control-sub000/internal/dispatch"
	"github.com/pallavilagisetti/admin-control-sub000/internal/mail"
	"github.com/pallavilagisetti/admin-control-sub000/internal/metrics"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	pgbroker "github.com/pallavilagisetti/admin-control-sub000/internal/queue/postgres"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
	"github.com/pallavilagisetti/admin-control-sub000/internal/tasks"
	"github.com/pallavilagisetti/admin-control-sub000/internal/worker"
	"github.com/pallavilagisetti/admin-control-sub000/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "admin-control",
		Short: "Admin Control — résumé processing and job-matching backend",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		purgeCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app bundles the wired subsystems shared by serve and worker.
type app struct {
	cfg       *config.Config
	db        *pgxpool.Pool
	broker    queue.Broker
	registry  *queue.Registry
	collector *metrics.Collector
	cache     *cache.Cache
}

// buildApp wires the store, broker, handler catalogue, and registry from
// config. The caller owns db.Close.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	st := store.New(db)
	broker := pgbroker.New(db)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	var c *cache.Cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		c = cache.New(redis.NewClient(redisOpts))
	}

	// One completion per interval keeps bursts off the provider.
	perMinute := cfg.LLMCallsPerMinute
	if perMinute <= 0 {
		perMinute = 1
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)

	deps := tasks.Deps{
		Resumes:       st,
		Matches:       st,
		Notifications: st,
		Listings:      st,
		Reports:       st,
		Objects:       tasks.NewDirObjectStore(cfg.ResumeStorageDir),
		LLM: tasks.NewCompletionClient(
			&http.Client{Timeout: 60 * time.Second},
			cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel,
		),
		Mailer: mail.New(mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}),
		Source:          tasks.NewHTTPListingSource(tasks.BuildSafeClient(), cfg.ListingSourceBaseURL),
		Cache:           nilIfUnset(c),
		LLMLimiter:      limiter,
		SendConcurrency: cfg.SMTPSendConcurrency,
	}

	registry := queue.NewRegistry()
	for _, def := range tasks.Definitions(deps, tasks.Options{
		AttemptsMax:     cfg.DefaultAttemptsMax,
		MaxReservations: cfg.DefaultMaxReservations,
		BackoffBase:     cfg.BackoffBase(),
		Visibility:      cfg.Visibility(),
		Concurrency:     cfg.WorkerConcurrency,
	}) {
		registry.MustRegister(def)
	}

	return &app{
		cfg:       cfg,
		db:        db,
		broker:    broker,
		registry:  registry,
		collector: collector,
		cache:     c,
	}, nil
}

// nilIfUnset keeps a nil *cache.Cache from becoming a non-nil
// tasks.Invalidator interface value.
func nilIfUnset(c *cache.Cache) tasks.Invalidator {
	if c == nil {
		return nil
	}
	return c
}

func (a *app) workerConfig() worker.Config {
	return worker.Config{
		PollInterval:       a.cfg.WorkerPollInterval,
		DrainDeadline:      a.cfg.DrainDeadline(),
		RetentionInterval:  a.cfg.RetentionInterval,
		RetentionCompleted: a.cfg.RetentionCompleted(),
		RetentionFailed:    a.cfg.RetentionFailed(),
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()

	// Embedded worker pool. Drains on ctx cancellation, which happens
	// before or alongside HTTP server shutdown.
	pool := worker.New(a.broker, a.registry, a.workerConfig(), a.collector)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	}()

	dispatcher := dispatch.New(a.broker, a.registry, a.collector)
	handler := api.NewServer(dispatcher, a.db, a.cache, cfg.CacheTTL).Handler()

	// Explicit timeouts prevent Slowloris-style connection exhaustion.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
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
	<-poolDone
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
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()

	slog.Info("worker started")
	pool := worker.New(a.broker, a.registry, a.workerConfig(), a.collector)
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
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed for a one-shot
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

// ── purge ─────────────────────────────────────────────────────────────────────

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge terminal jobs past their retention windows and exit",
		RunE:  runPurge,
	}
}

func runPurge(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	n, err := pgbroker.New(db).PurgeExpired(cmd.Context(),
		cfg.RetentionCompleted(), cfg.RetentionFailed())
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	slog.Info("purged terminal jobs", "count", n)
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
		// time.NewTimer (not time.After) so the timer does not leak if ctx
		// is cancelled before it fires.
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

	// Advisory schema version check: warn if the applied schema version
	// does not match the version the binary was compiled for. Catches
	// deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `admin-control migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary
// requires. Update this constant when new migrations are added.
const expectedSchemaVersion = 2

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
