// Package app assembles the services of one vetfleet process from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"vetfleet/internal/appliers"
	"vetfleet/internal/config"
	"vetfleet/internal/db"
	"vetfleet/internal/events"
	"vetfleet/internal/llm"
	"vetfleet/internal/migrate"
	"vetfleet/internal/notify"
	"vetfleet/internal/proposals"
	"vetfleet/internal/registry"
	"vetfleet/internal/repo"
	"vetfleet/internal/runs"
	"vetfleet/internal/supervisor"
	"vetfleet/internal/telemetry"
)

// App is the wired set of services shared by the CLI and the HTTP API.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Store      *proposals.Store
	Notifier   *notify.Notifier
	Appliers   *appliers.Registry
	LLM        *llm.Client
	Registry   *registry.Registry
	Harness    *runs.Harness
	Dispatcher *runs.Dispatcher
	Deliverer  *notify.Deliverer
	Supervisor *supervisor.Supervisor
	Events     events.Writer
	Metrics    *telemetry.Metrics

	closers []func(context.Context) error
}

// Open connects to the configured database, migrates it and builds every
// service. Callers must Close the returned App.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	driver := cfg.Database.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	conn, err := db.Open(db.Config{Driver: driver, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(conn, driver); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.DB = conn
	a.Repo = repo.New(conn, driver)
	a.wire()
	return a, nil
}

func (a *App) wire() {
	cfg := a.Config
	a.Metrics = telemetry.Default()
	a.Events = events.Writer{Repo: a.Repo}
	a.Store = proposals.New(a.Repo)

	a.Notifier = notify.New(a.Repo, cfg.Notify.MaxRetries)
	if cfg.Notify.RedisAddr != "" {
		pub := notify.NewRedisPublisher(cfg.Notify.RedisAddr, cfg.Notify.RedisPassword, cfg.Notify.RedisDB, cfg.Notify.RedisStream)
		a.Notifier.Publisher = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	}
	a.Deliverer = notify.NewDeliverer(a.Repo, cfg.Notify.SlackAPIURL, cfg.Notify.SlackToken,
		cfg.Notify.SlackDefaultChannel, cfg.Notify.BatchSize)

	a.Appliers = appliers.New(a.Repo, a.Store, a.Notifier)
	a.Appliers.Metrics = a.Metrics

	a.LLM = llm.New(a.Repo, cfg.LLM)
	a.LLM.Metrics = a.Metrics

	a.Registry = registry.New(a.Repo)
	a.Harness = runs.NewHarness(a.Repo, a.Registry)
	a.Dispatcher = runs.NewDispatcher(a.Registry, a.Harness, cfg.Dispatcher.MinInterval)

	opts := []supervisor.Option{
		supervisor.WithNotifier(a.Notifier),
		supervisor.WithMetrics(a.Metrics),
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, supervisor.WithLLM(a.LLM))
	} else {
		slog.Default().Warn("llm api key not configured; medium-risk proposals will go to admins",
			"component", "app")
	}
	a.Supervisor = supervisor.New(a.Repo, a.Store, cfg.Supervisor, opts...)
	a.Harness.Register(cfg.Supervisor.AgentID, a.Supervisor)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
