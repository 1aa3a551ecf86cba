package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/topicbridge/internal/config"
	"github.com/topicbridge/internal/database"
	"github.com/topicbridge/internal/discussion"
	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/internal/identity"
	"github.com/topicbridge/internal/jobqueue"
	"github.com/topicbridge/internal/mapping"
	"github.com/topicbridge/internal/retry"
)

// app holds the wired collaborators of a running service.
type app struct {
	gateway      *forum.HTTPGateway
	store        mapping.Store
	orchestrator *discussion.Orchestrator
	jobs         *jobqueue.JobQueue
	db           *sql.DB
	closers      []func()
}

func (a *app) health(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.gateway, err = forum.NewHTTPGateway(forum.HTTPConfig{
		BaseURL:    cfg.Forum.URL,
		APIKey:     cfg.Forum.APIKey,
		SystemUser: cfg.Forum.SystemUser,
		Timeout:    cfg.Server.RequestTimeout,
		Rate:       cfg.Forum.Rate,
		Burst:      cfg.Forum.Burst,
	})
	if err != nil {
		return nil, err
	}

	var discarder discussion.ThreadDiscarder
	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if a.jobs != nil {
		discarder = a.jobs
	}

	locker, err := newLocker(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	directory := identity.NewHTTPDirectory(cfg.Identity.URL, cfg.Server.RequestTimeout)
	verifier := discussion.NewEntitlementVerifier(cfg.Authorization.Routes, cfg.Authorization.Timeout)
	users := discussion.NewUserProvisioner(a.gateway, directory, cfg.Forum.TrustLevel)

	a.orchestrator = discussion.NewOrchestrator(a.store, a.gateway, verifier, users, discussion.Options{
		SystemUser:  cfg.Forum.SystemUser,
		CallTimeout: cfg.Server.RequestTimeout,
		Locker:      locker,
		Discarder:   discarder,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory thread mappings; they are lost on restart")
		a.store = mapping.NewInMemoryStore()
		return nil

	case config.DriverSQLite:
		db, err := database.NewDB(ctx, config.DriverSQLite, cfg.Database.URL, retry.DefaultRetryConfig())
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, func() { db.Close() })
		store := mapping.NewSQLiteStore(db)
		if err := store.Init(ctx); err != nil {
			return err
		}
		a.store = store
		return nil

	case config.DriverPostgres:
		db, err := database.NewDB(ctx, config.DriverPostgres, cfg.Database.URL, retry.DefaultRetryConfig())
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, func() { db.Close() })
		store := mapping.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			return err
		}
		a.store = store

		if !cfg.Jobs.Enabled {
			return nil
		}
		pool, err := database.NewPool(ctx, cfg.Database.URL, retry.DefaultRetryConfig())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if err := jobqueue.Migrate(ctx, pool); err != nil {
			return err
		}
		a.jobs, err = jobqueue.NewJobQueue(pool, a.gateway, &jobqueue.QueueConfig{
			MaxWorkers:  cfg.Jobs.Workers,
			MaxAttempts: cfg.Jobs.MaxAttempts,
			JobTimeout:  cfg.Server.RequestTimeout,
		})
		return err
	}
	return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// newLocker returns a Redis-backed lock when redis.url is set so replicas
// coordinate thread creation, and an in-process lock otherwise.
func newLocker(ctx context.Context, cfg *config.Config, a *app) (discussion.Locker, error) {
	if cfg.Redis.URL == "" {
		return discussion.NewKeyedMutex(), nil
	}

	// A creation run makes a handful of sequential remote calls.
	locker, err := discussion.NewRedisLocker(cfg.Redis.URL, 5*cfg.Server.RequestTimeout)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { locker.Close() })

	logger := log.With().Str("component", "redis").Logger()
	result := retry.RetryWithBackoff(ctx, retry.DefaultRetryConfig(), locker.Ping, &logger)
	if !result.Success {
		return nil, fmt.Errorf("failed to reach redis after %d attempts: %w", result.Attempts, result.LastError)
	}
	return locker, nil
}
