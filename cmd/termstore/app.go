package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/custodia-labs/termstore/internal/adapters/driven/boltdb"
	"github.com/custodia-labs/termstore/internal/adapters/driven/elastic"
	"github.com/custodia-labs/termstore/internal/adapters/driven/memory"
	"github.com/custodia-labs/termstore/internal/adapters/driven/postgres"
	redisadapter "github.com/custodia-labs/termstore/internal/adapters/driven/redis"
	"github.com/custodia-labs/termstore/internal/config"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/services"
	"github.com/custodia-labs/termstore/internal/terminology"
)

// app holds the services of one CLI invocation
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *services.Registry
	locker   *services.Locker
	branches *services.BranchService
	commits  driven.CommitStore
	index    *services.RevisionIndex
	txs      *services.TransactionManager
	merges   *services.MergeService
	migrator *services.Migrator

	migrateOnce sync.Once
	migrateErr  error

	closers []func() error
}

// newApp wires adapters and services from configuration
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.registry = services.NewRegistry(logger)
	for _, s := range terminology.Schemas() {
		if _, err := a.registry.Register(s); err != nil {
			return fmt.Errorf("register %s: %w", s.Type, err)
		}
	}

	var bolt *boltdb.DB
	openBolt := func() (*boltdb.DB, error) {
		if bolt != nil {
			return bolt, nil
		}
		db, err := boltdb.Open(boltdb.DefaultConfig(cfg.DataDir))
		if err != nil {
			return nil, err
		}
		bolt = db
		a.closers = append(a.closers, db.Close)
		return db, nil
	}

	// ===== Search engine =====
	var engine driven.SearchEngine
	switch cfg.Engine {
	case config.EngineElastic:
		esConfig := elastic.DefaultConfig(cfg.Elastic.URL)
		esConfig.Timeout = cfg.Elastic.Timeout.Duration
		es := elastic.NewSearchEngine(esConfig)
		if err := es.HealthCheck(ctx); err != nil {
			logger.Warn("elasticsearch health check failed", "url", cfg.Elastic.URL, "error", err)
		}
		engine = es
		logger.Debug("using elasticsearch engine", "url", cfg.Elastic.URL)
	default:
		db, err := openBolt()
		if err != nil {
			return err
		}
		engine = boltdb.NewSearchEngine(db)
		logger.Debug("using embedded engine", "dir", cfg.DataDir)
	}

	// ===== Branch and commit stores (PostgreSQL if configured, otherwise bolt) =====
	var (
		branchStore driven.BranchStore
		pg          *postgres.DB
	)
	if cfg.Database.URL != "" {
		pgConfig := postgres.DefaultConfig(cfg.Database.URL)
		pgConfig.MaxOpenConns = cfg.Database.MaxOpenConns
		pgConfig.MaxIdleConns = cfg.Database.MaxIdleConns
		var err error
		pg, err = postgres.Connect(ctx, pgConfig)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.InitSchema(ctx); err != nil {
			return err
		}
		branchStore = postgres.NewBranchStore(pg)
		a.commits = postgres.NewCommitStore(pg)
		logger.Debug("using postgres metadata stores")
	} else {
		db, err := openBolt()
		if err != nil {
			return err
		}
		branchStore = boltdb.NewBranchStore(db)
		a.commits = boltdb.NewCommitStore(db)
	}

	// ===== Distributed lock (Redis, then PostgreSQL advisory locks, then in-process) =====
	var lock driven.DistributedLock
	switch {
	case cfg.Redis.URL != "":
		client, err := redisadapter.NewClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		lock = redisadapter.NewLock(client)
		logger.Debug("using redis lock")
	case pg != nil:
		advisory := postgres.NewAdvisoryLock(pg)
		a.closers = append(a.closers, advisory.Close)
		lock = advisory
		logger.Debug("using postgres advisory lock")
	default:
		lock = memory.NewLock()
	}

	// ===== Services =====
	clock := services.NewClock(nil)
	lockTimeout := cfg.Lock.Timeout.Duration

	a.locker = services.NewLocker(services.LockerConfig{
		Lock:    lock,
		Logger:  logger,
		TTL:     cfg.Lock.TTL.Duration,
		Timeout: lockTimeout,
	})
	a.index = services.NewRevisionIndex(services.RevisionIndexConfig{
		Engine:      engine,
		Branches:    branchStore,
		Registry:    a.registry,
		IndexPrefix: cfg.IndexPrefix,
		PageSize:    cfg.Migration.BatchSize,
		Logger:      logger,
	})
	a.txs = services.NewTransactionManager(services.TransactionManagerConfig{
		Index:       a.index,
		Engine:      engine,
		Branches:    branchStore,
		Commits:     a.commits,
		Registry:    a.registry,
		Locker:      a.locker,
		Clock:       clock,
		LockTimeout: lockTimeout,
		Logger:      logger,
	})
	a.branches = services.NewBranchService(services.BranchServiceConfig{
		Store:       branchStore,
		Commits:     a.commits,
		Locker:      a.locker,
		Clock:       clock,
		LockTimeout: lockTimeout,
		Logger:      logger,
	})
	a.merges = services.NewMergeService(services.MergeServiceConfig{
		Index:        a.index,
		Transactions: a.txs,
		Commits:      a.commits,
		Registry:     a.registry,
		Locker:       a.locker,
		LockTimeout:  lockTimeout,
		Logger:       logger,
	})
	a.migrator = services.NewMigrator(services.MigratorConfig{
		Engine:      engine,
		Branches:    branchStore,
		Registry:    a.registry,
		Locker:      a.locker,
		IndexPrefix: cfg.IndexPrefix,
		BatchSize:   cfg.Migration.BatchSize,
		RateLimit:   cfg.Migration.RateLimit,
		Parallelism: cfg.Migration.Parallelism,
		LockTimeout: lockTimeout,
		Logger:      logger,
	})

	if _, err := a.branches.EnsureMain(ctx); err != nil {
		return fmt.Errorf("ensure MAIN: %w", err)
	}
	return nil
}

// ensureIndices runs the startup migration once per invocation
func (a *app) ensureIndices(ctx context.Context) error {
	a.migrateOnce.Do(func() {
		_, a.migrateErr = a.migrator.MigrateAll(ctx)
	})
	return a.migrateErr
}

// Close releases connections in reverse order of opening
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
