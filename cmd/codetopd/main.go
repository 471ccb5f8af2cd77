// codetopd is the learning scheduler daemon: FSRS review scheduling,
// per-user parameter optimization, and AI problem recommendations behind
// one HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codetop/internal/admission"
	"codetop/internal/cache"
	"codetop/internal/candidate"
	"codetop/internal/config"
	"codetop/internal/event"
	"codetop/internal/fsrs"
	"codetop/internal/idempotency"
	"codetop/internal/metrics"
	"codetop/internal/profile"
	"codetop/internal/provider"
	"codetop/internal/recommend"
	"codetop/internal/repo"
	"codetop/internal/server"
)

var (
	cfgPath      string
	verbose      bool
	optimizeUser int64
)

var rootCmd = &cobra.Command{
	Use:   "codetopd",
	Short: "Learning scheduler daemon",
	Long: `codetopd serves spaced-repetition review scheduling (FSRS), per-user
parameter optimization, and AI problem recommendations over one HTTP API.

Configuration comes from an optional YAML file plus environment
overrides (DATABASE_URL, REDIS_ADDR, REDIS_PASSWORD, LOG_LEVEL).
Running without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and background workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run a parameter optimization sweep and exit",
	Long: `Runs one optimization pass: with --user, fits that user's parameters;
without it, sweeps one batch of users whose review counts cross the
re-optimization threshold. Cached profiles for optimized users are
invalidated the same way the in-server worker does it.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOptimize(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	optimizeCmd.Flags().Int64Var(&optimizeUser, "user", 0, "optimize a single user instead of sweeping")
	rootCmd.AddCommand(serveCmd, optimizeCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func connectDB(ctx context.Context, cfg *config.Config) (*repo.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.DatabaseConnectTimeout())
	defer cancel()
	return repo.ConnectPool(connectCtx, repo.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.RedisDialTimeout(),
	})
}

// ----------------------------------------------------------------------------
// serve
// ----------------------------------------------------------------------------

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	// Infrastructure.
	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb := newRedisClient(cfg)
	defer func() { _ = rdb.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisDialTimeout())
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	store := cache.NewRedisStoreWithClient(rdb, met, logger)
	ttls := cfg.CacheTTLs()

	// Repositories.
	cards := repo.NewCardRepo(db)
	logs := repo.NewReviewLogRepo(db)
	params := repo.NewParamsRepo(db)
	problems := repo.NewProblemRepo(db)
	idemRepo := repo.NewIdempotencyRepo(db)

	// Events and cache invalidation.
	bus := event.NewBus(logger)
	redeleter := cache.NewRedeleter(store, cfg.RedeleteDelay(), logger)
	redeleter.Start()
	defer redeleter.Stop()
	cache.NewInvalidator(store, redeleter, logger).Register(bus)

	// Scheduling core.
	reviews := fsrs.NewService(fsrs.ServiceConfig{
		Cards:    cards,
		Logs:     logs,
		Params:   params,
		Problems: problems,
		Tx:       db,
		Store:    store,
		TTLs:     ttls,
		Bus:      bus,
		Metrics:  met,
		Logger:   logger,
		Split:    cfg.QueueSplit(),
	})
	optimizer := fsrs.NewOptimizer(logs, params, bus, met, logger, cfg.OptimizerSettings())
	if cfg.Optimizer.Enabled {
		worker := fsrs.NewWorker(optimizer, logs, cfg.WorkerSettings(), logger)
		worker.Start(ctx)
		defer worker.Stop()
	}

	// Write dedup.
	deduper := idempotency.NewDeduper(idemRepo, cfg.IdempotencySettings(), met, logger)
	purger := idempotency.NewPurger(deduper, cfg.PurgeInterval(), logger)
	purger.Start(ctx)
	defer purger.Stop()

	// Recommendation pipeline.
	orchestrator, err := buildOrchestrator(cfg, pipelineDeps{
		cards:    cards,
		logs:     logs,
		problems: problems,
		store:    store,
		ttls:     ttls,
		bus:      bus,
		met:      met,
		logger:   logger,
	})
	if err != nil {
		return err
	}

	// HTTP front end.
	auth, err := server.TokensFromEnv(cfg.Server.AuthTokensEnv)
	if err != nil {
		return fmt.Errorf("auth tokens: %w", err)
	}
	ready := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.Pool().Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	read, write, shutdown := cfg.ServerTimeouts()
	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, server.Deps{
		Reviews:     reviews,
		Optimizer:   optimizer,
		Recommender: orchestrator,
		Deduper:     deduper,
		Auth:        auth,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:       ready,
		Logger:      logger,
	})

	logger.Info("codetopd starting",
		zap.String("env", cfg.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("optimizer", cfg.Optimizer.Enabled))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	var errs error
	if err := srv.Shutdown(context.Background()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := <-errCh; err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// pipelineDeps carries the shared infrastructure into the recommendation
// wiring.
type pipelineDeps struct {
	cards    *repo.CardRepo
	logs     *repo.ReviewLogRepo
	problems *repo.ProblemRepo
	store    cache.Store
	ttls     cache.TTLs
	bus      *event.Bus
	met      *metrics.Metrics
	logger   *zap.Logger
}

func buildOrchestrator(cfg *config.Config, d pipelineDeps) (*recommend.Orchestrator, error) {
	providers := make(map[string]provider.Provider)
	for _, nc := range cfg.ProviderNodes() {
		p, err := provider.New(nc, d.logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", nc.Name, err)
		}
		providers[nc.Name] = p
	}

	mapper := profile.NewTagMapper(profile.DefaultTagDomains())
	metaCache := candidate.NewMetaCache(d.problems, d.ttls.Problem, d.logger)
	metaCache.RegisterInvalidation(d.bus)
	builder := candidate.NewBuilder(d.cards, d.logs, metaCache, d.logger)
	profiler := profile.NewProfiler(profile.ProfilerConfig{
		Logs:     d.logs,
		Problems: d.problems,
		Store:    d.store,
		TTLs:     d.ttls,
		Logger:   d.logger,
	})

	executor := recommend.NewExecutor(recommend.ExecutorConfig{
		Providers:       providers,
		Limits:          admission.NewRateLimiters(),
		Metrics:         d.met,
		Logger:          d.logger,
		BreakerFailures: cfg.Recommend.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown(),
		RetryDelay:      cfg.RetryDelay(),
	})

	return recommend.NewOrchestrator(recommend.OrchestratorConfig{
		Gate:       recommend.NewToggleGate(cfg.Recommend.Toggles, d.met),
		Assigner:   recommend.NewABAssigner(cfg.Recommend.ABGroups),
		Selector:   recommend.NewChainSelector(cfg.SelectorConfig()),
		Executor:   executor,
		Ranker:     recommend.NewHybridRanker(cfg.Recommend.Ranker, mapper),
		Mixer:      recommend.NewStrategyMixer(cfg.Recommend.Mixer, mapper),
		Calibrator: recommend.NewConfidenceCalibrator(cfg.Recommend.Confidence, mapper),

		Candidates: builder,
		Profiles:   profiler,
		Admission:  admission.NewController(cfg.AdmissionSettings(), d.logger),
		Store:      d.store,
		TTLs:       d.ttls,
		Metrics:    d.met,
		Logger:     d.logger,

		PromptVersion: cfg.Recommend.PromptVersion,
		DefaultLimit:  cfg.Recommend.DefaultLimit,
		MaxLimit:      cfg.Recommend.MaxLimit,
	}), nil
}

// ----------------------------------------------------------------------------
// optimize
// ----------------------------------------------------------------------------

func runOptimize(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Optimized users get their cached profiles and slates evicted from
	// redis just like the in-server worker path. Optimization itself
	// only needs the database, so an unreachable redis downgrades to a
	// warning.
	met := metrics.New(prometheus.NewRegistry())
	bus := event.NewBus(logger)
	rdb := newRedisClient(cfg)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err == nil {
		store := cache.NewRedisStoreWithClient(rdb, met, logger)
		redeleter := cache.NewRedeleter(store, cfg.RedeleteDelay(), logger)
		redeleter.Start()
		defer redeleter.Stop()
		cache.NewInvalidator(store, redeleter, logger).Register(bus)
	} else {
		logger.Warn("redis unreachable, skipping cache invalidation", zap.Error(err))
	}

	logs := repo.NewReviewLogRepo(db)
	params := repo.NewParamsRepo(db)
	optimizer := fsrs.NewOptimizer(logs, params, bus, met, logger, cfg.OptimizerSettings())

	if optimizeUser > 0 {
		result, err := optimizer.Optimize(ctx, optimizeUser)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	worker := fsrs.NewWorker(optimizer, logs, cfg.WorkerSettings(), logger)
	n, err := worker.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("optimized %d users\n", n)
	return nil
}

// ----------------------------------------------------------------------------
// migrate
// ----------------------------------------------------------------------------

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("schema ready")
	return nil
}
