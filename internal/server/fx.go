// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/api"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/browser"
	memorycache "github.com/JakeFAU/retail-crawl-coordinator/internal/cache/memory"
	rediscache "github.com/JakeFAU/retail-crawl-coordinator/internal/cache/redis"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/config"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/retail-crawl-coordinator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/retail-crawl-coordinator/internal/fetcher/headless"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/headless/detector"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/hash/sha256"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/id/uuid"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/lock"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/logging"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/orchestrator"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/parser/selector"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/breaker"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/ratelimit"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/robots"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/proxy"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/proxy/static"
	memorypublisher "github.com/JakeFAU/retail-crawl-coordinator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/retail-crawl-coordinator/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/retail-crawl-coordinator/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/retail-crawl-coordinator/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/retail-crawl-coordinator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/retail-crawl-coordinator/internal/storage/local"
	memoryStorage "github.com/JakeFAU/retail-crawl-coordinator/internal/storage/memory"
	pgstore "github.com/JakeFAU/retail-crawl-coordinator/internal/storage/postgres"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/strategy"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/worker"
)

// Mode selects which long-running parts an App runs.
type Mode struct {
	API     bool
	Workers bool
}

// Common modes.
var (
	ModeServe   = Mode{API: true, Workers: true}
	ModeWorker  = Mode{Workers: true}
	ModeProduce = Mode{}
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	mode   Mode

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	inline    *worker.Worker
	checks    []api.Check

	memQueue        *queueMemory.Queue
	jobsQueue       *queuePubSub.Queue
	pool            *browser.Pool
	pgPool          *pgxpool.Pool
	redisClient     *redis.Client
	pubsubClient    *pubsub.Client
	eventsPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
	closeOnce       sync.Once
}

type stores struct {
	progress store.ProgressTracker
	products store.ProductRepository
	cursor   store.ChatCursor
}

type scraping struct {
	orchestrator *orchestrator.Orchestrator
	breaker      *breaker.Breaker
	proxies      *static.Provider
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger, mode Mode) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("api", mode.API),
		zap.Bool("workers", mode.Workers),
		zap.String("database", cfg.Database.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("retailers", len(cfg.Retailers)),
	)
	return &App{cfg: cfg, logger: logger, mode: mode}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		a.closeAll()
		return err
	}
	a.logger.Info("application started")

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if a.mode.Workers {
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
		}
		a.dispatch.Run(ctx)
	}()

	var srv *http.Server
	if a.mode.API {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown timeout")
	}
	return a.Close(shutdownCtx)
}

func (a *App) start(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Start(ctx); err != nil {
			return fmt.Errorf("browser pool start failed: %w", err)
		}
	}
	if a.jobsQueue != nil && a.mode.Workers {
		if err := a.jobsQueue.Start(ctx); err != nil {
			return fmt.Errorf("pubsub queue start failed: %w", err)
		}
	}
	return nil
}

// Enqueue submits one job through the dispatcher.
func (a *App) Enqueue(ctx context.Context, job crawler.ScrapeJob) (crawler.ScrapeJob, error) {
	queued, err := a.dispatch.Enqueue(ctx, job)
	if err != nil {
		return queued, fmt.Errorf("enqueue job: %w", err)
	}
	return queued, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeAll()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll() {
	a.closeOnce.Do(a.closeResources)
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeResources() {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.jobsQueue != nil {
		a.jobsQueue.Close()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
		}
	}
	if a.eventsPublisher != nil {
		a.eventsPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, mode Mode) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, mode, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, mode Mode, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger, mode)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	built := false
	defer func() {
		if !built {
			app.closeAll()
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			ProjectID:   cfg.Telemetry.ProjectID,
			Region:      cfg.Telemetry.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
		app.metricShutdown = mp.Shutdown
	}

	app.logger.Info("building application dependencies")
	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.NewUUIDGenerator()
	retailers := cfg.RetailerDomains()

	st, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	locker, err := setupLock(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupPubSubClient(ctx, app); err != nil {
		return nil, err
	}
	queue, err := setupQueue(app)
	if err != nil {
		return nil, err
	}
	publisher := setupPublisher(app)
	scr, err := setupScraping(app)
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Queue:     queue,
		Progress:  st.progress,
		Products:  st.products,
		Scraper:   scr.orchestrator,
		Parser:    selector.New(retailers, app.logger),
		Locker:    locker,
		Blob:      blobStore,
		Publisher: publisher,
		Hasher:    hasher,
		Clock:     clock,
		IDs:       idGen,
		Retailers: retailers,
	}
	workerCfg := worker.Config{
		ContentType:   cfg.Storage.ContentType,
		BlobPrefix:    cfg.Storage.Prefix,
		Topic:         cfg.PubSub.EventsTopic,
		MaxAttempts:   cfg.Crawler.MaxAttempts,
		RetryDelay:    cfg.Crawler.RetryDelay,
		MaxRetryDelay: cfg.Crawler.MaxRetryDelay,
	}
	app.logger.Info("worker config",
		zap.String("content_type", workerCfg.ContentType),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
		zap.Duration("retry_delay", workerCfg.RetryDelay),
	)

	var runners []dispatcher.Runner
	if mode.Workers {
		for i := 0; i < cfg.Crawler.Concurrency; i++ {
			runners = append(runners, worker.New(deps, workerCfg, app.logger.With(zap.Int("index", i))))
		}
	}
	app.dispatch = dispatcher.New(queue, runners, idGen, clock)
	app.inline = worker.New(deps, workerCfg, app.logger.Named("inline"))

	if mode.API {
		apiDeps := api.Deps{
			Jobs:      app.dispatch,
			Detail:    app.inline,
			Progress:  st.progress,
			Cursor:    st.cursor,
			Products:  st.products,
			Hasher:    hasher,
			IDs:       idGen,
			Clock:     clock,
			Retailers: retailers,
			Breaker:   scr.breaker,
			Checks:    app.checks,
		}
		if app.pool != nil {
			apiDeps.Pool = app.pool
		}
		if scr.proxies != nil {
			apiDeps.Proxies = scr.proxies
		}
		app.apiServer = api.NewServer(apiDeps, *cfg, app.logger)
	}

	built = true
	return app, nil
}

func setupDatabase(ctx context.Context, app *App) (stores, error) {
	if !strings.EqualFold(app.cfg.Database.Backend, config.BackendPostgres) {
		app.logger.Info("using in-memory progress and product stores")
		products := memoryStorage.NewProductStore()
		return stores{
			progress: memoryStorage.NewProgressStore(),
			products: products,
			cursor:   memoryStorage.NewCursorStore(products),
		}, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pgPool = pool
	if app.cfg.Database.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return stores{}, fmt.Errorf("postgres schema failed: %w", err)
		}
		app.logger.Info("postgres schema ensured")
	}
	app.checks = append(app.checks, api.Check{Name: "postgres", Run: pool.Ping})
	app.logger.Info("using postgres stores")
	return stores{
		progress: pgstore.NewProgressStore(pool),
		products: pgstore.NewProductStore(pool),
		cursor:   pgstore.NewCursorStore(pool),
	}, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch strings.ToLower(app.cfg.Storage.Backend) {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.checks = append(app.checks, api.Check{Name: "gcs", Run: blobStore.Ping})
		return blobStore, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupLock(ctx context.Context, app *App) (*lock.Locker, error) {
	cfg := lock.Config{
		TTL:       app.cfg.Lock.TTL,
		KeyPrefix: app.cfg.Lock.KeyPrefix,
		FailOpen:  app.cfg.Lock.FailOpen,
	}
	if !strings.EqualFold(app.cfg.Lock.Backend, config.BackendRedis) {
		app.logger.Info("using in-process scrape lock")
		return lock.New(memorycache.New(), cfg, app.logger), nil
	}
	redisCfg := rediscache.Config{
		Addr:        app.cfg.Redis.Addr,
		Username:    app.cfg.Redis.Username,
		Password:    app.cfg.Redis.Password,
		DB:          app.cfg.Redis.DB,
		DialTimeout: app.cfg.Redis.DialTimeout,
	}
	client, err := rediscache.Dial(ctx, redisCfg)
	if err != nil {
		if !cfg.FailOpen {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		// Connections open lazily; fail-open locking covers the outage.
		app.logger.Warn("redis unreachable at startup, scrape lock will fail open", zap.Error(err))
		client = rediscache.NewClient(redisCfg)
	}
	app.redisClient = client
	cache := rediscache.New(client)
	app.checks = append(app.checks, api.Check{Name: "redis", Run: cache.Ping})
	app.logger.Info("using redis scrape lock", zap.String("addr", app.cfg.Redis.Addr))
	return lock.New(cache, cfg, app.logger), nil
}

func setupPubSubClient(ctx context.Context, app *App) error {
	usesQueue := strings.EqualFold(app.cfg.Queue.Backend, config.BackendPubSub)
	if app.cfg.PubSub.ProjectID == "" {
		return nil
	}
	if !usesQueue && app.cfg.PubSub.EventsTopic == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.logger.Info("pubsub client initialized", zap.String("project", app.cfg.PubSub.ProjectID))
	return nil
}

func setupQueue(app *App) (crawler.Queue, error) {
	if !strings.EqualFold(app.cfg.Queue.Backend, config.BackendPubSub) {
		app.memQueue = queueMemory.NewQueue(app.cfg.Crawler.QueueDepth)
		app.logger.Info("using in-memory job queue", zap.Int("depth", app.cfg.Crawler.QueueDepth))
		return app.memQueue, nil
	}
	if app.pubsubClient == nil {
		return nil, errors.New("pubsub queue requires pubsub.project_id")
	}
	sub := app.cfg.PubSub.JobsSubscription
	if !app.mode.Workers {
		sub = ""
	}
	q, err := queuePubSub.New(app.pubsubClient, queuePubSub.Config{
		Topic:        app.cfg.PubSub.JobsTopic,
		Subscription: sub,
		Buffer:       app.cfg.PubSub.Buffer,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	app.jobsQueue = q
	app.logger.Info("using pubsub job queue",
		zap.String("topic", app.cfg.PubSub.JobsTopic),
		zap.String("subscription", sub),
	)
	return q, nil
}

func setupPublisher(app *App) crawler.Publisher {
	if app.pubsubClient == nil || app.cfg.PubSub.EventsTopic == "" {
		app.logger.Warn("no pubsub events topic configured, using in-memory publisher")
		return memorypublisher.New()
	}
	app.eventsPublisher = gcppublisher.New(app.pubsubClient, app.cfg.PubSub.EventsTopic)
	app.logger.Info("pubsub publisher initialized", zap.String("topic", app.cfg.PubSub.EventsTopic))
	return app.eventsPublisher
}

func setupScraping(app *App) (scraping, error) {
	cfg := app.cfg
	table, fallback, err := cfg.StrategyTable()
	if err != nil {
		return scraping{}, fmt.Errorf("strategy table: %w", err)
	}
	resolver := strategy.New(table, fallback)

	var provider proxy.Provider = proxy.Direct{}
	var staticProvider *static.Provider
	if len(cfg.Proxies.List) > 0 {
		staticProvider, err = static.New(cfg.Proxies.List, static.Config{
			MaxFailures: cfg.Proxies.MaxFailures,
			Cooldown:    cfg.Proxies.Cooldown,
		})
		if err != nil {
			return scraping{}, fmt.Errorf("proxy provider init failed: %w", err)
		}
		provider = staticProvider
		app.logger.Info("using static proxy provider", zap.Int("proxies", len(cfg.Proxies.List)))
	}
	scheduler := proxy.NewScheduler(provider, app.logger)

	executors := map[crawler.Strategy]crawler.Executor{
		crawler.StrategyLightweight: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.HTTP.Timeout,
		}, scheduler),
	}
	if cfg.Headless.Enabled {
		pool, err := browser.NewPool(browser.Config{
			Size:                 cfg.Headless.PoolSize,
			MaxLeasesPerInstance: cfg.Headless.MaxLeasesPerInstance,
			LaunchConcurrency:    min(cfg.Headless.PoolSize, 4),
			LaunchTimeout:        30 * time.Second,
			HealthCheckInterval:  cfg.Headless.HealthCheckInterval,
			PingTimeout:          5 * time.Second,
			RelaunchDead:         cfg.Headless.RelaunchDead,
		}, browser.ChromedpLauncher{
			UserAgent: cfg.Crawler.UserAgent,
			ExecPath:  cfg.Headless.ExecPath,
		}, scheduler, app.logger)
		if err != nil {
			return scraping{}, fmt.Errorf("browser pool init failed: %w", err)
		}
		app.pool = pool
		executors[crawler.StrategyBrowser] = headlessfetcher.New(headlessfetcher.Config{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			ScrollDelay:       cfg.Headless.ScrollDelay,
		}, pool, app.logger,
			headlessfetcher.WithRobots(robots.New(cfg.Crawler.RespectRobots, cfg.Crawler.UserAgent, app.logger.Named("robots"))),
		)
		app.logger.Info("using headless executor", zap.Int("pool_size", cfg.Headless.PoolSize))
	} else if fallback == crawler.StrategyBrowser || containsStrategy(table, crawler.StrategyBrowser) {
		app.logger.Warn("browser strategy configured but headless is disabled; those scrapes will fail")
	}

	domains := make(map[string]ratelimit.DomainLimit, len(cfg.RateLimit.Domains))
	for _, d := range cfg.RateLimit.Domains {
		domains[strategy.NormalizeDomain(d.Domain)] = ratelimit.DomainLimit{RPS: d.RPS, Burst: d.Burst}
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		Domains:      domains,
	})
	app.logger.Info("rate limiter configured",
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		zap.Int("domain_overrides", len(domains)),
	)

	brk := breaker.New(breaker.Config{
		Window:          cfg.Breaker.Window,
		MinObservations: cfg.Breaker.MinObservations,
		FailureRatio:    cfg.Breaker.FailureRatio,
	})
	orchOpts := []orchestrator.Option{orchestrator.WithLimiter(limiter)}
	if cfg.Headless.Enabled && cfg.Headless.PromoteSPA {
		orchOpts = append(orchOpts, orchestrator.WithRenderDetector(detector.NewHeuristic(cfg.Headless.PromotionThreshold)))
		app.logger.Info("spa promotion enabled", zap.Int("threshold", cfg.Headless.PromotionThreshold))
	}
	orch := orchestrator.New(resolver, brk, executors, app.logger.Named("orchestrator"), orchOpts...)
	return scraping{orchestrator: orch, breaker: brk, proxies: staticProvider}, nil
}

func containsStrategy(table map[string]crawler.Strategy, s crawler.Strategy) bool {
	for _, v := range table {
		if v == s {
			return true
		}
	}
	return false
}
