package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/httpserver"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/redis"
	"github.com/MrSnakeDoc/shelf/internal/scheduler"
	"github.com/MrSnakeDoc/shelf/internal/session"
	"github.com/MrSnakeDoc/shelf/internal/sources/homepage"
	"github.com/MrSnakeDoc/shelf/internal/store/memory"
	redisstore "github.com/MrSnakeDoc/shelf/internal/store/redis"
	"github.com/MrSnakeDoc/shelf/internal/utils"
	"github.com/MrSnakeDoc/shelf/internal/version"
)

// backend is what every Store implementation offers.
type backend interface {
	livesync.Store
	Ping(ctx context.Context) error
}

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	sessions    *session.Manager
	reaper      *scheduler.SessionReaper
	importer    *scheduler.ImportReloader
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	var (
		store       backend
		feed        livesync.Feed
		redisClient *goredis.Client
	)
	switch cfg.Backend {
	case config.BackendRedis:
		// Fail fast if Redis never comes up
		client, err := redis.New(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		redisClient = client
		store = redisstore.NewStore(client, loggerClient)
		feed = redisstore.NewFeed(client, loggerClient)
		loggerClient.Info("Redis backend initialized successfully")

	case config.BackendMemory:
		memFeed := memory.NewFeed(cfg.FeedSubscriberQueue)
		store = memory.NewStore(memFeed)
		feed = memFeed
		loggerClient.Warn("memory backend selected, bookmarks are lost on restart")
	}

	sessions := session.NewManager(store, feed, livesync.Options{
		RequestTimeout:      cfg.RequestTimeout,
		ResubscribeInterval: cfg.FeedRetryInterval,
		ResubscribeMaxWait:  cfg.FeedMaxWait,
		MaxResubscribes:     cfg.FeedMaxRetries,
		ReconcileOnDelete:   cfg.ReconcileOnDelete,
		MaxNotices:          cfg.MaxNotices,
	}, loggerClient)

	reaper := scheduler.NewSessionReaper(
		sessions,
		loggerClient,
		cfg.SessionSweepEvery,
		cfg.SessionIdleTTL,
	)

	// Initialize importer (if Homepage files are configured)
	var importer *scheduler.ImportReloader
	var importTrigger chan struct{}
	if cfg.ImportEnabled() {
		loggerClient.Info("homepage import configured",
			logger.String("owner", cfg.ImportOwner),
			logger.String("bookmark_file", cfg.BookmarkFile),
			logger.String("service_file", cfg.ServiceFile))
		importTrigger = make(chan struct{}, 1)
		importer = scheduler.NewImportReloader(
			homepage.NewLoader(cfg.BookmarkFile, cfg.ServiceFile),
			store,
			cfg.ImportOwner,
			loggerClient,
			cfg.ImportInterval,
			cfg.RequestTimeout,
			importTrigger,
		)
	} else {
		loggerClient.Info("homepage import not configured")
	}

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:       loggerClient,
		StartTime:    time.Now(),
		Version:      version.Version,
		Commit:       version.Commit,
		BuildDate:    version.BuildDate,
		GoVersion:    version.GoVersion,
		TimeNow:      time.Now,
		AllowedHosts: cfg.AllowedHosts,
		AllowedCIDRS: cfg.AllowedCIDRS,
		TrustProxy:   cfg.TrustProxy,
		Backend:      cfg.Backend,
		Store:        store,
		RedisClient:  redisClient,
		Sessions:     sessions,
		Identity: mw.IdentityConfig{
			Secret:   cfg.AuthSecret,
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
		},
		RateLimit: mw.RateLimitConfig{
			Burst:        cfg.RateLimitBurst,
			RefillPerMin: cfg.RateLimitPerMinute,
			MaxEntries:   10_000,
			TrustProxy:   cfg.TrustProxy,
		},
		HandlerTimeout: cfg.RequestTimeout + 2*time.Second,
		SSEHeartbeat:   cfg.SSEHeartbeat,
		ImportTrigger:  importTrigger,
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		redisClient: redisClient,
		sessions:    sessions,
		reaper:      reaper,
		importer:    importer,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Shelf v%s on %s (backend=%s)", version.Version, a.cfg.ListenPort, a.cfg.Backend)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start importer (imports once, then periodically)
	if a.importer != nil {
		if err := a.importer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start importer: %w", err)
		}
		a.logger.Info("importer started",
			logger.Duration("interval", a.cfg.ImportInterval))
	}

	a.reaper.Start(ctx)
	a.logger.Info("session reaper started",
		logger.Duration("interval", a.cfg.SessionSweepEvery),
		logger.Duration("idle_ttl", a.cfg.SessionIdleTTL))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		a.sessions.Close()
		return err
	}

	if a.importer != nil {
		a.importer.Stop()
	}
	a.reaper.Stop()

	// Releasing the sessions ends every open event stream, so Shutdown
	// does not wait on them until the deadline.
	a.sessions.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if a.redisClient != nil {
		utils.CloseLogged(a.redisClient, "redis", a.logger)
	}

	a.logger.Info("✅ Shelf stopped cleanly")
	return nil
}
