package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	authjwt "disposms/backend/internal/auth/jwt"
	"disposms/backend/internal/carrier"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/health"
	"disposms/backend/internal/logger"
	"disposms/backend/internal/middleware"
	"disposms/backend/internal/monitoring"
	"disposms/backend/internal/pool"
	"disposms/backend/internal/service"
	"disposms/backend/internal/storage"
	"disposms/backend/internal/storage/hybrid"
	"disposms/backend/internal/storage/memory"
	"disposms/backend/internal/storage/postgres"
	"disposms/backend/internal/storage/redis"
	httptransport "disposms/backend/internal/transport/http"
	"disposms/backend/internal/websocket"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

const (
	shutdownTimeout     = 10 * time.Second
	alertInterval       = time.Minute
	systemStatsInterval = 15 * time.Second
	lowPoolThreshold    = 5
	memoryAlertMB       = 512.0
	relayWorkers        = 4
	relayQueueSize      = 1024
)

// main 启动 HTTP API、过期扫描、消息清理与实时推送。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting disposms server",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("log_level", cfg.Log.Level),
	)

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(version, cfg.Server.Environment, log)

	// 存储层
	deps, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer deps.close(log)
	healthChecker.AddStoreCheck(deps.store)
	if deps.redis != nil {
		healthChecker.AddRedisCheck(deps.redis)
	}
	if deps.pgx != nil {
		healthChecker.AddPostgresPoolCheck(deps.pgx)
	}

	// 实时推送：配置 Redis 时经发布订阅跨实例转发
	tokens := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	hub := websocket.NewHub(tokens, log,
		websocket.WithAllowedOrigins(cfg.CORS.AllowedOrigins),
		websocket.WithMetrics(metrics),
	)

	var (
		publisher domain.Publisher = hub
		relay     *websocket.RedisRelay
		workers   *pool.WorkerPool
	)
	if deps.redis != nil {
		workers = pool.NewWorkerPool(relayWorkers, relayQueueSize, log)
		relay = websocket.NewRedisRelay(deps.redis.Client(), hub, workers, log)
		publisher = relay
	}

	// 服务层
	poolOpts := []service.PoolOption{service.WithMetrics(metrics)}
	if deps.locker != nil {
		poolOpts = append(poolOpts, service.WithLocker(deps.locker))
	}
	poolService := service.NewNumberPoolService(deps.store, cfg.Pool, publisher, log, poolOpts...)

	messageService := service.NewMessageService(deps.store, cfg.Messages, publisher, log)
	messageService.SetMetrics(metrics)
	hub.SetMessageMarker(messageService)

	registry := carrier.NewRegistry(cfg.Webhook, cfg.Messages.MaxContentLength, log)
	ingressService := service.NewIngressService(deps.store, registry, publisher, log)
	ingressService.SetMetrics(metrics)

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(memoryAlertMB))
	alertManager.AddRule(monitoring.StoreHealthRule(deps.store.Health))
	alertManager.AddRule(monitoring.LowAvailableNumbersRule(func(ctx context.Context) (int, error) {
		stats, err := poolService.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return stats.Available, nil
	}, lowPoolThreshold))

	mm := middleware.NewMonitoringMiddleware(metrics, log)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		PoolService:    poolService,
		MessageService: messageService,
		IngressService: ingressService,
		Tokens:         tokens,
		WebSocketHub:   hub,
		Metrics:        metrics,
		Monitoring:     mm,
		Health:         healthChecker,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 过期扫描
	group.Go(func() error {
		log.Info("starting lease sweeper", zap.Duration("interval", cfg.Pool.SweepInterval))
		return poolService.Run(groupCtx)
	})

	// 消息保留期清理
	group.Go(func() error {
		log.Info("starting message retention task", zap.Int("retention_days", cfg.Messages.RetentionDays))
		return messageService.Run(groupCtx)
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		hub.Run(groupCtx)
		return nil
	})

	if relay != nil {
		// 转发队列在 HTTP 服务和过期扫描退出后再停止，见 group.Wait 之后
		workers.Start(context.Background())
		group.Go(func() error {
			if err := relay.Run(groupCtx); err != nil {
				return fmt.Errorf("fanout relay: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting monitoring services")
		return alertManager.Run(groupCtx, alertInterval)
	})

	group.Go(func() error {
		ticker := time.NewTicker(systemStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				mm.UpdateSystemMetrics()
				if deps.pgx != nil {
					metrics.UpdateDatabaseConnections(int(deps.pgx.AcquiredConns()))
				}
			}
		}
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}
	if workers != nil {
		workers.Stop()
		log.Info("fanout relay workers drained")
	}
	log.Info("server exited cleanly")
}

// storageDeps 存储层及其可选的 Redis、pgx 组件
type storageDeps struct {
	store  storage.Store
	redis  *redis.Client
	locker storage.Locker
	pgx    *postgres.Client
}

func (d *storageDeps) close(log *zap.Logger) {
	if err := d.store.Close(); err != nil {
		log.Warn("failed to close store", zap.Error(err))
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Warn("failed to close redis", zap.Error(err))
		}
	}
	if d.pgx != nil {
		d.pgx.Close()
	}
}

// initializeStorage 根据配置选择存储
//
// 未配置数据库时使用内存存储；配置 Redis 后在数据库之上叠加号码缓存并启用扫描锁。
func initializeStorage(cfg *config.Config, log *zap.Logger) (*storageDeps, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		deps := &storageDeps{store: memory.NewStore()}
		if cfg.Redis.Enabled {
			rc, err := redis.New(&cfg.Redis, log)
			if err != nil {
				return nil, err
			}
			deps.redis = rc
			deps.locker = redis.NewLocker(rc)
		}
		return deps, nil
	}

	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))
	primary, err := postgres.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}
	deps := &storageDeps{store: primary}

	if cfg.Database.Type == "postgres" || cfg.Database.Type == "postgresql" {
		probe, err := postgres.NewClient(&cfg.Database, log)
		if err != nil {
			log.Warn("pgx probe pool unavailable, readiness uses gorm ping only", zap.Error(err))
		} else {
			deps.pgx = probe
		}
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(&cfg.Redis, log)
		if err != nil {
			_ = primary.Close()
			return nil, err
		}
		deps.redis = rc
		deps.locker = redis.NewLocker(rc)
		deps.store = hybrid.NewStore(primary, redis.NewCache(rc, hybrid.DefaultCacheTTL), log)
		log.Info("redis lease cache enabled", zap.String("address", cfg.Redis.Address))
	}

	return deps, nil
}
