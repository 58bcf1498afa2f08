package health

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	checkTimeout       = 5 * time.Second
	maxGoroutines      = 10000
	StatusHealthy      = "healthy"
	StatusUnhealthy    = "unhealthy"
	resultOK           = "OK"
	goroutineCheckName = "goroutines"
)

// HealthChecker 基于 heptiolabs/healthcheck 的健康检查器
//
// 依赖检查注册为存活检查，/health/ready 同时包含存活和就绪检查。
type HealthChecker struct {
	health    healthcheck.Handler
	mu        sync.RWMutex
	checks    map[string]healthcheck.Check
	startTime time.Time
	version   string
	env       string
	logger    *zap.Logger
}

// Report /health 返回的汇总
type Report struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Version     string            `json:"version,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Checks      map[string]string `json:"checks"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(version, env string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		checks:    make(map[string]healthcheck.Check),
		startTime: time.Now(),
		version:   version,
		env:       env,
		logger:    logger,
	}
	hc.health.AddReadinessCheck(goroutineCheckName, healthcheck.GoroutineCountCheck(maxGoroutines))
	return hc
}

// AddCheck 注册一项带超时的存活检查
func (hc *HealthChecker) AddCheck(name string, check func() error) {
	wrapped := healthcheck.Timeout(check, checkTimeout)

	hc.mu.Lock()
	hc.checks[name] = wrapped
	hc.mu.Unlock()

	hc.health.AddLivenessCheck(name, wrapped)
}

// AddStoreCheck 检查主存储
func (hc *HealthChecker) AddStoreCheck(store interface{ Health() error }) {
	hc.AddCheck("database", store.Health)
}

// AddRedisCheck 检查 Redis
func (hc *HealthChecker) AddRedisCheck(rdb interface{ Health() error }) {
	hc.AddCheck("redis", rdb.Health)
}

// AddPostgresPoolCheck 检查 pgx 连接池是否可用
func (hc *HealthChecker) AddPostgresPoolCheck(pool interface{ CheckReady() error }) {
	hc.AddCheck("postgres_pool", pool.CheckReady)
}

// CheckHealth 执行全部检查并生成汇总
func (hc *HealthChecker) CheckHealth() *Report {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]healthcheck.Check, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	report := &Report{
		Status:      StatusHealthy,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(hc.startTime).Round(time.Second).String(),
		Version:     hc.version,
		Environment: hc.env,
		Checks:      make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := checks[name](); err != nil {
			report.Status = StatusUnhealthy
			report.Checks[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = resultOK
	}
	return report
}

// Handler 返回 heptiolabs 处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// Register 挂载 /health、/health/live 与 /health/ready
func (hc *HealthChecker) Register(router gin.IRoutes) {
	router.GET("/health", func(c *gin.Context) {
		report := hc.CheckHealth()
		status := http.StatusOK
		if report.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	router.GET("/health/live", gin.WrapF(hc.health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(hc.health.ReadyEndpoint))
}
