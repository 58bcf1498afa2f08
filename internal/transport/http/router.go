package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"disposms/backend/internal/config"
	"disposms/backend/internal/health"
	"disposms/backend/internal/middleware"
	"disposms/backend/internal/monitoring"
	"disposms/backend/internal/service"
	"disposms/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	pool     *service.NumberPoolService
	messages *service.MessageService
	ingress  *service.IngressService
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	PoolService    *service.NumberPoolService
	MessageService *service.MessageService
	IngressService *service.IngressService
	Tokens         middleware.TokenValidator
	WebSocketHub   *websocket.Hub      // 为空时不注册 /v1/ws
	Metrics        *monitoring.Metrics // 为空时不注册 /metrics
	Monitoring     *middleware.MonitoringMiddleware
	Health         *health.HealthChecker // 为空时不注册健康检查
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config

	router := gin.New()

	mm := deps.Monitoring
	if mm == nil {
		mm = middleware.NewMonitoringMiddleware(deps.Metrics, log)
	}
	router.Use(middleware.RecoveryHandler(log, mm.OnPanic))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(gincors.New(corsConfig(cfg.CORS.AllowedOrigins)))

	handler := &Handler{
		pool:     deps.PoolService,
		messages: deps.MessageService,
		ingress:  deps.IngressService,
		log:      log,
	}
	jwtAuth := middleware.NewJWTAuth(deps.Tokens, log)

	if deps.Health != nil {
		deps.Health.Register(router)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	{
		// ========== Number Routes ==========
		numberRoutes := v1.Group("/numbers")
		numberRoutes.Use(jwtAuth.RequireAuth())
		{
			numberRoutes.GET("/available", handler.listAvailable)
			numberRoutes.POST("/acquire", handler.acquire)
			numberRoutes.GET("/mine", handler.listMine)
			numberRoutes.GET("/:id", handler.getLease)
			numberRoutes.POST("/:id/extend", handler.extend)
			numberRoutes.POST("/:id/release", handler.release)
		}

		// ========== Message Routes ==========
		messageRoutes := v1.Group("/messages")
		messageRoutes.Use(jwtAuth.RequireAuth())
		{
			messageRoutes.GET("", handler.listMessages)
			messageRoutes.POST("/read-all", handler.markAllRead)
			messageRoutes.GET("/:id", handler.getMessage)
			messageRoutes.POST("/:id/read", handler.markMessageRead)
			messageRoutes.DELETE("/:id", handler.deleteMessage)
		}

		// ========== Admin Routes ==========
		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(jwtAuth.RequireAuth(), middleware.RequireAdmin())
		{
			adminRoutes.POST("/numbers/import", handler.importNumbers)
			adminRoutes.POST("/numbers/:id/suspend", handler.suspendNumber)
			adminRoutes.POST("/numbers/:id/release", handler.forceRelease)
			adminRoutes.POST("/sweep", handler.sweep)
			adminRoutes.GET("/stats", handler.stats)
		}

		// ========== Webhook Routes ==========
		// 供应商回调不走 JWT，由签名校验保证来源
		webhookRoutes := v1.Group("/webhooks")
		webhookRoutes.Use(
			middleware.BodySizeLimit(cfg.Webhook.MaxBodyBytes),
			middleware.ValidateContentType("application/json", "application/x-www-form-urlencoded"),
		)
		{
			if !cfg.Server.IsProduction() {
				webhookRoutes.POST("/test", jwtAuth.RequireAuth(), handler.injectTest)
			}
			webhookRoutes.POST("/:provider/sms", handler.inboundSMS)
			webhookRoutes.POST("/:provider/status", handler.deliveryStatus)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"X-Max-Body-Size",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			cfg.AllowCredentials = false
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			break
		}
	}
	return cfg
}
