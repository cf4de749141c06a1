package api

import (
	"github.com/gin-gonic/gin"

	"github.com/rbutinar/power-bi-catalog/config"
	"github.com/rbutinar/power-bi-catalog/internal/api/handler"
	"github.com/rbutinar/power-bi-catalog/internal/api/middleware"
	"github.com/rbutinar/power-bi-catalog/internal/telemetry"
)

type Router struct {
	scanHandler      *handler.ScanHandler
	indexHandler     *handler.IndexHandler
	websocketHandler *handler.WebSocketHandler
	healthHandler    *handler.HealthHandler
	cfg              *config.Config
}

func NewRouter(
	scanHandler *handler.ScanHandler,
	indexHandler *handler.IndexHandler,
	websocketHandler *handler.WebSocketHandler,
	healthHandler *handler.HealthHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		scanHandler:      scanHandler,
		indexHandler:     indexHandler,
		websocketHandler: websocketHandler,
		healthHandler:    healthHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	// 公开接口
	engine.GET("/healthz", r.healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(telemetry.Handler()))

	api := engine.Group("/api/v1")
	api.Use(middleware.Auth(r.cfg.JWT.Secret))
	{
		// 扫描任务
		scans := api.Group("/scans")
		{
			scans.POST("", r.scanHandler.Create)
			scans.GET("", r.scanHandler.List)
			scans.GET("/:id", r.scanHandler.Get)
			scans.POST("/:id/cancel", r.scanHandler.Cancel)
			scans.DELETE("/:id", r.scanHandler.Delete)
			scans.GET("/:id/ws", r.websocketHandler.Handle)
		}

		// 元数据索引
		api.GET("/index/stats", r.indexHandler.Stats)
	}

	return engine
}
