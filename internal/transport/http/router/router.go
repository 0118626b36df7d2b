// Package router file: internal/transport/http/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/observe"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/transport/http/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Dependencies 结构体用于将所有依赖项注入到路由器中。
// AuthHook 是认证这一外部协作方的挂载点：非 nil 时套在元数据与数据平面之前，
// 本仓库自身不提供实现。
type Dependencies struct {
	Query       port.QueryService
	RateLimiter *middleware.IPRateLimiter
	AuthHook    gin.HandlerFunc
}

// New 创建并配置一个全新的、基于 Gin 的 HTTP 路由器。
func New(deps Dependencies) http.Handler {
	router := gin.Default()

	// --- 配置全局中间件 ---
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(requestIDMiddleware())
	router.Use(observe.PrometheusMiddleware())
	router.Use(middleware.ErrorHandlingMiddleware())

	v1 := router.Group("/api/v1")
	{
		// --- 元数据/发现平面 (Metadata/Discovery Plane) ---
		metaGroup := v1.Group("/meta")
		if deps.AuthHook != nil {
			metaGroup.Use(deps.AuthHook)
		}
		{
			metaGroup.GET("/schema", schemaHandler(deps.Query))
		}

		// --- 数据平面 (Data Plane) ---
		dataGroup := v1.Group("/data")
		if deps.AuthHook != nil {
			dataGroup.Use(deps.AuthHook)
		}
		if deps.RateLimiter != nil {
			dataGroup.Use(deps.RateLimiter.Middleware())
		}
		{
			dataGroup.POST("/execute", executeHandler(deps.Query))
			dataGroup.POST("/facet", facetHandler(deps.Query))
		}
	}

	router.GET("/healthz", healthHandler(deps.Query))
	router.GET("/metrics", gin.WrapH(observe.Handler()))

	return router
}

// requestIDMiddleware 给每个请求分配 uuid，写入上下文与响应头，便于日志关联。
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// schemaHandler 返回白名单内且实际存在的表/视图结构。
func schemaHandler(q port.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tables, err := q.Schema(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": tables})
	}
}

// executeHandler 接收 QueryConfig，编译并执行，回显编译后的 SQL。
func executeHandler(q port.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg domain.QueryConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		observe.TotalQueries.Inc()
		result, err := q.Execute(c.Request.Context(), cfg)
		if err != nil {
			observe.FailedQueries.Inc()
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data":     result.Data,
			"rowCount": result.RowCount,
			"sql":      result.SQL,
		})
	}
}

// facetRequest 是 facet 入口的请求体。
type facetRequest struct {
	Column string             `json:"column" binding:"required"`
	Config domain.QueryConfig `json:"config"`
}

// facetHandler 返回单列的去重计数，目标列自身的过滤条件被剔除。
func facetHandler(q port.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req facetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		observe.TotalQueries.Inc()
		result, err := q.Facet(c.Request.Context(), req.Config, req.Column)
		if err != nil {
			observe.FailedQueries.Inc()
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data": result.Data,
			"sql":  result.SQL,
		})
	}
}

// healthHandler 检查底层存储连通性。
func healthHandler(q port.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := q.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
