package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taxosync/internal/handler"
)

// Pinger *pgxpool.Pool 提供
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnChecker *mq.Publisher 提供；MQ 未启用时为 nil
type ConnChecker interface {
	IsConnected() bool
}

type Handlers struct {
	Jobs      *handler.JobHandler
	Taxonomy  *handler.TaxonomyHandler
	Retention *handler.RetentionHandler
	Outbox    *handler.OutboxHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, db Pinger, mq ConnChecker, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware(), AccessLogMiddleware(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if mq != nil && !mq.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// 只读
	{
		api.GET("/jobs/current", h.Jobs.Current)
		api.GET("/jobs/:id/status", h.Jobs.GetStatus)
		api.GET("/jobs/:id/events", h.Jobs.Events)
		api.GET("/taxonomy", h.Taxonomy.ListLabels)
		api.GET("/taxonomy/retention/default", h.Taxonomy.GetDefaultRetention)
		api.POST("/retention/preview", h.Retention.Preview)
		api.GET("/outbox/:flavor/failed", h.Outbox.ListFailed)
	}

	// 会修改数据或 provider 的操作需要鉴权
	write := api.Group("/")
	write.Use(AuthMiddleware(jwtSecret))
	{
		write.POST("/jobs/:kind", h.Jobs.StartJob)
		write.POST("/taxonomy", h.Taxonomy.CreateLabel)
		write.PUT("/taxonomy/:id", h.Taxonomy.UpdateLabel)
		write.DELETE("/taxonomy/:id", h.Taxonomy.DeleteLabel)
		write.POST("/taxonomy/retention/bulk", h.Taxonomy.BulkSetRetention)
		write.PUT("/taxonomy/retention/default", h.Taxonomy.SetDefaultRetention)
		write.POST("/sync/labels", h.Retention.SyncLabels)
		write.POST("/outbox/:flavor/replay", h.Outbox.Replay)
	}

	return &Router{Engine: r}
}
