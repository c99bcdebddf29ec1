package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/jobs-orchestrator/internal/http/handlers"
	httpMW "github.com/yungbote/jobs-orchestrator/internal/http/middleware"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type RouterConfig struct {
	Log              *logger.Logger
	Metrics          *observability.Metrics
	MetricsHandler   nethttp.Handler
	CORSOrigins      []string
	ServiceName      string
	CallerMiddleware *httpMW.CallerMiddleware

	JobHandler    *httpH.JobHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api/v1")
	if cfg.CallerMiddleware != nil {
		api.Use(cfg.CallerMiddleware.RequireCaller())
	}

	// Job
	if cfg.JobHandler != nil {
		api.POST("/jobs", cfg.JobHandler.SubmitJob)
		api.GET("/jobs", cfg.JobHandler.FindJobs)
		api.GET("/jobs/count", cfg.JobHandler.CountJobs)
		api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
	}

	return r
}
