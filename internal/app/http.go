package app

import (
	"context"
	nethttp "net/http"

	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/grpcapi"
	apphttp "github.com/yungbote/jobs-orchestrator/internal/http"
	httpH "github.com/yungbote/jobs-orchestrator/internal/http/handlers"
	httpMW "github.com/yungbote/jobs-orchestrator/internal/http/middleware"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/identity"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type Transports struct {
	HTTP *apphttp.Server
	GRPC *grpcapi.Server
}

func wireTransports(theDB *gorm.DB, log *logger.Logger, cfg Config, clients Clients, svcs Services, metrics *observability.Metrics, metricsHandler nethttp.Handler) Transports {
	log.Info("Wiring transports...")

	resolver := identity.NewResolver(cfg.CallerTokenSecret)
	if !resolver.Signed() {
		log.Warn("CALLER_TOKEN_SECRET not set; trusting caller identity headers")
	}

	checks := map[string]httpH.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := theDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if clients.BusPing != nil {
		checks["redis"] = clients.BusPing
	}

	httpServer := apphttp.NewServer(":"+cfg.Port, apphttp.RouterConfig{
		Log:              log,
		Metrics:          metrics,
		MetricsHandler:   metricsHandler,
		CORSOrigins:      cfg.CORSOrigins,
		ServiceName:      cfg.ServiceName,
		CallerMiddleware: httpMW.NewCallerMiddleware(log, resolver),
		JobHandler:       httpH.NewJobHandler(svcs.Jobs),
		HealthHandler:    httpH.NewHealthHandler(checks),
	})

	return Transports{
		HTTP: httpServer,
		GRPC: grpcapi.NewServer(log, svcs.Jobs, resolver),
	}
}
