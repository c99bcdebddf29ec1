package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobs-orchestrator/internal/http/response"
	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/identity"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type CallerMiddleware struct {
	log      *logger.Logger
	resolver *identity.Resolver
}

func NewCallerMiddleware(baseLog *logger.Logger, resolver *identity.Resolver) *CallerMiddleware {
	return &CallerMiddleware{log: baseLog.With("middleware", "CallerMiddleware"), resolver: resolver}
}

// RequireCaller attaches the forwarded caller to the request context.
func (m *CallerMiddleware) RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := m.resolver.Resolve(c.GetHeader)
		if err != nil {
			m.log.Debug("caller rejected", "path", c.FullPath(), "error", err)
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		c.Request = c.Request.WithContext(ctxutil.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}
