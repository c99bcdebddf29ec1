package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobs-orchestrator/internal/platform/identity"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// CORS allows the dashboards in origins (the local dev servers when empty) to
// call the API with forwarded identity headers.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			identity.HeaderAuthorization,
			identity.HeaderUserUID,
			identity.HeaderOrganizationID,
			identity.HeaderWorkspaceID,
			identity.HeaderProjectIDs,
			identity.HeaderAllJobs,
			headerRequestID,
		},
		ExposeHeaders:    []string{headerTraceID, headerRequestID},
		AllowCredentials: true,
	})
}
