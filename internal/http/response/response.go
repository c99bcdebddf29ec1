package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobs-orchestrator/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondServiceError maps a service error onto its HTTP status. Internal
// failures are logged by the request logger, not echoed.
func RespondServiceError(c *gin.Context, err error) {
	status := apierr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		RespondError(c, status, "internal", nil)
		c.Set("error_detail", err.Error())
		return
	}
	RespondError(c, status, apierr.CodeOf(err), err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
