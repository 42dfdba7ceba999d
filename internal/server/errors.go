package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/pkg/apperr"
	"gorm.io/gorm"
)

type errorPayload struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error after the chain
// finishes. Handlers push errors with AbortWithError and never write
// failure bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidBody(err error) error {
	return apperr.Newf(apperr.CodeInvalidArgument, "invalid_body", "request body: %v", err)
}

func mapError(err error) (int, errorPayload) {
	if appErr, ok := apperr.As(err); ok {
		return statusOf(appErr.Code), errorPayload{
			Code:    string(appErr.Code),
			Reason:  appErr.Reason,
			Message: appErr.Message,
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, errorPayload{
			Code:    string(apperr.CodeNotFound),
			Message: "not found",
		}
	}
	return http.StatusInternalServerError, errorPayload{
		Code:    string(apperr.CodeInternal),
		Message: "internal server error",
	}
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeFailedPrecondition:
		return http.StatusConflict
	case apperr.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case apperr.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
