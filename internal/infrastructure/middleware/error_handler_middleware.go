package middleware

import (
	"net/http"

	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached by a handler with
// c.Error. Handlers that already wrote a response are only logged.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		traceID := tracing.TraceID(c.Request.Context())

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"trace_id", traceID,
			)
			appErr = apperrors.NewInternalError("internal server error")
		} else {
			log := logger.Warnw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"cause", appErr.Cause,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"trace_id", traceID,
			)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(apperrors.NewInternalError("internal server error")))
			}
		}()

		c.Next()
	}
}
