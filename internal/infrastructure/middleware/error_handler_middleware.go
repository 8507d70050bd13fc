package middleware

import (
	"net/http"

	"classmesh/pkg/errors"
	"classmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached by a handler.
// Domain errors are mapped to their application code and status.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		ctx := c.Request.Context()
		appErr := errors.Classify(c.Errors.Last().Err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.LogError(ctx, appErr, "request failed",
				zap.String("code", string(appErr.Code)),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		} else {
			log.WithContext(ctx).Debug("request rejected",
				zap.String("code", string(appErr.Code)),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into an internal error response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
