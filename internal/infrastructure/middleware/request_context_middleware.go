package middleware

import (
	"time"

	"classmesh/pkg/logger"
	"classmesh/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	RequestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64
)

// RequestContextMiddleware tags each request with an id and the local room
// and participant ids, then logs it once it completes.
func RequestContextMiddleware(log *logger.ContextLogger, ids func() (roomID, participantID string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := utils.TruncateString(utils.SanitizeString(c.GetHeader(RequestIDHeader)), maxRequestIDLength)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if ids != nil {
			roomID, participantID := ids()
			ctx = logger.WithRoomID(ctx, roomID)
			ctx = logger.WithParticipantID(ctx, participantID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		log.LogRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
