package http

import (
	"classmesh/internal/handlers/ws"
	"classmesh/internal/infrastructure/middleware"
	"classmesh/pkg/config"
	"classmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter assembles the status API with the standard middleware chain.
func NewRouter(cfg *config.Config, handler *ClassroomHandler, events *ws.EventHub, log *zap.Logger) *gin.Engine {
	router := gin.New()
	contextLogger := logger.NewContextLogger(log)

	router.Use(
		middleware.RecoveryMiddleware(log.Sugar()),
		middleware.RequestContextMiddleware(contextLogger, func() (string, string) {
			return string(handler.classroom.RoomID()), string(handler.classroom.ParticipantID())
		}),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(contextLogger),
	)

	api := handler.SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg))
	if events != nil {
		api.GET("/events", gin.WrapF(events.HandleWebSocket))
	}
	return router
}
