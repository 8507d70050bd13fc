package http

import (
	"context"
	"net/http"

	"classmesh/internal/core/domain"
	"classmesh/internal/infrastructure/monitoring"
	"classmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Classroom is the coordinator surface the status API drives.
type Classroom interface {
	Role() domain.Role
	RoomID() domain.RoomID
	ParticipantID() domain.ParticipantID
	Sessions() []domain.SessionInfo
	UpdateAudioState(ctx context.Context, enabled bool) error
	UpdateHandRaise(ctx context.Context, raised bool) error
}

type ClassroomHandler struct {
	classroom Classroom
	health    *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
}

// NewClassroomHandler serves metrics from gatherer, or from the default
// registry when gatherer is nil.
func NewClassroomHandler(classroom Classroom, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *ClassroomHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &ClassroomHandler{
		classroom: classroom,
		health:    health,
		gatherer:  gatherer,
	}
}

// SetupRoutes registers the probes at the root and the API under /api/v1,
// behind apiMiddleware. The API group is returned for further routes.
func (h *ClassroomHandler) SetupRoutes(router *gin.Engine, apiMiddleware ...gin.HandlerFunc) *gin.RouterGroup {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1", apiMiddleware...)
	{
		api.GET("/sessions", h.ListSessions)
		api.POST("/audio", h.UpdateAudio)
		api.POST("/hand", h.UpdateHand)
	}
	return api
}

func (h *ClassroomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
}

func (h *ClassroomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ClassroomHandler) ListSessions(c *gin.Context) {
	sessions := h.classroom.Sessions()
	if sessions == nil {
		sessions = []domain.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":        h.classroom.RoomID(),
		"participant_id": h.classroom.ParticipantID(),
		"role":           h.classroom.Role(),
		"sessions":       sessions,
	})
}

func (h *ClassroomHandler) UpdateAudio(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.classroom.UpdateAudioState(c.Request.Context(), *req.Enabled); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *ClassroomHandler) UpdateHand(c *gin.Context) {
	var req struct {
		Raised *bool `json:"raised" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.classroom.UpdateHandRaise(c.Request.Context(), *req.Raised); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"raised": *req.Raised})
}
