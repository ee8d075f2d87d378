package agent

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/safeschool/edge/internal/edgesync"
	"github.com/safeschool/edge/internal/health"
	"github.com/safeschool/edge/internal/queue"
	"go.uber.org/zap"
)

const defaultDeadLetterLimit = 100

type statusPayload struct {
	Mode   health.Mode    `json:"mode"`
	Health health.Report  `json:"health"`
	Sync   edgesync.Stats `json:"sync"`
	Agent  Snapshot       `json:"agent"`
}

type deadLetterPayload struct {
	ID         uint64 `json:"id"`
	EntityType string `json:"entityType"`
	Action     string `json:"action"`
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
}

type statusHandler struct {
	agent  *Agent
	logger *zap.Logger
}

// NewStatusHandler serves the gateway's local endpoints: the /health probe
// partners poll, a status snapshot, and dead-letter review for technicians.
func NewStatusHandler(agent *Agent) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	handler := &statusHandler{agent: agent, logger: agent.logger.Named("status")}

	router.GET("/health", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.GET("/queue/dead", handler.handleDeadLetters)
	router.POST("/queue/:id/requeue", handler.handleRequeue)
	return router
}

func (h *statusHandler) handleHealth(c *gin.Context) {
	report := h.agent.health.LastReport()
	status := http.StatusOK
	if !report.CheckedAt.IsZero() && !report.ServingTraffic {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"mode": h.agent.health.Mode(), "servingTraffic": status == http.StatusOK})
}

func (h *statusHandler) handleStatus(c *gin.Context) {
	stats, err := h.agent.engine.Stats(c.Request.Context())
	if err != nil {
		h.logger.Warn("sync stats incomplete", zap.Error(err))
	}
	c.JSON(http.StatusOK, statusPayload{
		Mode:   h.agent.health.Mode(),
		Health: h.agent.health.LastReport(),
		Sync:   stats,
		Agent:  h.agent.Snapshot(),
	})
}

func (h *statusHandler) handleDeadLetters(c *gin.Context) {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	dead, err := h.agent.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	response := make([]deadLetterPayload, 0, len(dead))
	for _, operation := range dead {
		response = append(response, deadLetterPayload{
			ID:         operation.ID,
			EntityType: operation.EntityType,
			Action:     string(operation.Action),
			RetryCount: operation.RetryCount,
			LastError:  operation.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

func (h *statusHandler) handleRequeue(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	err = h.agent.queue.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "operation_not_found"})
	case errors.Is(err, queue.ErrNotDead):
		c.JSON(http.StatusConflict, gin.H{"error": "operation_not_dead"})
	case err != nil:
		h.logger.Error("requeue failed", zap.Uint64("operation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	default:
		c.JSON(http.StatusOK, gin.H{"requeued": id})
	}
}
