package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/snappy"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/cloudsync"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"go.uber.org/zap"
)

const maxSyncBodyBytes = 8 << 20

func (h *httpHandler) handleActivate(c *gin.Context) {
	var request cloudapi.ActivateRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ProvisioningToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	gateway, token, err := h.cluster.Activate(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, "gateway activation failed", err)
		return
	}
	c.JSON(http.StatusCreated, cloudapi.ActivateResponse{Gateway: gateway.View(), AuthToken: token})
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	var heartbeat cloudapi.Heartbeat
	if err := c.ShouldBindJSON(&heartbeat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if heartbeat.GatewayID != "" && heartbeat.GatewayID != gateway.ID {
		h.logger.Warn("heartbeat for another gateway",
			zap.String("gateway_id", gateway.ID),
			zap.String("claimed_gateway_id", heartbeat.GatewayID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	updated, err := h.cluster.RecordHeartbeat(c.Request.Context(), gateway.ID, heartbeat)
	if err != nil {
		h.respondError(c, "heartbeat failed", err)
		return
	}
	c.JSON(http.StatusOK, cloudapi.HeartbeatResponse{Gateway: updated.View()})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSyncBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.EqualFold(strings.TrimSpace(c.GetHeader("Content-Encoding")), cloudapi.EncodingSnappy) {
		decodedLen, lenErr := snappy.DecodedLen(body)
		if lenErr == nil && decodedLen > maxSyncBodyBytes {
			h.logger.Warn("snappy body too large", zap.String("gateway_id", gateway.ID), zap.Int("decoded_bytes", decodedLen))
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
			return
		}
		body, err = snappy.Decode(nil, body)
		if err != nil {
			h.logger.Warn("snappy body rejected", zap.String("gateway_id", gateway.ID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_encoding"})
			return
		}
	}
	var request cloudapi.SyncRequest
	if err := json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response := h.sync.Apply(c.Request.Context(), cloudsync.Origin{GatewayID: gateway.ID, SiteID: gateway.SiteID}, request.Entities)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	entityType := strings.TrimSpace(c.Query("type"))
	if entityType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_type"})
		return
	}
	var after int64
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
			return
		}
		after = parsed
	}
	response, err := h.sync.Changes(c.Request.Context(), gateway.SiteID, entityType, after)
	if err != nil {
		h.respondError(c, "changes query failed", err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePendingCommands(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	pending, err := h.dispatcher.Pending(c.Request.Context(), gateway.ID)
	if err != nil {
		h.respondError(c, "pending commands query failed", err)
		return
	}
	response := cloudapi.CommandsResponse{Commands: make([]cloudapi.Command, 0, len(pending))}
	for _, command := range pending {
		response.Commands = append(response.Commands, command.View())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCommandReport(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	var report cloudapi.CommandReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	commandID := c.Param("id")
	command, err := h.dispatcher.Get(c.Request.Context(), commandID)
	if err != nil {
		h.respondError(c, "command lookup failed", err)
		return
	}
	if command.GatewayID != gateway.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_command_gateway"})
		return
	}
	status := commands.Status(strings.ToLower(strings.TrimSpace(report.Status)))
	updated, err := h.dispatcher.ReportResult(c.Request.Context(), commandID, status, report.FailureReason)
	if err != nil {
		h.respondError(c, "command report failed", err)
		return
	}
	c.JSON(http.StatusOK, updated.View())
}

func (h *httpHandler) handleFailoverNotify(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	var notice cloudapi.FailoverNotice
	if err := c.ShouldBindJSON(&notice); err != nil || strings.TrimSpace(notice.FailedGatewayID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if notice.AssumingGatewayID != "" && notice.AssumingGatewayID != gateway.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_assuming_gateway"})
		return
	}
	event, err := h.cluster.AutomaticFailover(
		c.Request.Context(),
		notice.FailedGatewayID,
		gateway.ID,
		notice.Reason,
		gateways.FailoverOptions{IncidentActive: notice.IncidentActiveAtTime},
	)
	if err != nil {
		h.respondError(c, "failover notification failed", err)
		return
	}
	c.JSON(http.StatusOK, cloudapi.FailoverAck{EventID: event.ID})
}

func (h *httpHandler) handleRecovery(c *gin.Context) {
	gateway, _ := authenticatedGateway(c)
	var request cloudapi.RecoveryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if request.GatewayID != "" && request.GatewayID != gateway.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_recovering_gateway"})
		return
	}
	result, err := h.cluster.Recover(c.Request.Context(), gateway.ID)
	if err != nil {
		h.respondError(c, "recovery failed", err)
		return
	}
	response := cloudapi.RecoveryResponse{Gateway: result.Gateway.View()}
	if result.Partner != nil {
		partner := result.Partner.View()
		response.Partner = &partner
	}
	c.JSON(http.StatusOK, response)
}
