package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"go.uber.org/zap"
)

type provisionRequestPayload struct {
	ID     string `json:"id"`
	SiteID string `json:"siteId"`
	Name   string `json:"name"`
}

type provisionResponsePayload struct {
	Gateway           cloudapi.Gateway `json:"gateway"`
	ProvisioningToken string           `json:"provisioningToken"`
}

type pairRequestPayload struct {
	GatewayA string `json:"gatewayA"`
	GatewayB string `json:"gatewayB"`
	Mode     string `json:"mode"`
}

type pairResponsePayload struct {
	Gateways []cloudapi.Gateway `json:"gateways"`
}

type assignRequestPayload struct {
	IDs []string `json:"ids"`
}

type plannedFailoverPayload struct {
	GatewayID string `json:"gatewayId"`
	Reason    string `json:"reason"`
}

type failoverEventPayload struct {
	ID                  string     `json:"id"`
	SiteID              string     `json:"siteId"`
	FailedGatewayID     string     `json:"failedGatewayId"`
	AssumingGatewayID   string     `json:"assumingGatewayId"`
	Type                string     `json:"type"`
	Reason              string     `json:"reason,omitempty"`
	DevicesTransferred  []string   `json:"devicesTransferred"`
	ZonesTransferred    []string   `json:"zonesTransferred"`
	IncidentActive      bool       `json:"incidentActiveAtTime"`
	FailoverStartedAt   time.Time  `json:"failoverStartedAt"`
	FailoverCompletedAt *time.Time `json:"failoverCompletedAt,omitempty"`
	RecoveredAt         *time.Time `json:"recoveredAt,omitempty"`
	DurationMillis      *int64     `json:"durationMs,omitempty"`
}

type clusterStatusPayload struct {
	SiteID        string                 `json:"siteId"`
	Gateways      []cloudapi.Gateway     `json:"gateways"`
	OpenFailovers []failoverEventPayload `json:"openFailovers"`
}

type issueCommandPayload struct {
	DoorID  string `json:"doorId"`
	SiteID  string `json:"siteId"`
	Command string `json:"command"`
}

type commandPayload struct {
	cloudapi.Command
	MaxRetries    int        `json:"maxRetries"`
	FailureReason string     `json:"failureReason,omitempty"`
	EscalatedAt   *time.Time `json:"escalatedAt,omitempty"`
}

func (h *httpHandler) handleProvision(c *gin.Context) {
	var request provisionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SiteID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	gateway, token, err := h.cluster.Provision(c.Request.Context(), gateways.ProvisionRequest{
		ID:     request.ID,
		SiteID: request.SiteID,
		Name:   request.Name,
	})
	if err != nil {
		h.respondError(c, "gateway provisioning failed", err)
		return
	}
	h.logger.Info("gateway provisioned", zap.String("gateway_id", gateway.ID), zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusCreated, provisionResponsePayload{Gateway: gateway.View(), ProvisioningToken: token})
}

func (h *httpHandler) handlePair(c *gin.Context) {
	var request pairRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	first, second, err := h.cluster.Pair(c.Request.Context(), request.GatewayA, request.GatewayB, gateways.ClusterMode(strings.TrimSpace(request.Mode)))
	if err != nil {
		h.respondError(c, "pairing failed", err)
		return
	}
	h.logger.Info("gateways paired",
		zap.String("gateway_a", first.ID),
		zap.String("gateway_b", second.ID),
		zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusOK, pairResponsePayload{Gateways: []cloudapi.Gateway{first.View(), second.View()}})
}

func (h *httpHandler) handleUnpair(c *gin.Context) {
	first, second, err := h.cluster.Unpair(c.Request.Context(), c.Param("gatewayId"))
	if err != nil {
		h.respondError(c, "unpairing failed", err)
		return
	}
	c.JSON(http.StatusOK, pairResponsePayload{Gateways: []cloudapi.Gateway{first.View(), second.View()}})
}

func (h *httpHandler) handleAssign(kind gateways.DeviceKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request assignRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		var (
			gateway gateways.Gateway
			err     error
		)
		if kind == gateways.KindZone {
			gateway, err = h.cluster.AssignZones(c.Request.Context(), c.Param("id"), request.IDs)
		} else {
			gateway, err = h.cluster.AssignDevices(c.Request.Context(), c.Param("id"), request.IDs)
		}
		if err != nil {
			h.respondError(c, "assignment failed", err)
			return
		}
		c.JSON(http.StatusOK, gateway.View())
	}
}

func (h *httpHandler) handlePlannedFailover(c *gin.Context) {
	var request plannedFailoverPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.GatewayID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = "planned maintenance"
	}
	event, err := h.cluster.PlannedFailover(c.Request.Context(), request.GatewayID, reason)
	if err != nil {
		h.respondError(c, "planned failover failed", err)
		return
	}
	h.logger.Info("planned failover started",
		zap.String("event_id", event.ID),
		zap.String("gateway_id", event.FailedGatewayID),
		zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusCreated, newFailoverEventPayload(event))
}

func (h *httpHandler) handleCompleteFailover(c *gin.Context) {
	event, err := h.cluster.CompleteFailover(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		h.respondError(c, "failover completion failed", err)
		return
	}
	c.JSON(http.StatusOK, newFailoverEventPayload(event))
}

func (h *httpHandler) handleClusterStatus(c *gin.Context) {
	status, err := h.cluster.Status(c.Request.Context(), c.Param("siteId"))
	if err != nil {
		h.respondError(c, "cluster status failed", err)
		return
	}
	response := clusterStatusPayload{
		SiteID:        status.SiteID,
		Gateways:      make([]cloudapi.Gateway, 0, len(status.Gateways)),
		OpenFailovers: make([]failoverEventPayload, 0, len(status.OpenFailovers)),
	}
	for _, gateway := range status.Gateways {
		response.Gateways = append(response.Gateways, gateway.View())
	}
	for _, event := range status.OpenFailovers {
		response.OpenFailovers = append(response.OpenFailovers, newFailoverEventPayload(event))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFailoverHistory(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	events, err := h.cluster.History(c.Request.Context(), c.Param("siteId"), limit)
	if err != nil {
		h.respondError(c, "failover history failed", err)
		return
	}
	response := make([]failoverEventPayload, 0, len(events))
	for _, event := range events {
		response = append(response, newFailoverEventPayload(event))
	}
	c.JSON(http.StatusOK, gin.H{"failovers": response})
}

func (h *httpHandler) handleIssueCommand(c *gin.Context) {
	var request issueCommandPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DoorID) == "" || strings.TrimSpace(request.SiteID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := commands.ParseKind(request.Command)
	if err != nil {
		h.respondError(c, "command rejected", err)
		return
	}
	command, err := h.dispatcher.Issue(c.Request.Context(), request.DoorID, kind, strings.TrimSpace(request.SiteID))
	if err != nil {
		h.respondError(c, "command issue failed", err)
		return
	}
	h.logger.Info("door command issued",
		zap.String("command_id", command.ID),
		zap.String("door_id", command.DoorID),
		zap.String("gateway_id", command.GatewayID),
		zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusCreated, newCommandPayload(command))
}

func (h *httpHandler) handleRetryCommand(c *gin.Context) {
	command, err := h.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "command retry failed", err)
		return
	}
	c.JSON(http.StatusOK, newCommandPayload(command))
}

// handleAlertStream serves operator alerts as server-sent events. A "ready"
// event is sent once the subscription is registered.
func (h *httpHandler) handleAlertStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.alerts.Subscribe(ctx, strings.TrimSpace(c.Query("siteId")))
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("ready", gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.streamHeartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(alertEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func newFailoverEventPayload(event gateways.FailoverEvent) failoverEventPayload {
	payload := failoverEventPayload{
		ID:                 event.ID,
		SiteID:             event.SiteID,
		FailedGatewayID:    event.FailedGatewayID,
		AssumingGatewayID:  event.AssumingGatewayID,
		Type:               string(event.Type),
		Reason:             event.Reason,
		DevicesTransferred: append([]string{}, event.DevicesTransferred...),
		ZonesTransferred:   append([]string{}, event.ZonesTransferred...),
		IncidentActive:     event.IncidentActive,
		FailoverStartedAt:  time.UnixMilli(event.FailoverStartedAtMillis).UTC(),
		DurationMillis:     event.DurationMillis,
	}
	payload.FailoverCompletedAt = millisPointer(event.FailoverCompletedAtMillis)
	payload.RecoveredAt = millisPointer(event.RecoveredAtMillis)
	return payload
}

func newCommandPayload(command commands.DoorCommand) commandPayload {
	return commandPayload{
		Command:       command.View(),
		MaxRetries:    command.MaxRetries,
		FailureReason: command.FailureReason,
		EscalatedAt:   millisPointer(command.EscalatedAtMillis),
	}
}

func millisPointer(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	converted := time.UnixMilli(*value).UTC()
	return &converted
}
