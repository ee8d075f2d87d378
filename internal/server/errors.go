package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safeschool/edge/internal/apperr"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{gateways.ErrGatewayNotFound, http.StatusNotFound, "gateway_not_found"},
	{gateways.ErrFailoverNotFound, http.StatusNotFound, "failover_not_found"},
	{gateways.ErrUnknownProvisioningToken, http.StatusNotFound, "unknown_provisioning_token"},
	{commands.ErrCommandNotFound, http.StatusNotFound, "command_not_found"},
	{gateways.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{gateways.ErrAlreadyActivated, http.StatusConflict, "already_activated"},
	{gateways.ErrAlreadyPaired, http.StatusConflict, "already_paired"},
	{gateways.ErrNotPaired, http.StatusConflict, "not_paired"},
	{gateways.ErrFailoverInProgress, http.StatusConflict, "failover_in_progress"},
	{gateways.ErrOwnershipConflict, http.StatusConflict, "ownership_conflict"},
	{gateways.ErrPartnerUnavailable, http.StatusConflict, "partner_unavailable"},
	{commands.ErrCommandClosed, http.StatusConflict, "command_closed"},
	{commands.ErrNotRetryable, http.StatusConflict, "command_not_retryable"},
	{gateways.ErrSelfPair, http.StatusBadRequest, "self_pair"},
	{gateways.ErrSiteMismatch, http.StatusBadRequest, "site_mismatch"},
	{gateways.ErrNotPartners, http.StatusBadRequest, "not_partners"},
	{gateways.ErrInvalidMode, http.StatusBadRequest, "invalid_mode"},
	{gateways.ErrForeignDevice, http.StatusBadRequest, "foreign_device"},
	{commands.ErrInvalidCommand, http.StatusBadRequest, "invalid_command"},
	{commands.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{commands.ErrNoGatewayAvailable, http.StatusServiceUnavailable, "no_gateway_available"},
}

// statusFor maps a service error to an HTTP status and an error code. Unknown
// errors are 500 and report their service code when they carry one.
func statusFor(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	if code := apperr.Code(err); code != "" {
		return http.StatusInternalServerError, code
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug(message, zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
