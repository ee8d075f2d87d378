package gateways

import (
	"context"
	"errors"
	"strings"

	"github.com/safeschool/edge/internal/apperr"
	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/cloudapi"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opProvision    = "gateways.provision"
	opActivate     = "gateways.activate"
	opAuthenticate = "gateways.authenticate"
)

// ProvisionRequest creates a gateway row awaiting activation. An empty ID is
// generated.
type ProvisionRequest struct {
	ID     string
	SiteID string
	Name   string
}

// Provision creates a gateway in the provisioning state and returns the
// one-time provisioning token for it. Provisioning an existing id issues a new
// token only while the gateway has not been activated.
func (m *Manager) Provision(ctx context.Context, request ProvisionRequest) (Gateway, string, error) {
	siteID := strings.TrimSpace(request.SiteID)
	if siteID == "" {
		return Gateway{}, "", apperr.New(opProvision, "missing_site", nil)
	}
	gatewayID := strings.TrimSpace(request.ID)
	if gatewayID == "" {
		generated, err := m.idProvider.NewID()
		if err != nil {
			return Gateway{}, "", apperr.New(opProvision, "id_failed", err)
		}
		gatewayID = generated
	}
	unlock := m.locks.lock(gatewayID)
	defer unlock()

	raw, hash, err := auth.GenerateGatewayToken()
	if err != nil {
		return Gateway{}, "", apperr.New(opProvision, "token_failed", err)
	}

	gateway, err := m.load(ctx, gatewayID)
	switch {
	case errors.Is(err, ErrGatewayNotFound):
		gateway = Gateway{
			ID:              gatewayID,
			SiteID:          siteID,
			Status:          StatusProvisioning,
			ClusterRole:     RoleSingle,
			ClusterMode:     ModeStandalone,
			ClusterState:    StateSingle,
			OriginalRole:    RoleSingle,
			CreatedAtMillis: m.nowMillis(),
		}
	case err != nil:
		return Gateway{}, "", err
	case gateway.ActivatedAtMillis != nil:
		return Gateway{}, "", ErrAlreadyActivated
	case gateway.SiteID != siteID:
		return Gateway{}, "", ErrSiteMismatch
	}
	gateway.Name = strings.TrimSpace(request.Name)
	if gateway.Name == "" {
		gateway.Name = gatewayID
	}
	gateway.ProvisioningTokenHash = hash
	if err := m.save(ctx, &gateway); err != nil {
		m.logError(opProvision, "save_failed", err, zap.String("gateway_id", gatewayID))
		return Gateway{}, "", err
	}
	m.logger.Info("gateway provisioned", zap.String("gateway_id", gatewayID), zap.String("site_id", siteID))
	return gateway, raw, nil
}

// Activate exchanges a provisioning token for the gateway's permanent auth
// token. The provisioning hash is kept so a repeated activation is reported as
// a conflict rather than an unknown token.
func (m *Manager) Activate(ctx context.Context, request cloudapi.ActivateRequest) (Gateway, string, error) {
	token := strings.TrimSpace(request.ProvisioningToken)
	if token == "" {
		return Gateway{}, "", ErrUnknownProvisioningToken
	}
	var candidate Gateway
	err := m.db.WithContext(ctx).Where("provisioning_token_hash = ?", auth.HashGatewayToken(token)).Take(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Gateway{}, "", ErrUnknownProvisioningToken
	}
	if err != nil {
		m.logError(opActivate, "query_failed", err)
		return Gateway{}, "", apperr.New(opActivate, "query_failed", err)
	}

	unlock := m.locks.lock(candidate.ID)
	defer unlock()
	gateway, err := m.load(ctx, candidate.ID)
	if err != nil {
		return Gateway{}, "", err
	}
	if gateway.ActivatedAtMillis != nil {
		return Gateway{}, "", ErrAlreadyActivated
	}

	raw, hash, err := auth.GenerateGatewayToken()
	if err != nil {
		return Gateway{}, "", apperr.New(opActivate, "token_failed", err)
	}
	now := m.nowMillis()
	gateway.AuthTokenHash = hash
	gateway.ActivatedAtMillis = &now
	gateway.LastHeartbeatAtMillis = &now
	gateway.Status = StatusOnline
	gateway.Hostname = strings.TrimSpace(request.Hostname)
	gateway.IPAddress = strings.TrimSpace(request.IPAddress)
	gateway.MACAddress = strings.TrimSpace(request.MACAddress)
	gateway.FirmwareVersion = strings.TrimSpace(request.FirmwareVersion)
	if err := m.save(ctx, &gateway); err != nil {
		m.logError(opActivate, "save_failed", err, zap.String("gateway_id", gateway.ID))
		return Gateway{}, "", err
	}
	m.logger.Info("gateway activated",
		zap.String("gateway_id", gateway.ID),
		zap.String("hostname", gateway.Hostname),
		zap.String("firmware_version", gateway.FirmwareVersion))
	return gateway, raw, nil
}

// Authenticate checks a gateway's bearer token.
func (m *Manager) Authenticate(ctx context.Context, gatewayID, rawToken string) (Gateway, error) {
	gateway, err := m.load(ctx, strings.TrimSpace(gatewayID))
	if errors.Is(err, ErrGatewayNotFound) {
		return Gateway{}, ErrUnauthorized
	}
	if err != nil {
		return Gateway{}, apperr.New(opAuthenticate, "load_failed", err)
	}
	if gateway.ActivatedAtMillis == nil || !auth.VerifyGatewayToken(rawToken, gateway.AuthTokenHash) {
		return Gateway{}, ErrUnauthorized
	}
	return gateway, nil
}
