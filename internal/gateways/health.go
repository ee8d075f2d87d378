package gateways

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"go.uber.org/zap"
)

const (
	opHealthCheck = "gateways.health_check"
	opHeartbeat   = "gateways.heartbeat"
)

// HealthReport lists what one health pass changed at a site.
type HealthReport struct {
	SiteID     string
	CheckedAt  time.Time
	Stale      []string
	Restored   []string
	FailedOver []string
	Repaired   []string
}

// RecordHeartbeat stores a gateway's heartbeat and metrics. A heartbeat marks
// the gateway online unless it reports itself degraded; a gateway that was
// failed over keeps its offline status until it recovers.
func (m *Manager) RecordHeartbeat(ctx context.Context, gatewayID string, heartbeat cloudapi.Heartbeat) (Gateway, error) {
	unlock := m.locks.lock(strings.TrimSpace(gatewayID))
	defer unlock()

	gateway, err := m.load(ctx, strings.TrimSpace(gatewayID))
	if err != nil {
		return Gateway{}, err
	}
	now := m.nowMillis()
	gateway.LastHeartbeatAtMillis = &now
	gateway.CPUUsage = heartbeat.CPUUsage
	gateway.MemoryUsage = heartbeat.MemoryUsage
	gateway.BLEDevicesConnected = heartbeat.BLEDevicesConnected
	gateway.PendingCommands = heartbeat.PendingCommands
	if version := strings.TrimSpace(heartbeat.FirmwareVersion); version != "" {
		gateway.FirmwareVersion = version
	}
	if gateway.ClusterState != StateFailover {
		gateway.Status = StatusOnline
		if Status(strings.ToLower(heartbeat.Status)) == StatusDegraded {
			gateway.Status = StatusDegraded
		}
	}
	if err := m.save(ctx, &gateway); err != nil {
		m.logError(opHeartbeat, "save_failed", err, zap.String("gateway_id", gateway.ID))
		return Gateway{}, err
	}
	return gateway, nil
}

// HealthCheck degrades gateways whose heartbeat is older than staleThreshold,
// restores pairs whose members are both fresh again, fails over a paired
// gateway silent for longer than the configured failover delay, and finally
// reconciles interrupted failovers.
func (m *Manager) HealthCheck(ctx context.Context, siteID string, staleThreshold time.Duration) (HealthReport, error) {
	now := m.clock().UTC()
	report := HealthReport{SiteID: siteID, CheckedAt: now}

	gateways, err := m.ListSite(ctx, siteID)
	if err != nil {
		return report, err
	}
	for _, candidate := range gateways {
		if candidate.Status == StatusProvisioning || candidate.Status == StatusOffline {
			continue
		}
		if !isStale(candidate, now, staleThreshold) {
			continue
		}
		changed, err := m.markStale(ctx, candidate.ID, now, staleThreshold)
		if err != nil {
			return report, err
		}
		if changed {
			report.Stale = append(report.Stale, candidate.ID)
		}
	}

	if m.failoverAfter > 0 {
		failed, err := m.failoverSilent(ctx, siteID, now)
		if err != nil {
			return report, err
		}
		report.FailedOver = failed
	}

	restored, err := m.restoreFreshPairs(ctx, siteID, now, staleThreshold)
	if err != nil {
		return report, err
	}
	report.Restored = restored

	repaired, err := m.Reconcile(ctx, siteID)
	if err != nil {
		return report, err
	}
	report.Repaired = repaired
	return report, nil
}

func isStale(gateway Gateway, now time.Time, threshold time.Duration) bool {
	if gateway.LastHeartbeatAtMillis == nil {
		return true
	}
	return now.Sub(gateway.LastHeartbeatAt()) > threshold
}

// markStale degrades a gateway and, when paired, the pair's cluster state.
// A pair in failover keeps that state.
func (m *Manager) markStale(ctx context.Context, gatewayID string, now time.Time, threshold time.Duration) (bool, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return false, err
	}
	defer unlock()
	if gateway.Status == StatusOffline || gateway.Status == StatusProvisioning || !isStale(gateway, now, threshold) {
		return false, nil
	}

	alreadyDegraded := gateway.Status == StatusDegraded
	gateway.Status = StatusDegraded
	if partner != nil && gateway.ClusterState != StateFailover {
		gateway.ClusterState = StateDegraded
	}
	if err := m.save(ctx, &gateway); err != nil {
		m.logError(opHealthCheck, "save_failed", err, zap.String("gateway_id", gateway.ID))
		return false, err
	}
	if partner != nil && partner.ClusterState != StateFailover && partner.ClusterState != StateDegraded {
		partner.ClusterState = StateDegraded
		if err := m.save(ctx, partner); err != nil {
			m.logError(opHealthCheck, "partner_save_failed", err, zap.String("gateway_id", partner.ID))
			return false, err
		}
	}
	if alreadyDegraded {
		return false, nil
	}

	m.logger.Warn("gateway heartbeat stale",
		zap.String("gateway_id", gateway.ID),
		zap.String("site_id", gateway.SiteID),
		zap.Time("last_heartbeat_at", gateway.LastHeartbeatAt()))
	m.notify(Alert{
		Kind:      AlertGatewayDegraded,
		SiteID:    gateway.SiteID,
		GatewayID: gateway.ID,
		Message:   fmt.Sprintf("gateway %s missed heartbeats", gateway.ID),
	})
	return true, nil
}

func (m *Manager) failoverSilent(ctx context.Context, siteID string, now time.Time) ([]string, error) {
	gateways, err := m.ListSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Gateway, len(gateways))
	for _, gateway := range gateways {
		byID[gateway.ID] = gateway
	}

	var failed []string
	for _, gateway := range gateways {
		if !gateway.Paired() || gateway.Status != StatusDegraded || gateway.ClusterState == StateFailover {
			continue
		}
		if !isStale(gateway, now, m.failoverAfter) {
			continue
		}
		partner, ok := byID[gateway.PartnerID]
		if !ok || partner.Status != StatusOnline || partner.ClusterState == StateFailover {
			continue
		}
		_, err := m.AutomaticFailover(ctx, gateway.ID, partner.ID, "heartbeat timeout", FailoverOptions{})
		if err != nil {
			m.logError(opHealthCheck, "failover_failed", err, zap.String("gateway_id", gateway.ID))
			continue
		}
		failed = append(failed, gateway.ID)
		// the partner cannot be failed over in the same pass.
		byID[gateway.ID] = Gateway{}
	}
	return failed, nil
}

// restoreFreshPairs returns degraded pairs to healthy once both members
// heartbeat again and no failover is outstanding.
func (m *Manager) restoreFreshPairs(ctx context.Context, siteID string, now time.Time, threshold time.Duration) ([]string, error) {
	gateways, err := m.ListSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	var restored []string
	for _, candidate := range gateways {
		if !candidate.Paired() || candidate.ClusterState != StateDegraded || candidate.ID > candidate.PartnerID {
			continue
		}
		gateway, partner, unlock, err := m.lockWithPartner(ctx, candidate.ID)
		if err != nil {
			return restored, err
		}
		ok, err := m.restorePair(ctx, &gateway, partner, now, threshold)
		unlock()
		if err != nil {
			return restored, err
		}
		if ok {
			restored = append(restored, gateway.ID, partner.ID)
		}
	}
	return restored, nil
}

func (m *Manager) restorePair(ctx context.Context, gateway, partner *Gateway, now time.Time, threshold time.Duration) (bool, error) {
	if partner == nil {
		return false, nil
	}
	for _, side := range []*Gateway{gateway, partner} {
		if side.Status != StatusOnline || isStale(*side, now, threshold) {
			return false, nil
		}
		if side.ClusterRole == RoleAssumedPrimary || side.ClusterState == StateFailover {
			return false, nil
		}
	}
	if open, err := m.openEventForPair(ctx, gateway.ID, partner.ID); err != nil || open != nil {
		return false, err
	}
	for _, side := range []*Gateway{gateway, partner} {
		side.ClusterState = StateHealthy
		if err := m.save(ctx, side); err != nil {
			m.logError(opHealthCheck, "restore_failed", err, zap.String("gateway_id", side.ID))
			return false, err
		}
	}
	m.logger.Info("pair healthy again", zap.String("gateway_a", gateway.ID), zap.String("gateway_b", partner.ID))
	return true, nil
}
