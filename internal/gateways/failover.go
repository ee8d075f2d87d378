package gateways

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/safeschool/edge/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opFailover  = "gateways.failover"
	opComplete  = "gateways.complete_failover"
	opRecover   = "gateways.recover"
	opReconcile = "gateways.reconcile"
)

// FailoverOptions carries the optional facts of a failover report.
type FailoverOptions struct {
	IncidentActive bool
}

// RecoveryResult is the pair after a recovery, plus the event it closed.
type RecoveryResult struct {
	Gateway Gateway
	Partner *Gateway
	Event   *FailoverEvent
}

// AutomaticFailover moves the failed gateway's devices and zones to its
// partner. Re-running it while the event is open finishes whatever steps are
// missing; it never creates a second event or transfers twice.
func (m *Manager) AutomaticFailover(ctx context.Context, failedID, assumingID, reason string, opts FailoverOptions) (FailoverEvent, error) {
	failedID, assumingID = strings.TrimSpace(failedID), strings.TrimSpace(assumingID)
	if failedID == assumingID {
		return FailoverEvent{}, ErrSelfPair
	}
	unlock := m.locks.lock(failedID, assumingID)
	defer unlock()

	failed, err := m.load(ctx, failedID)
	if err != nil {
		return FailoverEvent{}, err
	}
	assuming, err := m.load(ctx, assumingID)
	if err != nil {
		return FailoverEvent{}, err
	}
	if failed.PartnerID != assuming.ID || assuming.PartnerID != failed.ID {
		return FailoverEvent{}, ErrNotPartners
	}
	return m.failover(ctx, &failed, &assuming, FailoverAutomatic, reason, opts)
}

// PlannedFailover is the operator-initiated failover of a gateway to its
// partner. The partner must be online. The event stays uncompleted until
// CompleteFailover is called.
func (m *Manager) PlannedFailover(ctx context.Context, gatewayID, reason string) (FailoverEvent, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return FailoverEvent{}, err
	}
	defer unlock()
	if partner == nil {
		return FailoverEvent{}, ErrNotPaired
	}
	if partner.Status != StatusOnline {
		return FailoverEvent{}, ErrPartnerUnavailable
	}
	return m.failover(ctx, &gateway, partner, FailoverManual, reason, FailoverOptions{})
}

// CompleteFailover confirms a planned failover. It also finishes any transfer
// step that did not persist.
func (m *Manager) CompleteFailover(ctx context.Context, eventID string) (FailoverEvent, error) {
	event, err := m.loadEvent(ctx, eventID)
	if err != nil {
		return FailoverEvent{}, err
	}
	unlock := m.locks.lock(event.FailedGatewayID, event.AssumingGatewayID)
	defer unlock()

	event, err = m.loadEvent(ctx, eventID)
	if err != nil {
		return FailoverEvent{}, err
	}
	if !event.Open() {
		return event, nil
	}
	failed, err := m.load(ctx, event.FailedGatewayID)
	if err != nil {
		return FailoverEvent{}, err
	}
	assuming, err := m.load(ctx, event.AssumingGatewayID)
	if err != nil {
		return FailoverEvent{}, err
	}
	if err := m.applyFailover(ctx, &event, &failed, &assuming); err != nil {
		return FailoverEvent{}, err
	}
	if err := m.markCompleted(ctx, &event); err != nil {
		return FailoverEvent{}, err
	}
	return event, nil
}

func (m *Manager) failover(ctx context.Context, failed, assuming *Gateway, kind FailoverType, reason string, opts FailoverOptions) (FailoverEvent, error) {
	if assuming.Status == StatusOffline {
		return FailoverEvent{}, ErrPartnerUnavailable
	}
	blocking, err := m.openEventFor(ctx, assuming.ID)
	if err != nil {
		return FailoverEvent{}, err
	}
	if blocking != nil {
		// The would-be assuming gateway has itself failed over and not recovered.
		return FailoverEvent{}, ErrFailoverInProgress
	}

	event, err := m.openEventFor(ctx, failed.ID)
	if err != nil {
		return FailoverEvent{}, err
	}
	created := false
	if event != nil && event.AssumingGatewayID != assuming.ID {
		return FailoverEvent{}, ErrFailoverInProgress
	}
	if event == nil {
		eventID, err := m.idProvider.NewID()
		if err != nil {
			return FailoverEvent{}, apperr.New(opFailover, "id_failed", err)
		}
		event = &FailoverEvent{
			ID:                      eventID,
			SiteID:                  failed.SiteID,
			FailedGatewayID:         failed.ID,
			AssumingGatewayID:       assuming.ID,
			Type:                    kind,
			Reason:                  reason,
			DevicesTransferred:      datatypes.JSONSlice[string](normalizeIDs(failed.AssignedDevices)),
			ZonesTransferred:        datatypes.JSONSlice[string](normalizeIDs(failed.AssignedZones)),
			IncidentActive:          opts.IncidentActive,
			FailoverStartedAtMillis: m.nowMillis(),
		}
		if err := m.db.WithContext(ctx).Create(event).Error; err != nil {
			m.logError(opFailover, "event_create_failed", err, zap.String("failed_gateway_id", failed.ID))
			return FailoverEvent{}, apperr.New(opFailover, "event_create_failed", err)
		}
		created = true
	}

	if err := m.applyFailover(ctx, event, failed, assuming); err != nil {
		return FailoverEvent{}, err
	}
	if event.Type == FailoverAutomatic {
		if err := m.markCompleted(ctx, event); err != nil {
			return FailoverEvent{}, err
		}
	}

	if created {
		m.logger.Warn("failover started",
			zap.String("event_id", event.ID),
			zap.String("site_id", event.SiteID),
			zap.String("failed_gateway_id", failed.ID),
			zap.String("assuming_gateway_id", assuming.ID),
			zap.String("type", string(event.Type)),
			zap.String("reason", reason),
			zap.Int("devices", len(event.DevicesTransferred)),
			zap.Int("zones", len(event.ZonesTransferred)))
		m.notify(Alert{
			Kind:      AlertFailoverStarted,
			SiteID:    event.SiteID,
			GatewayID: failed.ID,
			EventID:   event.ID,
			Message:   fmt.Sprintf("gateway %s failed over to %s: %s", failed.ID, assuming.ID, reason),
		})
	}
	return *event, nil
}

// applyFailover runs the two gateway writes of a failover. Each write is
// skipped when already in place, and ownership moves by union, so repeating
// it is harmless. The failed side is written first; the event keeps the ids
// until the assuming side has them.
func (m *Manager) applyFailover(ctx context.Context, event *FailoverEvent, failed, assuming *Gateway) error {
	if !failoverAppliedToFailed(failed) {
		failed.Status = StatusOffline
		failed.ClusterState = StateFailover
		failed.AssignedDevices = nil
		failed.AssignedZones = nil
		if err := m.save(ctx, failed); err != nil {
			m.logError(opFailover, "failed_side_save_failed", err, zap.String("event_id", event.ID))
			return err
		}
	}
	if !failoverAppliedToAssuming(event, assuming) {
		assuming.AssignedDevices = datatypes.JSONSlice[string](unionIDs(assuming.AssignedDevices, event.DevicesTransferred))
		assuming.AssignedZones = datatypes.JSONSlice[string](unionIDs(assuming.AssignedZones, event.ZonesTransferred))
		assuming.ClusterRole = RoleAssumedPrimary
		assuming.ClusterState = StateDegraded
		if err := m.save(ctx, assuming); err != nil {
			m.logError(opFailover, "assuming_side_save_failed", err, zap.String("event_id", event.ID))
			return err
		}
	}
	return nil
}

func failoverAppliedToFailed(failed *Gateway) bool {
	return failed.Status == StatusOffline &&
		failed.ClusterState == StateFailover &&
		len(failed.AssignedDevices) == 0 &&
		len(failed.AssignedZones) == 0
}

func failoverAppliedToAssuming(event *FailoverEvent, assuming *Gateway) bool {
	return assuming.ClusterRole == RoleAssumedPrimary &&
		assuming.ClusterState != StateHealthy &&
		containsAll(assuming.AssignedDevices, event.DevicesTransferred) &&
		containsAll(assuming.AssignedZones, event.ZonesTransferred)
}

func (m *Manager) markCompleted(ctx context.Context, event *FailoverEvent) error {
	if event.FailoverCompletedAtMillis != nil {
		return nil
	}
	now := m.nowMillis()
	event.FailoverCompletedAtMillis = &now
	if err := m.db.WithContext(ctx).Save(event).Error; err != nil {
		m.logError(opComplete, "event_save_failed", err, zap.String("event_id", event.ID))
		return apperr.New(opComplete, "event_save_failed", err)
	}
	return nil
}

// Recover brings a failed gateway back: it closes the open failover event,
// then rebalances ownership across the pair and marks both healthy. A caller
// whose partner is the one still failed over changes nothing; ownership
// stays with the caller until the partner itself recovers.
func (m *Manager) Recover(ctx context.Context, gatewayID string) (RecoveryResult, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return RecoveryResult{}, err
	}
	defer unlock()

	event, err := m.openEventFor(ctx, gateway.ID)
	if err != nil {
		return RecoveryResult{}, err
	}
	if event == nil && partner != nil {
		partnerEvent, err := m.openEventFor(ctx, partner.ID)
		if err != nil {
			return RecoveryResult{}, err
		}
		if partnerEvent != nil {
			m.logger.Info("recovery ignored while partner is failed over",
				zap.String("gateway_id", gateway.ID),
				zap.String("partner_id", partner.ID),
				zap.String("event_id", partnerEvent.ID))
			return RecoveryResult{Gateway: gateway, Partner: partner}, nil
		}
	}
	if event != nil {
		now := m.nowMillis()
		duration := now - event.FailoverStartedAtMillis
		event.RecoveredAtMillis = &now
		event.DurationMillis = &duration
		if event.FailoverCompletedAtMillis == nil {
			event.FailoverCompletedAtMillis = &now
		}
		if err := m.db.WithContext(ctx).Save(event).Error; err != nil {
			m.logError(opRecover, "event_save_failed", err, zap.String("event_id", event.ID))
			return RecoveryResult{}, apperr.New(opRecover, "event_save_failed", err)
		}
	}

	if partner == nil {
		gateway.Status = StatusOnline
		if err := m.save(ctx, &gateway); err != nil {
			return RecoveryResult{}, err
		}
		return RecoveryResult{Gateway: gateway, Event: event}, nil
	}

	last := event
	if last == nil {
		if last, err = m.latestEventFor(ctx, gateway.ID); err != nil {
			return RecoveryResult{}, err
		}
	}
	if err := m.rebalance(ctx, &gateway, partner, last); err != nil {
		return RecoveryResult{}, err
	}

	if event != nil {
		m.logger.Info("failover recovered",
			zap.String("event_id", event.ID),
			zap.String("gateway_id", gateway.ID),
			zap.Int64("duration_ms", *event.DurationMillis))
		m.notify(Alert{
			Kind:      AlertFailoverRecovered,
			SiteID:    gateway.SiteID,
			GatewayID: gateway.ID,
			EventID:   event.ID,
			Message:   fmt.Sprintf("gateway %s recovered; ownership rebalanced with %s", gateway.ID, partner.ID),
		})
	}
	return RecoveryResult{Gateway: gateway, Partner: partner, Event: event}, nil
}

// rebalance splits ownership between a recovering gateway and its partner.
// Active-passive splits the union in half, the larger half going to the
// original primary, and restores the original roles. Active-active hands back
// what the last failover took, or splits evenly when that leaves the
// recovering side with nothing. The recovering side is written first so an
// interruption can only duplicate ownership, never lose it.
func (m *Manager) rebalance(ctx context.Context, recovering, partner *Gateway, last *FailoverEvent) error {
	for _, kind := range []DeviceKind{KindDoor, KindZone} {
		mine, theirs := *recovering.ownership(kind), *partner.ownership(kind)
		union := unionIDs(mine, theirs)

		var nextMine, nextTheirs []string
		switch recovering.ClusterMode {
		case ModeActiveActive:
			handBack := []string(nil)
			if last != nil && last.FailedGatewayID == recovering.ID {
				handBack = last.transferred(kind)
			}
			nextMine = unionIDs(mine, intersectIDs(handBack, union))
			nextTheirs = minusIDs(theirs, nextMine)
			if len(nextMine) == 0 && len(union) > 0 {
				nextMine, nextTheirs = evenSplit(union, recovering.ID, partner.ID)
			}
		default:
			first, second := splitIDs(union)
			if recovering.OriginalRole == RolePrimary || (partner.OriginalRole != RolePrimary && recovering.ID < partner.ID) {
				nextMine, nextTheirs = first, second
			} else {
				nextMine, nextTheirs = second, first
			}
		}
		*recovering.ownership(kind) = datatypes.JSONSlice[string](nextMine)
		*partner.ownership(kind) = datatypes.JSONSlice[string](nextTheirs)
	}

	for _, side := range []*Gateway{recovering, partner} {
		side.ClusterRole = side.OriginalRole
		side.ClusterState = StateHealthy
	}
	recovering.Status = StatusOnline

	if err := m.save(ctx, recovering); err != nil {
		m.logError(opRecover, "recovering_side_save_failed", err, zap.String("gateway_id", recovering.ID))
		return err
	}
	if err := m.save(ctx, partner); err != nil {
		m.logError(opRecover, "partner_side_save_failed", err, zap.String("gateway_id", partner.ID))
		return err
	}
	return nil
}

// evenSplit gives the larger half to the gateway with the smaller id.
func evenSplit(ids []string, recoveringID, partnerID string) ([]string, []string) {
	first, second := splitIDs(ids)
	if recoveringID < partnerID {
		return first, second
	}
	return second, first
}

// Reconcile repairs failovers and recoveries that stopped half way. An open
// event whose writes are not all in place is re-applied. A pair left with an
// assumed primary or a failover state but no open event is rebalanced. It
// returns the ids of the gateways it repaired.
func (m *Manager) Reconcile(ctx context.Context, siteID string) ([]string, error) {
	var open []FailoverEvent
	err := m.db.WithContext(ctx).
		Where("site_id = ? AND recovered_at_ms IS NULL", siteID).
		Order("failover_started_at_ms ASC").
		Find(&open).Error
	if err != nil {
		m.logError(opReconcile, "query_failed", err, zap.String("site_id", siteID))
		return nil, apperr.New(opReconcile, "query_failed", err)
	}

	var repaired []string
	for _, candidate := range open {
		fixed, err := m.reconcileOpenEvent(ctx, candidate.ID)
		if err != nil {
			return repaired, err
		}
		repaired = append(repaired, fixed...)
	}

	gateways, err := m.ListSite(ctx, siteID)
	if err != nil {
		return repaired, err
	}
	for _, gateway := range gateways {
		if !gateway.Paired() || !leftoverFailover(gateway) {
			continue
		}
		fixed, err := m.reconcileClosedPair(ctx, gateway.ID)
		if err != nil {
			return repaired, err
		}
		repaired = append(repaired, fixed...)
	}
	return normalizeIDs(repaired), nil
}

func (m *Manager) reconcileOpenEvent(ctx context.Context, eventID string) ([]string, error) {
	event, err := m.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(event.FailedGatewayID, event.AssumingGatewayID)
	defer unlock()

	event, err = m.loadEvent(ctx, eventID)
	if err != nil || !event.Open() {
		return nil, err
	}
	failed, err := m.load(ctx, event.FailedGatewayID)
	if err != nil {
		return nil, err
	}
	assuming, err := m.load(ctx, event.AssumingGatewayID)
	if err != nil {
		return nil, err
	}
	needsFailed := !failoverAppliedToFailed(&failed)
	needsAssuming := !failoverAppliedToAssuming(&event, &assuming)
	needsCompletion := event.Type == FailoverAutomatic && event.FailoverCompletedAtMillis == nil
	if !needsFailed && !needsAssuming && !needsCompletion {
		return nil, nil
	}

	if err := m.applyFailover(ctx, &event, &failed, &assuming); err != nil {
		return nil, err
	}
	if needsCompletion {
		if err := m.markCompleted(ctx, &event); err != nil {
			return nil, err
		}
	}
	m.logger.Warn("half-applied failover repaired",
		zap.String("event_id", event.ID),
		zap.Bool("failed_side", needsFailed),
		zap.Bool("assuming_side", needsAssuming))
	m.notify(Alert{
		Kind:      AlertFailoverRepaired,
		SiteID:    event.SiteID,
		GatewayID: event.FailedGatewayID,
		EventID:   event.ID,
		Message:   "interrupted failover completed",
	})
	return []string{failed.ID, assuming.ID}, nil
}

// reconcileClosedPair finishes a recovery whose rebalance was interrupted.
func (m *Manager) reconcileClosedPair(ctx context.Context, gatewayID string) ([]string, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if partner == nil || !leftoverFailover(gateway, *partner) {
		return nil, nil
	}
	for _, side := range []Gateway{gateway, *partner} {
		if open, err := m.openEventFor(ctx, side.ID); err != nil || open != nil {
			return nil, err
		}
	}

	last, err := m.latestEventForPair(ctx, gateway.ID, partner.ID)
	if err != nil {
		return nil, err
	}
	recovering, survivor := &gateway, partner
	switch {
	case last != nil && last.FailedGatewayID == partner.ID:
		recovering, survivor = partner, &gateway
	case last == nil && gateway.ClusterRole == RoleAssumedPrimary:
		recovering, survivor = partner, &gateway
	}
	if recovering.Status == StatusOffline && recovering.ClusterState != StateFailover {
		return nil, nil
	}

	if err := m.rebalance(ctx, recovering, survivor, last); err != nil {
		return nil, err
	}
	m.logger.Warn("interrupted recovery repaired",
		zap.String("gateway_id", recovering.ID),
		zap.String("partner_id", survivor.ID))
	m.notify(Alert{
		Kind:      AlertFailoverRepaired,
		SiteID:    recovering.SiteID,
		GatewayID: recovering.ID,
		Message:   "interrupted recovery completed",
	})
	return []string{recovering.ID, survivor.ID}, nil
}

func leftoverFailover(pair ...Gateway) bool {
	for _, side := range pair {
		if side.ClusterRole == RoleAssumedPrimary || side.ClusterState == StateFailover {
			return true
		}
	}
	return false
}

func (m *Manager) loadEvent(ctx context.Context, eventID string) (FailoverEvent, error) {
	var event FailoverEvent
	err := m.db.WithContext(ctx).Where("id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FailoverEvent{}, ErrFailoverNotFound
	}
	if err != nil {
		return FailoverEvent{}, apperr.New(opFailover, "event_query_failed", err)
	}
	return event, nil
}

// openEventFor returns the open event in which gatewayID is the failed side.
func (m *Manager) openEventFor(ctx context.Context, gatewayID string) (*FailoverEvent, error) {
	var events []FailoverEvent
	err := m.db.WithContext(ctx).
		Where("failed_gateway_id = ? AND recovered_at_ms IS NULL", gatewayID).
		Order("failover_started_at_ms DESC").
		Limit(1).
		Find(&events).Error
	if err != nil {
		return nil, apperr.New(opFailover, "event_query_failed", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (m *Manager) openEventForPair(ctx context.Context, aID, bID string) (*FailoverEvent, error) {
	for _, id := range []string{aID, bID} {
		event, err := m.openEventFor(ctx, id)
		if err != nil || event != nil {
			return event, err
		}
	}
	return nil, nil
}

func (m *Manager) latestEventFor(ctx context.Context, failedID string) (*FailoverEvent, error) {
	var events []FailoverEvent
	err := m.db.WithContext(ctx).
		Where("failed_gateway_id = ?", failedID).
		Order("failover_started_at_ms DESC").
		Limit(1).
		Find(&events).Error
	if err != nil {
		return nil, apperr.New(opRecover, "event_query_failed", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (m *Manager) latestEventForPair(ctx context.Context, aID, bID string) (*FailoverEvent, error) {
	var events []FailoverEvent
	err := m.db.WithContext(ctx).
		Where("(failed_gateway_id = ? AND assuming_gateway_id = ?) OR (failed_gateway_id = ? AND assuming_gateway_id = ?)", aID, bID, bID, aID).
		Order("failover_started_at_ms DESC").
		Limit(1).
		Find(&events).Error
	if err != nil {
		return nil, apperr.New(opReconcile, "event_query_failed", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}
