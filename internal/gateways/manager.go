// Package gateways owns gateway records: provisioning, pairing, device and
// zone ownership, heartbeats, failover and recovery.
package gateways

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/apperr"
	"github.com/safeschool/edge/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opManagerNew   = "gateways.manager.new"
	opPair         = "gateways.pair"
	opUnpair       = "gateways.unpair"
	opAssign       = "gateways.assign"
	opRegister     = "gateways.register_devices"
	opLoad         = "gateways.load"
	opSave         = "gateways.save"
	opStatus       = "gateways.status"
	opHistory      = "gateways.history"
	defaultHistory = 50
)

// Alert kinds raised to operators.
const (
	AlertGatewayDegraded   = "gateway_degraded"
	AlertFailoverStarted   = "failover_started"
	AlertFailoverRecovered = "failover_recovered"
	AlertFailoverRepaired  = "failover_repaired"
)

// Alert is a cluster event an operator should see.
type Alert struct {
	Kind      string    `json:"kind"`
	SiteID    string    `json:"siteId"`
	GatewayID string    `json:"gatewayId"`
	EventID   string    `json:"eventId,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier receives cluster alerts.
type Notifier interface {
	ClusterAlert(alert Alert)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Notifier   Notifier
	// FailoverAfter enables cloud-initiated failover of a paired gateway whose
	// heartbeat is older than this. Zero leaves failover to gateway reports
	// and operators.
	FailoverAfter time.Duration
}

// Manager is the cluster manager. Mutations of a gateway and its partner are
// serialised by per-gateway locks taken in id order.
type Manager struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    ids.Provider
	logger        *zap.Logger
	notifier      Notifier
	failoverAfter time.Duration
	locks         *keyedLocks
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opManagerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opManagerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		notifier:      cfg.Notifier,
		failoverAfter: cfg.FailoverAfter,
		locks:         newKeyedLocks(),
	}, nil
}

// Pair joins two gateways of the same site. Active-active gives both the
// primary role and requires their current sets to be disjoint; active-passive
// makes a primary and b secondary.
func (m *Manager) Pair(ctx context.Context, aID, bID string, mode ClusterMode) (Gateway, Gateway, error) {
	aID, bID = strings.TrimSpace(aID), strings.TrimSpace(bID)
	if aID == bID {
		return Gateway{}, Gateway{}, ErrSelfPair
	}
	if mode != ModeActiveActive && mode != ModeActivePassive {
		return Gateway{}, Gateway{}, ErrInvalidMode
	}
	unlock := m.locks.lock(aID, bID)
	defer unlock()

	a, err := m.load(ctx, aID)
	if err != nil {
		return Gateway{}, Gateway{}, err
	}
	b, err := m.load(ctx, bID)
	if err != nil {
		return Gateway{}, Gateway{}, err
	}
	if a.SiteID != b.SiteID {
		return Gateway{}, Gateway{}, ErrSiteMismatch
	}
	if a.Paired() || b.Paired() {
		return Gateway{}, Gateway{}, ErrAlreadyPaired
	}
	if mode == ModeActiveActive {
		for _, kind := range []DeviceKind{KindDoor, KindZone} {
			if overlap := intersectIDs(*a.ownership(kind), *b.ownership(kind)); len(overlap) > 0 {
				return Gateway{}, Gateway{}, &OwnershipConflictError{PartnerID: b.ID, IDs: overlap}
			}
		}
	}

	roleA, roleB := RolePrimary, RoleSecondary
	if mode == ModeActiveActive {
		roleB = RolePrimary
	}
	a.PartnerID, b.PartnerID = b.ID, a.ID
	a.ClusterMode, b.ClusterMode = mode, mode
	a.ClusterRole, b.ClusterRole = roleA, roleB
	a.OriginalRole, b.OriginalRole = roleA, roleB
	a.ClusterState, b.ClusterState = StateHealthy, StateHealthy

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.saveWith(tx, &a); err != nil {
			return err
		}
		return m.saveWith(tx, &b)
	})
	if err != nil {
		m.logError(opPair, "save_failed", err, zap.String("gateway_a", aID), zap.String("gateway_b", bID))
		return Gateway{}, Gateway{}, apperr.New(opPair, "save_failed", err)
	}
	m.logger.Info("gateways paired",
		zap.String("site_id", a.SiteID),
		zap.String("gateway_a", a.ID),
		zap.String("gateway_b", b.ID),
		zap.String("mode", string(mode)))
	return a, b, nil
}

// Unpair returns a gateway and its partner to single operation. Each keeps
// the devices it currently owns.
func (m *Manager) Unpair(ctx context.Context, gatewayID string) (Gateway, Gateway, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return Gateway{}, Gateway{}, err
	}
	defer unlock()
	if partner == nil {
		return Gateway{}, Gateway{}, ErrNotPaired
	}
	if open, err := m.openEventForPair(ctx, gateway.ID, partner.ID); err != nil {
		return Gateway{}, Gateway{}, err
	} else if open != nil {
		return Gateway{}, Gateway{}, ErrFailoverInProgress
	}

	for _, side := range []*Gateway{&gateway, partner} {
		side.PartnerID = ""
		side.ClusterMode = ModeStandalone
		side.ClusterRole = RoleSingle
		side.OriginalRole = RoleSingle
		side.ClusterState = StateSingle
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.saveWith(tx, &gateway); err != nil {
			return err
		}
		return m.saveWith(tx, partner)
	})
	if err != nil {
		m.logError(opUnpair, "save_failed", err, zap.String("gateway_id", gatewayID))
		return Gateway{}, Gateway{}, apperr.New(opUnpair, "save_failed", err)
	}
	m.logger.Info("gateways unpaired", zap.String("gateway_a", gateway.ID), zap.String("gateway_b", partner.ID))
	return gateway, *partner, nil
}

// AssignDevices replaces the door set a gateway owns.
func (m *Manager) AssignDevices(ctx context.Context, gatewayID string, deviceIDs []string) (Gateway, error) {
	return m.assign(ctx, gatewayID, KindDoor, deviceIDs)
}

// AssignZones replaces the zone set a gateway owns.
func (m *Manager) AssignZones(ctx context.Context, gatewayID string, zoneIDs []string) (Gateway, error) {
	return m.assign(ctx, gatewayID, KindZone, zoneIDs)
}

func (m *Manager) assign(ctx context.Context, gatewayID string, kind DeviceKind, requested []string) (Gateway, error) {
	gateway, partner, unlock, err := m.lockWithPartner(ctx, gatewayID)
	if err != nil {
		return Gateway{}, err
	}
	defer unlock()
	if gateway.ClusterState == StateFailover {
		return Gateway{}, ErrFailoverInProgress
	}

	wanted := normalizeIDs(requested)
	if len(wanted) > 0 {
		var known []string
		err = m.db.WithContext(ctx).
			Model(&SiteDevice{}).
			Where("site_id = ? AND kind = ? AND device_id IN ?", gateway.SiteID, kind, wanted).
			Pluck("device_id", &known).Error
		if err != nil {
			m.logError(opAssign, "inventory_query_failed", err, zap.String("gateway_id", gatewayID))
			return Gateway{}, apperr.New(opAssign, "inventory_query_failed", err)
		}
		if missing := minusIDs(wanted, known); len(missing) > 0 {
			return Gateway{}, &ForeignDeviceError{SiteID: gateway.SiteID, IDs: missing}
		}
	}
	if partner != nil && gateway.ClusterMode == ModeActiveActive {
		if overlap := intersectIDs(wanted, *partner.ownership(kind)); len(overlap) > 0 {
			return Gateway{}, &OwnershipConflictError{PartnerID: partner.ID, IDs: overlap}
		}
	}

	*gateway.ownership(kind) = datatypes.JSONSlice[string](wanted)
	if err := m.save(ctx, &gateway); err != nil {
		m.logError(opAssign, "save_failed", err, zap.String("gateway_id", gatewayID))
		return Gateway{}, apperr.New(opAssign, "save_failed", err)
	}
	m.logger.Info("ownership assigned",
		zap.String("gateway_id", gateway.ID),
		zap.String("kind", string(kind)),
		zap.Int("count", len(wanted)))
	return gateway, nil
}

// RegisterSiteDevices adds ids to a site's inventory. Existing entries are kept.
func (m *Manager) RegisterSiteDevices(ctx context.Context, siteID string, kind DeviceKind, deviceIDs []string) error {
	normalized := normalizeIDs(deviceIDs)
	if len(normalized) == 0 {
		return nil
	}
	rows := make([]SiteDevice, len(normalized))
	for index, id := range normalized {
		rows[index] = SiteDevice{SiteID: siteID, Kind: kind, DeviceID: id}
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		m.logError(opRegister, "insert_failed", err, zap.String("site_id", siteID))
		return apperr.New(opRegister, "insert_failed", err)
	}
	return nil
}

// Get returns one gateway.
func (m *Manager) Get(ctx context.Context, gatewayID string) (Gateway, error) {
	return m.load(ctx, gatewayID)
}

// ListSite returns the gateways of a site ordered by id.
func (m *Manager) ListSite(ctx context.Context, siteID string) ([]Gateway, error) {
	var gateways []Gateway
	if err := m.db.WithContext(ctx).Where("site_id = ?", siteID).Order("id ASC").Find(&gateways).Error; err != nil {
		m.logError(opStatus, "query_failed", err, zap.String("site_id", siteID))
		return nil, apperr.New(opStatus, "query_failed", err)
	}
	return gateways, nil
}

// Sites lists the distinct site ids that have at least one gateway.
func (m *Manager) Sites(ctx context.Context) ([]string, error) {
	var sites []string
	err := m.db.WithContext(ctx).
		Model(&Gateway{}).
		Distinct("site_id").
		Order("site_id ASC").
		Pluck("site_id", &sites).Error
	if err != nil {
		m.logError(opStatus, "query_failed", err)
		return nil, apperr.New(opStatus, "query_failed", err)
	}
	return sites, nil
}

// ClusterStatus is the operator view of a site.
type ClusterStatus struct {
	SiteID        string
	Gateways      []Gateway
	OpenFailovers []FailoverEvent
}

// Status returns the gateways and open failovers of a site.
func (m *Manager) Status(ctx context.Context, siteID string) (ClusterStatus, error) {
	gateways, err := m.ListSite(ctx, siteID)
	if err != nil {
		return ClusterStatus{}, err
	}
	var open []FailoverEvent
	err = m.db.WithContext(ctx).
		Where("site_id = ? AND recovered_at_ms IS NULL", siteID).
		Order("failover_started_at_ms ASC").
		Find(&open).Error
	if err != nil {
		return ClusterStatus{}, apperr.New(opStatus, "query_failed", err)
	}
	return ClusterStatus{SiteID: siteID, Gateways: gateways, OpenFailovers: open}, nil
}

// History lists the most recent failover events of a site, newest first.
func (m *Manager) History(ctx context.Context, siteID string, limit int) ([]FailoverEvent, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	var events []FailoverEvent
	err := m.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("failover_started_at_ms DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, apperr.New(opHistory, "query_failed", err)
	}
	return events, nil
}

// lockWithPartner locks a gateway together with its current partner and
// returns both as read under the lock.
func (m *Manager) lockWithPartner(ctx context.Context, gatewayID string) (Gateway, *Gateway, func(), error) {
	gatewayID = strings.TrimSpace(gatewayID)
	for attempt := 0; attempt < 3; attempt++ {
		observed, err := m.load(ctx, gatewayID)
		if err != nil {
			return Gateway{}, nil, nil, err
		}
		unlock := m.locks.lock(gatewayID, observed.PartnerID)
		gateway, err := m.load(ctx, gatewayID)
		if err != nil {
			unlock()
			return Gateway{}, nil, nil, err
		}
		if gateway.PartnerID != observed.PartnerID {
			unlock()
			continue
		}
		if !gateway.Paired() {
			return gateway, nil, unlock, nil
		}
		partner, err := m.load(ctx, gateway.PartnerID)
		if err != nil {
			unlock()
			return Gateway{}, nil, nil, err
		}
		return gateway, &partner, unlock, nil
	}
	return Gateway{}, nil, nil, errPartnerChanged
}

func (m *Manager) load(ctx context.Context, gatewayID string) (Gateway, error) {
	var gateway Gateway
	err := m.db.WithContext(ctx).Where("id = ?", gatewayID).Take(&gateway).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Gateway{}, ErrGatewayNotFound
	}
	if err != nil {
		m.logError(opLoad, "query_failed", err, zap.String("gateway_id", gatewayID))
		return Gateway{}, apperr.New(opLoad, "query_failed", err)
	}
	return gateway, nil
}

func (m *Manager) save(ctx context.Context, gateway *Gateway) error {
	return m.saveWith(m.db.WithContext(ctx), gateway)
}

func (m *Manager) saveWith(tx *gorm.DB, gateway *Gateway) error {
	gateway.AssignedDevices = datatypes.JSONSlice[string](normalizeIDs(gateway.AssignedDevices))
	gateway.AssignedZones = datatypes.JSONSlice[string](normalizeIDs(gateway.AssignedZones))
	gateway.UpdatedAtMillis = m.nowMillis()
	if err := tx.Save(gateway).Error; err != nil {
		return apperr.New(opSave, "save_failed", err)
	}
	return nil
}

func (m *Manager) nowMillis() int64 {
	return m.clock().UTC().UnixMilli()
}

func (m *Manager) notify(alert Alert) {
	if m.notifier == nil {
		return
	}
	if alert.At.IsZero() {
		alert.At = m.clock().UTC()
	}
	m.notifier.ClusterAlert(alert)
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("cluster manager error", attrs...)
}
