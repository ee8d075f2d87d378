package gateways

import (
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"gorm.io/datatypes"
)

// Status is the liveness of a gateway as seen by the cloud.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusOnline       Status = "online"
	StatusDegraded     Status = "degraded"
	StatusOffline      Status = "offline"
)

// Role is a gateway's position inside its pair.
type Role string

const (
	RoleSingle         Role = "single"
	RolePrimary        Role = "primary"
	RoleSecondary      Role = "secondary"
	RoleAssumedPrimary Role = "assumedPrimary"
)

// ClusterMode is how a pair shares its devices.
type ClusterMode string

const (
	ModeStandalone    ClusterMode = "standalone"
	ModeActivePassive ClusterMode = "active-passive"
	ModeActiveActive  ClusterMode = "active-active"
)

// ClusterState summarises the health of a pair.
type ClusterState string

const (
	StateSingle   ClusterState = "single"
	StateHealthy  ClusterState = "healthy"
	StateDegraded ClusterState = "degraded"
	StateFailover ClusterState = "failover"
)

// FailoverType records who started a failover.
type FailoverType string

const (
	FailoverAutomatic FailoverType = "automatic"
	FailoverManual    FailoverType = "manual"
)

// DeviceKind distinguishes the two kinds of site inventory a gateway can own.
type DeviceKind string

const (
	KindDoor DeviceKind = "door"
	KindZone DeviceKind = "zone"
)

// Gateway is an on-site gateway and its cluster fields.
type Gateway struct {
	ID                    string                      `gorm:"column:id;primaryKey;size:64;not null"`
	SiteID                string                      `gorm:"column:site_id;size:64;not null;index"`
	Name                  string                      `gorm:"column:name;size:190;not null"`
	Hostname              string                      `gorm:"column:hostname;size:190"`
	IPAddress             string                      `gorm:"column:ip_address;size:64"`
	MACAddress            string                      `gorm:"column:mac_address;size:64"`
	FirmwareVersion       string                      `gorm:"column:firmware_version;size:64"`
	Status                Status                      `gorm:"column:status;size:32;not null"`
	ClusterRole           Role                        `gorm:"column:cluster_role;size:32;not null"`
	ClusterMode           ClusterMode                 `gorm:"column:cluster_mode;size:32;not null"`
	ClusterState          ClusterState                `gorm:"column:cluster_state;size:32;not null"`
	PartnerID             string                      `gorm:"column:partner_id;size:64"`
	OriginalRole          Role                        `gorm:"column:original_role;size:32;not null"`
	AssignedDevices       datatypes.JSONSlice[string] `gorm:"column:assigned_devices"`
	AssignedZones         datatypes.JSONSlice[string] `gorm:"column:assigned_zones"`
	LastHeartbeatAtMillis *int64                      `gorm:"column:last_heartbeat_at_ms"`
	ProvisioningTokenHash string                      `gorm:"column:provisioning_token_hash;size:128;index"`
	ActivatedAtMillis     *int64                      `gorm:"column:activated_at_ms"`
	AuthTokenHash         string                      `gorm:"column:auth_token_hash;size:128"`
	CPUUsage              float64                     `gorm:"column:cpu_usage"`
	MemoryUsage           float64                     `gorm:"column:memory_usage"`
	BLEDevicesConnected   int                         `gorm:"column:ble_devices_connected"`
	PendingCommands       int                         `gorm:"column:pending_commands"`
	CreatedAtMillis       int64                       `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis       int64                       `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Gateway) TableName() string {
	return "gateways"
}

// Paired reports whether the gateway has a partner.
func (g Gateway) Paired() bool {
	return g.PartnerID != ""
}

// Owns reports whether the gateway's device set contains deviceID.
func (g Gateway) Owns(deviceID string) bool {
	for _, owned := range g.AssignedDevices {
		if owned == deviceID {
			return true
		}
	}
	return false
}

// LastHeartbeatAt returns the last heartbeat time, zero when none was received.
func (g Gateway) LastHeartbeatAt() time.Time {
	if g.LastHeartbeatAtMillis == nil {
		return time.Time{}
	}
	return time.UnixMilli(*g.LastHeartbeatAtMillis).UTC()
}

// View renders the public form of the gateway.
func (g Gateway) View() cloudapi.Gateway {
	view := cloudapi.Gateway{
		ID:              g.ID,
		SiteID:          g.SiteID,
		Name:            g.Name,
		Hostname:        g.Hostname,
		IPAddress:       g.IPAddress,
		Status:          string(g.Status),
		ClusterRole:     string(g.ClusterRole),
		ClusterMode:     string(g.ClusterMode),
		ClusterState:    string(g.ClusterState),
		PartnerID:       g.PartnerID,
		AssignedDevices: append([]string{}, g.AssignedDevices...),
		AssignedZones:   append([]string{}, g.AssignedZones...),
	}
	if g.LastHeartbeatAtMillis != nil {
		heartbeat := g.LastHeartbeatAt()
		view.LastHeartbeatAt = &heartbeat
	}
	return view
}

func (g *Gateway) ownership(kind DeviceKind) *datatypes.JSONSlice[string] {
	if kind == KindZone {
		return &g.AssignedZones
	}
	return &g.AssignedDevices
}

// SiteDevice is one door or zone in a site's inventory.
type SiteDevice struct {
	SiteID   string     `gorm:"column:site_id;primaryKey;size:64;not null"`
	Kind     DeviceKind `gorm:"column:kind;primaryKey;size:16;not null"`
	DeviceID string     `gorm:"column:device_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SiteDevice) TableName() string {
	return "site_devices"
}

// FailoverEvent records one transfer of ownership between partners. The
// transferred ids are kept so an interrupted failover can be completed and a
// recovery can hand them back.
type FailoverEvent struct {
	ID                        string                      `gorm:"column:id;primaryKey;size:64;not null"`
	SiteID                    string                      `gorm:"column:site_id;size:64;not null;index"`
	FailedGatewayID           string                      `gorm:"column:failed_gateway_id;size:64;not null;index"`
	AssumingGatewayID         string                      `gorm:"column:assuming_gateway_id;size:64;not null"`
	Type                      FailoverType                `gorm:"column:type;size:16;not null"`
	Reason                    string                      `gorm:"column:reason;size:255"`
	DevicesTransferred        datatypes.JSONSlice[string] `gorm:"column:devices_transferred"`
	ZonesTransferred          datatypes.JSONSlice[string] `gorm:"column:zones_transferred"`
	IncidentActive            bool                        `gorm:"column:incident_active;not null;default:false"`
	FailoverStartedAtMillis   int64                       `gorm:"column:failover_started_at_ms;not null"`
	FailoverCompletedAtMillis *int64                      `gorm:"column:failover_completed_at_ms"`
	RecoveredAtMillis         *int64                      `gorm:"column:recovered_at_ms"`
	DurationMillis            *int64                      `gorm:"column:duration_ms"`
}

// TableName provides the explicit table binding for GORM.
func (FailoverEvent) TableName() string {
	return "failover_events"
}

// Open reports whether the failed gateway has not recovered yet.
func (e FailoverEvent) Open() bool {
	return e.RecoveredAtMillis == nil
}

func (e *FailoverEvent) transferred(kind DeviceKind) []string {
	if kind == KindZone {
		return e.ZonesTransferred
	}
	return e.DevicesTransferred
}
