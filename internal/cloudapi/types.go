// Package cloudapi holds the JSON bodies exchanged between gateways and the
// cloud API.
package cloudapi

import (
	"time"

	"github.com/safeschool/edge/internal/records"
)

// Header and encoding names shared by client and server.
const (
	HeaderGatewayID = "X-Gateway-ID"
	EncodingSnappy  = "snappy"
)

// Entity is one local change pushed to the cloud.
type Entity struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Data      records.Record `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// SyncRequest is the body of POST /cloud/sync.
type SyncRequest struct {
	Entities []Entity `json:"entities"`
}

// Reasons a pushed entity is rejected.
const (
	RejectMissingType   = "missing_type"
	RejectInvalidAction = "invalid_action"
	RejectInvalidRecord = "invalid_record"
	RejectForeignSite   = "foreign_site"
	RejectCloudOwned    = "cloud_owned"
	RejectStorageFailed = "storage_failed"
)

// Superseded reports a rejection where the cloud kept its own copy. Resending
// loses again; the gateway adopts the copy returned with the result.
func Superseded(reason string) bool {
	return reason == RejectCloudOwned
}

// Malformed reports a rejection the cloud repeats on every resend because the
// entity itself is unacceptable.
func Malformed(reason string) bool {
	switch reason {
	case RejectMissingType, RejectInvalidAction, RejectInvalidRecord, RejectForeignSite:
		return true
	default:
		return false
	}
}

// ItemResult is the disposition of one pushed entity, addressed by its index
// in the request. Current carries the cloud copy when the push was superseded.
type ItemResult struct {
	Index    int            `json:"index"`
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Accepted bool           `json:"accepted"`
	Error    string         `json:"error,omitempty"`
	Current  records.Record `json:"current,omitempty"`
}

// SyncResponse reports per-item outcomes of a push.
type SyncResponse struct {
	Synced    int          `json:"synced"`
	Errors    int          `json:"errors"`
	Results   []ItemResult `json:"results"`
	Timestamp time.Time    `json:"timestamp"`
}

// ChangesResponse is the body of GET /cloud/changes. Cursor is the cloud's
// change sequence after the last record returned; the next pull sends it back
// as after. More is set when the page was cut short.
type ChangesResponse struct {
	Type      string           `json:"type"`
	Records   []records.Record `json:"records"`
	Cursor    int64            `json:"cursor"`
	More      bool             `json:"more,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ActivateRequest exchanges a one-time provisioning token for a permanent one.
type ActivateRequest struct {
	ProvisioningToken string `json:"provisioningToken"`
	Hostname          string `json:"hostname"`
	IPAddress         string `json:"ipAddress"`
	MACAddress        string `json:"macAddress,omitempty"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
}

// Gateway is the public view of a gateway record.
type Gateway struct {
	ID              string     `json:"id"`
	SiteID          string     `json:"siteId"`
	Name            string     `json:"name"`
	Hostname        string     `json:"hostname,omitempty"`
	IPAddress       string     `json:"ipAddress,omitempty"`
	Status          string     `json:"status"`
	ClusterRole     string     `json:"clusterRole"`
	ClusterMode     string     `json:"clusterMode"`
	ClusterState    string     `json:"clusterState"`
	PartnerID       string     `json:"partnerId,omitempty"`
	AssignedDevices []string   `json:"assignedDevices"`
	AssignedZones   []string   `json:"assignedZones"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}

// ActivateResponse carries the permanent token; it is only ever shown once.
type ActivateResponse struct {
	Gateway   Gateway `json:"gateway"`
	AuthToken string  `json:"authToken"`
}

// Heartbeat is the body of POST /cloud/heartbeat.
type Heartbeat struct {
	GatewayID           string  `json:"gatewayId"`
	Status              string  `json:"status"`
	CPUUsage            float64 `json:"cpuUsage"`
	MemoryUsage         float64 `json:"memoryUsage"`
	BLEDevicesConnected int     `json:"bleDevicesConnected"`
	PendingCommands     int     `json:"pendingCommands"`
	FirmwareVersion     string  `json:"firmwareVersion"`
}

// HeartbeatResponse echoes the gateway as the cloud now sees it.
type HeartbeatResponse struct {
	Gateway Gateway `json:"gateway"`
}

// Command is a door command addressed to a gateway.
type Command struct {
	ID         string    `json:"id"`
	DoorID     string    `json:"doorId"`
	SiteID     string    `json:"siteId"`
	Command    string    `json:"command"`
	GatewayID  string    `json:"gatewayId"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CommandsResponse is the body of GET /cloud/commands.
type CommandsResponse struct {
	Commands []Command `json:"commands"`
}

// CommandReport is the body of PUT /cloud/commands/:id.
type CommandReport struct {
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

// FailoverNotice is a gateway's report that its partner is unreachable.
type FailoverNotice struct {
	SiteID               string   `json:"siteId"`
	FailedGatewayID      string   `json:"failedGatewayId"`
	AssumingGatewayID    string   `json:"assumingGatewayId"`
	Reason               string   `json:"reason"`
	DevicesTransferred   []string `json:"devicesTransferred"`
	IncidentActiveAtTime bool     `json:"incidentActiveAtTime"`
}

// FailoverAck identifies the failover event the cloud recorded.
type FailoverAck struct {
	EventID string `json:"eventId"`
}

// RecoveryRequest is the body of POST /cloud/recovery.
type RecoveryRequest struct {
	GatewayID string `json:"gatewayId"`
}

// RecoveryResponse reports the rebalanced pair.
type RecoveryResponse struct {
	Gateway Gateway  `json:"gateway"`
	Partner *Gateway `json:"partner,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
