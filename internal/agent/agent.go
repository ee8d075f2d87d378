// Package agent runs the on-site gateway: the sync engine, heartbeats, door
// command polling, partner supervision and queue housekeeping.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/cloudclient"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/edgesync"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/health"
	"github.com/safeschool/edge/internal/queue"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 2 * time.Second
	defaultCommandTimeout    = 30 * time.Second
	defaultFailoverAfter     = 60 * time.Second
	defaultPurgeInterval     = time.Hour
	defaultRetention         = 7 * 24 * time.Hour
)

var errMissingDependency = errors.New("agent: gateway id, cloud, sync engine, health monitor, queue and executor are required")

// CloudAPI is the part of the cloud client the agent loops use.
type CloudAPI interface {
	Heartbeat(ctx context.Context, heartbeat cloudapi.Heartbeat) (cloudapi.Gateway, error)
	PendingCommands(ctx context.Context) ([]cloudapi.Command, error)
	ReportCommand(ctx context.Context, commandID string, report cloudapi.CommandReport) error
	NotifyFailover(ctx context.Context, notice cloudapi.FailoverNotice) (cloudapi.FailoverAck, error)
	ReportRecovery(ctx context.Context) (cloudapi.RecoveryResponse, error)
}

// SyncEngine is the tick loop the agent hosts.
type SyncEngine interface {
	Run(ctx context.Context) error
	Stats(ctx context.Context) (edgesync.Stats, error)
}

// HealthSource exposes the latest health verdict.
type HealthSource interface {
	Mode() health.Mode
	LastReport() health.Report
}

// PartnerChecker probes the partner gateway.
type PartnerChecker interface {
	Check(ctx context.Context) error
}

// Metrics are the resource figures included in heartbeats.
type Metrics struct {
	CPUUsage            float64
	MemoryUsage         float64
	BLEDevicesConnected int
}

// Config describes the dependencies of an Agent.
type Config struct {
	GatewayID       string
	SiteID          string
	FirmwareVersion string

	Cloud    CloudAPI
	Engine   SyncEngine
	Health   HealthSource
	Queue    *queue.Queue
	Executor DoorExecutor

	// Partner is optional; without it the agent never reports a failover.
	Partner   PartnerChecker
	PartnerID string

	HeartbeatInterval   time.Duration
	CommandPollInterval time.Duration
	CommandTimeout      time.Duration
	FailoverAfter       time.Duration
	PurgeInterval       time.Duration
	QueueRetention      time.Duration

	Metrics        func() Metrics
	IncidentActive func(ctx context.Context) bool

	Clock  func() time.Time
	Logger *zap.Logger
}

// Agent owns the gateway's background loops. Each loop runs its iterations
// serially.
type Agent struct {
	gatewayID       string
	siteID          string
	firmwareVersion string

	cloud    CloudAPI
	engine   SyncEngine
	health   HealthSource
	queue    *queue.Queue
	executor DoorExecutor
	partner  PartnerChecker

	heartbeatInterval time.Duration
	pollInterval      time.Duration
	commandTimeout    time.Duration
	failoverAfter     time.Duration
	purgeInterval     time.Duration
	retention         time.Duration

	metrics        func() Metrics
	incidentActive func(ctx context.Context) bool
	clock          func() time.Time
	logger         *zap.Logger

	mu               sync.Mutex
	partnerID        string
	pendingCommands  int
	recoveryPending  bool
	partnerDownSince time.Time
	failoverReported bool
	lastView         cloudapi.Gateway
}

// New validates the configuration and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.GatewayID == "" || cfg.Cloud == nil || cfg.Engine == nil || cfg.Health == nil || cfg.Queue == nil || cfg.Executor == nil {
		return nil, errMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		gatewayID:         cfg.GatewayID,
		siteID:            cfg.SiteID,
		firmwareVersion:   cfg.FirmwareVersion,
		cloud:             cfg.Cloud,
		engine:            cfg.Engine,
		health:            cfg.Health,
		queue:             cfg.Queue,
		executor:          cfg.Executor,
		partner:           cfg.Partner,
		partnerID:         cfg.PartnerID,
		heartbeatInterval: durationOr(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		pollInterval:      durationOr(cfg.CommandPollInterval, defaultPollInterval),
		commandTimeout:    durationOr(cfg.CommandTimeout, defaultCommandTimeout),
		failoverAfter:     durationOr(cfg.FailoverAfter, defaultFailoverAfter),
		purgeInterval:     durationOr(cfg.PurgeInterval, defaultPurgeInterval),
		retention:         durationOr(cfg.QueueRetention, defaultRetention),
		metrics:           cfg.Metrics,
		incidentActive:    cfg.IncidentActive,
		clock:             clock,
		logger:            logger,
		// A freshly started agent may be coming back from a failover.
		recoveryPending: true,
	}, nil
}

// Run starts every loop and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	var group sync.WaitGroup
	start := func(name string, loop func(context.Context)) {
		group.Add(1)
		go func() {
			defer group.Done()
			a.logger.Debug("agent loop started", zap.String("loop", name))
			loop(ctx)
		}()
	}

	start("sync", func(ctx context.Context) {
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("sync engine stopped", zap.Error(err))
		}
	})
	start("heartbeat", func(ctx context.Context) {
		a.every(ctx, a.heartbeatInterval, func(ctx context.Context) {
			if err := a.SendHeartbeat(ctx); err != nil {
				a.logger.Debug("heartbeat failed", zap.Error(err))
			}
		})
	})
	start("commands", func(ctx context.Context) {
		a.every(ctx, a.pollInterval, func(ctx context.Context) {
			if _, err := a.PollCommands(ctx); err != nil {
				a.logger.Debug("command poll failed", zap.Error(err))
			}
		})
	})
	if a.partner != nil {
		start("partner", func(ctx context.Context) {
			a.every(ctx, a.heartbeatInterval, func(ctx context.Context) {
				if err := a.CheckPartner(ctx); err != nil {
					a.logger.Warn("partner supervision failed", zap.Error(err))
				}
			})
		})
	}
	start("purge", func(ctx context.Context) {
		a.every(ctx, a.purgeInterval, func(ctx context.Context) {
			_, _ = a.PurgeCompleted(ctx)
		})
	})

	a.logger.Info("gateway agent started", zap.String("gateway_id", a.gatewayID))
	group.Wait()
	a.logger.Info("gateway agent stopped", zap.String("gateway_id", a.gatewayID))
	return nil
}

// SendHeartbeat reports liveness and metrics. When the cloud still shows this
// gateway failed over after an outage, it asks the cloud to recover it.
func (a *Agent) SendHeartbeat(ctx context.Context) error {
	heartbeat := cloudapi.Heartbeat{
		GatewayID:       a.gatewayID,
		Status:          string(gateways.StatusOnline),
		FirmwareVersion: a.firmwareVersion,
	}
	report := a.health.LastReport()
	if !report.CheckedAt.IsZero() && !report.ServingTraffic {
		heartbeat.Status = string(gateways.StatusDegraded)
	}
	if a.metrics != nil {
		metrics := a.metrics()
		heartbeat.CPUUsage = metrics.CPUUsage
		heartbeat.MemoryUsage = metrics.MemoryUsage
		heartbeat.BLEDevicesConnected = metrics.BLEDevicesConnected
	}
	a.mu.Lock()
	heartbeat.PendingCommands = a.pendingCommands
	a.mu.Unlock()

	view, err := a.cloud.Heartbeat(ctx, heartbeat)
	if err != nil {
		a.mu.Lock()
		a.recoveryPending = true
		a.mu.Unlock()
		return fmt.Errorf("heartbeat: %w", err)
	}

	a.mu.Lock()
	a.lastView = view
	if view.PartnerID != "" {
		a.partnerID = view.PartnerID
	}
	failedOver := view.ClusterState == string(gateways.StateFailover)
	shouldRecover := failedOver && a.recoveryPending
	if !failedOver {
		a.recoveryPending = false
	}
	a.mu.Unlock()

	if !shouldRecover {
		return nil
	}
	response, err := a.cloud.ReportRecovery(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	a.mu.Lock()
	a.recoveryPending = false
	a.lastView = response.Gateway
	a.mu.Unlock()
	a.logger.Info("gateway recovered from failover",
		zap.String("gateway_id", a.gatewayID),
		zap.Int("devices", len(response.Gateway.AssignedDevices)),
		zap.Int("zones", len(response.Gateway.AssignedZones)))
	return nil
}

// PollCommands fetches and executes pending door commands. It does nothing
// outside EDGE mode. It returns the number of commands executed.
func (a *Agent) PollCommands(ctx context.Context) (int, error) {
	if a.health.Mode() != health.ModeEdge {
		return 0, nil
	}
	pending, err := a.cloud.PendingCommands(ctx)
	if err != nil {
		return 0, fmt.Errorf("poll commands: %w", err)
	}
	a.mu.Lock()
	a.pendingCommands = len(pending)
	a.mu.Unlock()

	executed := 0
	for _, command := range pending {
		report := a.execute(ctx, command)
		if report.Status == string(commands.StatusExecuted) {
			executed++
		}
		if err := a.cloud.ReportCommand(ctx, command.ID, report); err != nil {
			a.logger.Warn("command report failed",
				zap.String("command_id", command.ID),
				zap.String("status", report.Status),
				zap.Error(err))
			continue
		}
		a.mu.Lock()
		if a.pendingCommands > 0 {
			a.pendingCommands--
		}
		a.mu.Unlock()
	}
	return executed, nil
}

func (a *Agent) execute(ctx context.Context, command cloudapi.Command) cloudapi.CommandReport {
	execCtx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()
	err := a.executor.Execute(execCtx, command)
	switch {
	case err == nil:
		a.logger.Info("door command executed",
			zap.String("command_id", command.ID),
			zap.String("door_id", command.DoorID),
			zap.String("command", command.Command))
		return cloudapi.CommandReport{Status: string(commands.StatusExecuted)}
	case errors.Is(err, context.DeadlineExceeded):
		return cloudapi.CommandReport{Status: string(commands.StatusTimeout), FailureReason: err.Error()}
	default:
		a.logger.Warn("door command failed",
			zap.String("command_id", command.ID),
			zap.String("door_id", command.DoorID),
			zap.Error(err))
		return cloudapi.CommandReport{Status: string(commands.StatusFailed), FailureReason: err.Error()}
	}
}

// CheckPartner probes the partner. Once it has been unreachable for the
// failover delay, the agent reports a failover naming itself as the assuming
// gateway, once per outage.
func (a *Agent) CheckPartner(ctx context.Context) error {
	if a.partner == nil {
		return nil
	}
	now := a.clock().UTC()
	probeErr := a.partner.Check(ctx)

	a.mu.Lock()
	partnerID := a.partnerID
	if probeErr == nil {
		if !a.partnerDownSince.IsZero() {
			a.logger.Info("partner reachable again", zap.String("partner_id", partnerID))
		}
		a.partnerDownSince = time.Time{}
		a.failoverReported = false
		a.mu.Unlock()
		return nil
	}
	if a.partnerDownSince.IsZero() {
		a.partnerDownSince = now
		a.logger.Warn("partner unreachable", zap.String("partner_id", partnerID), zap.Error(probeErr))
	}
	downFor := now.Sub(a.partnerDownSince)
	due := !a.failoverReported && downFor >= a.failoverAfter && partnerID != ""
	a.mu.Unlock()

	if !due {
		return nil
	}
	incident := false
	if a.incidentActive != nil {
		incident = a.incidentActive(ctx)
	}
	ack, err := a.cloud.NotifyFailover(ctx, cloudapi.FailoverNotice{
		SiteID:               a.siteID,
		FailedGatewayID:      partnerID,
		AssumingGatewayID:    a.gatewayID,
		Reason:               fmt.Sprintf("partner unreachable for %s: %v", downFor.Truncate(time.Second), probeErr),
		IncidentActiveAtTime: incident,
	})
	var statusErr *cloudclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		// The cloud already has an open failover for the pair.
		a.markFailoverReported()
		a.logger.Info("failover already recorded", zap.String("partner_id", partnerID), zap.String("code", statusErr.Code))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify failover: %w", err)
	}
	a.markFailoverReported()
	a.logger.Warn("failover reported",
		zap.String("partner_id", partnerID),
		zap.String("event_id", ack.EventID),
		zap.Bool("incident_active", incident))
	return nil
}

func (a *Agent) markFailoverReported() {
	a.mu.Lock()
	a.failoverReported = true
	a.mu.Unlock()
}

// PurgeCompleted deletes completed queue rows older than the retention horizon.
func (a *Agent) PurgeCompleted(ctx context.Context) (int64, error) {
	removed, err := a.queue.Purge(ctx, a.clock().UTC().Add(-a.retention))
	if err != nil {
		a.logger.Warn("queue purge failed", zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		a.logger.Info("completed operations purged", zap.Int64("count", removed))
	}
	return removed, nil
}

// Snapshot is the agent state served on the local status endpoint.
type Snapshot struct {
	GatewayID       string           `json:"gatewayId"`
	PartnerID       string           `json:"partnerId,omitempty"`
	PendingCommands int              `json:"pendingCommands"`
	PartnerDown     bool             `json:"partnerDown"`
	Cloud           cloudapi.Gateway `json:"cloud"`
}

// Snapshot returns the agent's current view of itself.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		GatewayID:       a.gatewayID,
		PartnerID:       a.partnerID,
		PendingCommands: a.pendingCommands,
		PartnerDown:     !a.partnerDownSince.IsZero(),
		Cloud:           a.lastView,
	}
}

func (a *Agent) every(ctx context.Context, interval time.Duration, step func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
