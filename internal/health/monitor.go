// Package health derives a gateway's operating mode from cloud reachability and
// reports the state of its local dependencies.
package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode is how a gateway currently moves data.
type Mode string

const (
	// ModeEdge means the cloud answered its liveness probe.
	ModeEdge Mode = "EDGE"
	// ModeStandalone means the gateway works from its local store and queue.
	ModeStandalone Mode = "STANDALONE"
)

const defaultCloudTimeout = 5 * time.Second

var errMissingCloud = errors.New("health: cloud pinger is required")

// CloudPinger checks that the cloud API is reachable.
type CloudPinger interface {
	Ping(ctx context.Context) error
}

// Probe checks one local dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyStatus is the outcome of one probe.
type DependencyStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the result of one health check.
type Report struct {
	Mode           Mode               `json:"mode"`
	CloudError     string             `json:"cloudError,omitempty"`
	Dependencies   []DependencyStatus `json:"dependencies"`
	ServingTraffic bool               `json:"servingTraffic"`
	CheckedAt      time.Time          `json:"checkedAt"`
}

// MonitorConfig describes the dependencies of a Monitor.
type MonitorConfig struct {
	Cloud        CloudPinger
	Probes       []Probe
	CloudTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	OnModeChange func(previous, current Mode)
}

// Monitor runs the probes and publishes the resulting mode. It never retries;
// callers invoke it once per tick.
type Monitor struct {
	cloud        CloudPinger
	probes       []Probe
	cloudTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	onModeChange func(previous, current Mode)

	mode       atomic.Value
	mu         sync.Mutex
	lastReport Report
}

// NewMonitor validates the configuration. The initial mode is STANDALONE until
// the first successful cloud probe.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Cloud == nil {
		return nil, errMissingCloud
	}
	timeout := cfg.CloudTimeout
	if timeout <= 0 {
		timeout = defaultCloudTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := &Monitor{
		cloud:        cfg.Cloud,
		probes:       append([]Probe(nil), cfg.Probes...),
		cloudTimeout: timeout,
		clock:        clock,
		logger:       logger,
		onModeChange: cfg.OnModeChange,
	}
	monitor.mode.Store(ModeStandalone)
	return monitor, nil
}

// Mode returns the mode published by the latest check.
func (m *Monitor) Mode() Mode {
	return m.mode.Load().(Mode)
}

// LastReport returns the latest report.
func (m *Monitor) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// PerformHealthCheck probes local dependencies, then the cloud. Only the cloud
// probe decides the mode; local failures mark the gateway as not serving.
func (m *Monitor) PerformHealthCheck(ctx context.Context) Report {
	report := Report{
		Dependencies:   make([]DependencyStatus, 0, len(m.probes)),
		ServingTraffic: true,
	}

	for _, probe := range m.probes {
		status := DependencyStatus{Name: probe.Name, Healthy: true}
		if err := probe.Check(ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			report.ServingTraffic = false
			m.logger.Warn("local dependency unhealthy", zap.String("dependency", probe.Name), zap.Error(err))
		}
		report.Dependencies = append(report.Dependencies, status)
	}

	cloudCtx, cancel := context.WithTimeout(ctx, m.cloudTimeout)
	err := m.cloud.Ping(cloudCtx)
	cancel()
	if err != nil {
		report.Mode = ModeStandalone
		report.CloudError = err.Error()
	} else {
		report.Mode = ModeEdge
	}
	report.CheckedAt = m.clock().UTC()

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()

	previous := m.mode.Swap(report.Mode).(Mode)
	if previous != report.Mode {
		m.logger.Info("operating mode changed",
			zap.String("from", string(previous)),
			zap.String("to", string(report.Mode)),
			zap.String("cloud_error", report.CloudError))
		if m.onModeChange != nil {
			m.onModeChange(previous, report.Mode)
		}
	}
	return report
}

// DatabaseProbe pings the SQL connection behind a gorm handle.
func DatabaseProbe(db *gorm.DB) Probe {
	return Probe{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}
