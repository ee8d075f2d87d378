// Package commands routes door lock and unlock commands to the gateway that
// currently owns the door and retries them on failure.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/safeschool/edge/internal/apperr"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Kind is the instruction sent to a door.
type Kind string

const (
	KindLock   Kind = "lock"
	KindUnlock Kind = "unlock"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
)

const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 30 * time.Second

	opDispatcherNew = "commands.dispatcher.new"
	opIssue         = "commands.issue"
	opReport        = "commands.report"
	opRetry         = "commands.retry"
	opPending       = "commands.pending"
	opSweep         = "commands.sweep"
)

var (
	ErrNoGatewayAvailable = errors.New("commands: no online gateway at site")
	ErrCommandNotFound    = errors.New("commands: command not found")
	ErrInvalidCommand     = errors.New("commands: command must be lock or unlock")
	ErrInvalidStatus      = errors.New("commands: result must be executed, failed or timeout")
	ErrCommandClosed      = errors.New("commands: command already finished")
	ErrNotRetryable       = errors.New("commands: only failed commands can be retried")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingOwnership = errors.New("ownership reader is required")
)

// DoorCommand is one instruction for one door. It always targets exactly one
// gateway; rerouting replaces GatewayID.
type DoorCommand struct {
	ID                 string `gorm:"column:id;primaryKey;size:64;not null"`
	DoorID             string `gorm:"column:door_id;size:190;not null;index"`
	SiteID             string `gorm:"column:site_id;size:64;not null;index"`
	Command            Kind   `gorm:"column:command;size:16;not null"`
	GatewayID          string `gorm:"column:gateway_id;size:64;not null;index"`
	Status             Status `gorm:"column:status;size:16;not null;index"`
	RetryCount         int    `gorm:"column:retry_count;not null;default:0"`
	MaxRetries         int    `gorm:"column:max_retries;not null"`
	FailureReason      string `gorm:"column:failure_reason;size:255"`
	EscalatedAtMillis  *int64 `gorm:"column:escalated_at_ms"`
	DispatchedAtMillis int64  `gorm:"column:dispatched_at_ms;not null"`
	CreatedAtMillis    int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis    int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DoorCommand) TableName() string {
	return "door_commands"
}

// Escalated reports whether the command exhausted its retries.
func (c DoorCommand) Escalated() bool {
	return c.EscalatedAtMillis != nil
}

// View renders the wire form of the command.
func (c DoorCommand) View() cloudapi.Command {
	return cloudapi.Command{
		ID:         c.ID,
		DoorID:     c.DoorID,
		SiteID:     c.SiteID,
		Command:    string(c.Command),
		GatewayID:  c.GatewayID,
		Status:     string(c.Status),
		RetryCount: c.RetryCount,
		CreatedAt:  time.UnixMilli(c.CreatedAtMillis).UTC(),
	}
}

// OwnershipReader exposes the gateway state routing depends on.
type OwnershipReader interface {
	Get(ctx context.Context, gatewayID string) (gateways.Gateway, error)
	ListSite(ctx context.Context, siteID string) ([]gateways.Gateway, error)
}

// Alerter is told about commands that ran out of retries.
type Alerter interface {
	CommandExhausted(command DoorCommand)
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Database   *gorm.DB
	Ownership  OwnershipReader
	IDProvider ids.Provider
	Alerter    Alerter
	MaxRetries int
	Timeout    time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Dispatcher issues door commands and settles their results.
type Dispatcher struct {
	db         *gorm.DB
	ownership  OwnershipReader
	idProvider ids.Provider
	alerter    Alerter
	maxRetries int
	timeout    time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewDispatcher validates the configuration and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opDispatcherNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ownership == nil {
		return nil, apperr.New(opDispatcherNew, "missing_ownership", errMissingOwnership)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		db:         cfg.Database,
		ownership:  cfg.Ownership,
		idProvider: idProvider,
		alerter:    cfg.Alerter,
		maxRetries: maxRetries,
		timeout:    timeout,
		clock:      clock,
		logger:     logger,
	}, nil
}

// ParseKind validates a command name.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindLock:
		return KindLock, nil
	case KindUnlock:
		return KindUnlock, nil
	}
	return "", ErrInvalidCommand
}

// Issue creates a pending command on the gateway responsible for the door.
// The online owner is preferred; otherwise any online gateway at the site is
// used, lowest id first.
func (d *Dispatcher) Issue(ctx context.Context, doorID string, command Kind, siteID string) (DoorCommand, error) {
	if command != KindLock && command != KindUnlock {
		return DoorCommand{}, ErrInvalidCommand
	}
	doorID = strings.TrimSpace(doorID)
	target, err := d.route(ctx, siteID, doorID)
	if err != nil {
		return DoorCommand{}, err
	}
	commandID, err := d.idProvider.NewID()
	if err != nil {
		return DoorCommand{}, apperr.New(opIssue, "id_failed", err)
	}
	now := d.nowMillis()
	record := DoorCommand{
		ID:                 commandID,
		DoorID:             doorID,
		SiteID:             siteID,
		Command:            command,
		GatewayID:          target.ID,
		Status:             StatusPending,
		MaxRetries:         d.maxRetries,
		DispatchedAtMillis: now,
		CreatedAtMillis:    now,
		UpdatedAtMillis:    now,
	}
	if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
		d.logError(opIssue, "create_failed", err, zap.String("door_id", doorID))
		return DoorCommand{}, apperr.New(opIssue, "create_failed", err)
	}
	d.logger.Info("door command issued",
		zap.String("command_id", record.ID),
		zap.String("door_id", doorID),
		zap.String("command", string(command)),
		zap.String("gateway_id", target.ID),
		zap.Bool("owner", target.Owns(doorID)))
	return record, nil
}

// ReportResult settles a gateway's report. Failures and timeouts are retried
// until MaxRetries, moving to the partner when the current gateway is not
// online; past that the command fails terminally and is escalated.
func (d *Dispatcher) ReportResult(ctx context.Context, commandID string, status Status, reason string) (DoorCommand, error) {
	if status != StatusExecuted && status != StatusFailed && status != StatusTimeout {
		return DoorCommand{}, ErrInvalidStatus
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	record, err := d.load(ctx, commandID)
	if err != nil {
		return DoorCommand{}, err
	}
	switch {
	case record.Status == StatusExecuted && status == StatusExecuted:
		return record, nil
	case record.Status != StatusPending:
		return DoorCommand{}, ErrCommandClosed
	}

	now := d.nowMillis()
	if status == StatusExecuted {
		record.Status = StatusExecuted
		record.FailureReason = ""
		return d.save(ctx, opReport, record, now)
	}

	if record.RetryCount < record.MaxRetries {
		previous := record.GatewayID
		record.RetryCount++
		record.FailureReason = ""
		record.Status = StatusPending
		record.GatewayID = d.rerouteTarget(ctx, record)
		record.DispatchedAtMillis = now
		saved, err := d.save(ctx, opReport, record, now)
		if err != nil {
			return DoorCommand{}, err
		}
		d.logger.Warn("door command retried",
			zap.String("command_id", saved.ID),
			zap.String("result", string(status)),
			zap.String("reason", reason),
			zap.Int("retry_count", saved.RetryCount),
			zap.String("from_gateway_id", previous),
			zap.String("to_gateway_id", saved.GatewayID))
		return saved, nil
	}

	if strings.TrimSpace(reason) == "" {
		reason = string(status)
	}
	record.Status = StatusFailed
	record.FailureReason = reason
	record.EscalatedAtMillis = &now
	saved, err := d.save(ctx, opReport, record, now)
	if err != nil {
		return DoorCommand{}, err
	}
	d.logger.Error("door command exhausted retries",
		zap.String("command_id", saved.ID),
		zap.String("door_id", saved.DoorID),
		zap.String("gateway_id", saved.GatewayID),
		zap.Int("retry_count", saved.RetryCount),
		zap.String("reason", reason))
	if d.alerter != nil {
		d.alerter.CommandExhausted(saved)
	}
	return saved, nil
}

// rerouteTarget keeps the current gateway while it is online. Otherwise the
// online partner takes the command, then any online gateway at the site.
func (d *Dispatcher) rerouteTarget(ctx context.Context, record DoorCommand) string {
	current, err := d.ownership.Get(ctx, record.GatewayID)
	if err != nil {
		d.logError(opReport, "gateway_lookup_failed", err, zap.String("gateway_id", record.GatewayID))
		return record.GatewayID
	}
	if current.Status == gateways.StatusOnline {
		return current.ID
	}
	if current.Paired() {
		partner, err := d.ownership.Get(ctx, current.PartnerID)
		if err == nil && partner.Status == gateways.StatusOnline {
			return partner.ID
		}
	}
	if target, err := d.route(ctx, record.SiteID, record.DoorID); err == nil {
		return target.ID
	}
	return record.GatewayID
}

// Retry restarts a command that failed terminally.
func (d *Dispatcher) Retry(ctx context.Context, commandID string) (DoorCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, err := d.load(ctx, commandID)
	if err != nil {
		return DoorCommand{}, err
	}
	if record.Status != StatusFailed {
		return DoorCommand{}, ErrNotRetryable
	}
	target, err := d.route(ctx, record.SiteID, record.DoorID)
	if err != nil {
		return DoorCommand{}, err
	}
	now := d.nowMillis()
	record.GatewayID = target.ID
	record.Status = StatusPending
	record.RetryCount = 0
	record.FailureReason = ""
	record.EscalatedAtMillis = nil
	record.DispatchedAtMillis = now
	saved, err := d.save(ctx, opRetry, record, now)
	if err != nil {
		return DoorCommand{}, err
	}
	d.logger.Info("door command manually retried", zap.String("command_id", saved.ID), zap.String("gateway_id", saved.GatewayID))
	return saved, nil
}

// Pending lists the commands a gateway should execute, oldest first.
func (d *Dispatcher) Pending(ctx context.Context, gatewayID string) ([]DoorCommand, error) {
	var pending []DoorCommand
	err := d.db.WithContext(ctx).
		Where("gateway_id = ? AND status = ?", gatewayID, StatusPending).
		Order("created_at_ms ASC").
		Find(&pending).Error
	if err != nil {
		d.logError(opPending, "query_failed", err, zap.String("gateway_id", gatewayID))
		return nil, apperr.New(opPending, "query_failed", err)
	}
	return pending, nil
}

// Get returns one command.
func (d *Dispatcher) Get(ctx context.Context, commandID string) (DoorCommand, error) {
	return d.load(ctx, commandID)
}

// SweepTimeouts reports every pending command dispatched longer than the
// command timeout ago as timed out. It returns how many it settled.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := d.clock().UTC().Add(-d.timeout).UnixMilli()
	var overdue []DoorCommand
	err := d.db.WithContext(ctx).
		Where("status = ? AND dispatched_at_ms <= ?", StatusPending, cutoff).
		Order("dispatched_at_ms ASC").
		Find(&overdue).Error
	if err != nil {
		d.logError(opSweep, "query_failed", err)
		return 0, apperr.New(opSweep, "query_failed", err)
	}
	settled := 0
	for _, record := range overdue {
		reason := fmt.Sprintf("no result within %s", d.timeout)
		if _, err := d.ReportResult(ctx, record.ID, StatusTimeout, reason); err != nil {
			if errors.Is(err, ErrCommandClosed) {
				continue
			}
			return settled, err
		}
		settled++
	}
	return settled, nil
}

func (d *Dispatcher) route(ctx context.Context, siteID, doorID string) (gateways.Gateway, error) {
	candidates, err := d.ownership.ListSite(ctx, siteID)
	if err != nil {
		return gateways.Gateway{}, err
	}
	var fallback *gateways.Gateway
	for index := range candidates {
		candidate := candidates[index]
		if candidate.Status != gateways.StatusOnline {
			continue
		}
		if candidate.Owns(doorID) {
			return candidate, nil
		}
		if fallback == nil {
			fallback = &candidates[index]
		}
	}
	if fallback == nil {
		return gateways.Gateway{}, ErrNoGatewayAvailable
	}
	return *fallback, nil
}

func (d *Dispatcher) load(ctx context.Context, commandID string) (DoorCommand, error) {
	var record DoorCommand
	err := d.db.WithContext(ctx).Where("id = ?", commandID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DoorCommand{}, ErrCommandNotFound
	}
	if err != nil {
		return DoorCommand{}, apperr.New(opReport, "query_failed", err)
	}
	return record, nil
}

func (d *Dispatcher) save(ctx context.Context, operation string, record DoorCommand, now int64) (DoorCommand, error) {
	record.UpdatedAtMillis = now
	if err := d.db.WithContext(ctx).Save(&record).Error; err != nil {
		d.logError(operation, "save_failed", err, zap.String("command_id", record.ID))
		return DoorCommand{}, apperr.New(operation, "save_failed", err)
	}
	return record, nil
}

func (d *Dispatcher) nowMillis() int64 {
	return d.clock().UTC().UnixMilli()
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("command dispatcher error", attrs...)
}
