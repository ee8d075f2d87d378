// Package queue is the durable offline operation log a gateway falls back to
// while the cloud is unreachable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/safeschool/edge/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opNew         = "queue.new"
	opEnqueue     = "queue.enqueue"
	opDequeue     = "queue.dequeue"
	opComplete    = "queue.mark_complete"
	opFail        = "queue.mark_failed"
	opDead        = "queue.mark_dead"
	opStats       = "queue.stats"
	opDeadLetters = "queue.dead_letters"
	opRequeue     = "queue.requeue"
	opPurge       = "queue.purge"

	maxErrorLength = 1024
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusComplete Status = "complete"
	// StatusDead marks an operation that exhausted its retries. It is never
	// dequeued again unless an operator requeues it.
	StatusDead Status = "dead"
)

// Action is the mutation a queued operation replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errors.New("queue: operation not found")
	// ErrNotDead is returned when requeueing an operation that is not dead.
	ErrNotDead = errors.New("queue: operation is not dead")
)

// Operation is one persisted entry of the offline queue.
type Operation struct {
	ID                   uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType           string         `gorm:"column:entity_type;size:64;not null"`
	Action               Action         `gorm:"column:action;size:16;not null"`
	Payload              datatypes.JSON `gorm:"column:payload;not null"`
	Status               Status         `gorm:"column:status;size:16;not null;index:idx_operations_eligible,priority:1"`
	RetryCount           int            `gorm:"column:retry_count;not null;default:0"`
	MaxRetries           int            `gorm:"column:max_retries;not null"`
	NextEligibleAtMillis *int64         `gorm:"column:next_eligible_at_ms;index:idx_operations_eligible,priority:2"`
	LastError            string         `gorm:"column:last_error;size:1024"`
	CreatedAtMillis      int64          `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis      int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "offline_operations"
}

// Stats counts operations per status.
type Stats struct {
	Pending  int64 `json:"pending"`
	Failed   int64 `json:"failed"`
	Complete int64 `json:"complete"`
	Dead     int64 `json:"dead"`
}

// Config describes the dependencies of a Queue.
type Config struct {
	Database *gorm.DB
	Policies Policies
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue is a FIFO of operations with per-row retry bookkeeping. Writes are
// serialised inside the process; the backing store is not meant to be shared
// by several processes.
type Queue struct {
	db       *gorm.DB
	policies Policies
	clock    func() time.Time
	logger   *zap.Logger

	writeMu sync.Mutex
}

// New validates the configuration and returns a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policies := cfg.Policies
	if policies.Default == (Policy{}) {
		policies.Default = DefaultPolicy()
	}
	return &Queue{db: cfg.Database, policies: policies, clock: clock, logger: logger}, nil
}

// Policies returns the retry policies in effect.
func (q *Queue) Policies() Policies {
	return q.policies
}

// Enqueue appends a pending operation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, entityType string, action Action, payload any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, apperr.New(opEnqueue, "encode_failed", err)
	}
	now := q.nowMillis()
	operation := Operation{
		EntityType:      entityType,
		Action:          action,
		Payload:         datatypes.JSON(data),
		Status:          StatusPending,
		MaxRetries:      q.policies.For(entityType).MaxRetries,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if err := q.db.WithContext(ctx).Create(&operation).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err, zap.String("entity_type", entityType))
		return 0, apperr.New(opEnqueue, "insert_failed", err)
	}
	return operation.ID, nil
}

// Dequeue returns up to limit eligible operations, oldest first. It does not
// change their state; callers settle them with MarkComplete or MarkFailed.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	var operations []Operation
	err := q.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusPending, StatusFailed}).
		Where("retry_count < max_retries").
		Where("(next_eligible_at_ms IS NULL OR next_eligible_at_ms <= ?)", q.nowMillis()).
		Order("id ASC").
		Limit(limit).
		Find(&operations).Error
	if err != nil {
		q.logError(opDequeue, "query_failed", err)
		return nil, apperr.New(opDequeue, "query_failed", err)
	}
	return operations, nil
}

// MarkComplete settles operations as delivered.
func (q *Queue) MarkComplete(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	err := q.db.WithContext(ctx).
		Model(&Operation{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":              StatusComplete,
			"next_eligible_at_ms": nil,
			"last_error":          "",
			"updated_at_ms":       q.nowMillis(),
		}).Error
	if err != nil {
		q.logError(opComplete, "update_failed", err, zap.Int("count", len(ids)))
		return apperr.New(opComplete, "update_failed", err)
	}
	return nil
}

// MarkFailed records one failed attempt for each operation. An operation whose
// retry count reaches its maximum becomes dead; the others wait out the backoff
// of their entity type. Completed and dead operations are left untouched.
func (q *Queue) MarkFailed(ctx context.Context, ids []uint64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	message := ""
	if cause != nil {
		message = cause.Error()
		if len(message) > maxErrorLength {
			message = message[:maxErrorLength]
		}
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var operations []Operation
		if err := tx.Where("id IN ?", ids).Find(&operations).Error; err != nil {
			q.logError(opFail, "query_failed", err)
			return apperr.New(opFail, "query_failed", err)
		}
		now := q.clock().UTC()
		for _, operation := range operations {
			if operation.Status == StatusComplete || operation.Status == StatusDead {
				continue
			}
			retryCount := operation.RetryCount + 1
			if retryCount > operation.MaxRetries {
				retryCount = operation.MaxRetries
			}
			updates := map[string]any{
				"retry_count":   retryCount,
				"last_error":    message,
				"updated_at_ms": now.UnixMilli(),
			}
			if retryCount >= operation.MaxRetries {
				updates["status"] = StatusDead
				updates["next_eligible_at_ms"] = nil
				q.logger.Warn("offline operation exhausted retries",
					zap.Uint64("operation_id", operation.ID),
					zap.String("entity_type", operation.EntityType),
					zap.Int("retry_count", retryCount),
					zap.String("last_error", message))
			} else {
				eligibleAt := now.Add(q.policies.For(operation.EntityType).Backoff(retryCount)).UnixMilli()
				updates["status"] = StatusFailed
				updates["next_eligible_at_ms"] = eligibleAt
			}
			if err := tx.Model(&Operation{}).Where("id = ?", operation.ID).Updates(updates).Error; err != nil {
				q.logError(opFail, "update_failed", err, zap.Uint64("operation_id", operation.ID))
				return apperr.New(opFail, "update_failed", err)
			}
		}
		return nil
	})
}

// MarkDead dead-letters operations the cloud refused as malformed. Retrying
// them cannot succeed, so they skip the backoff schedule. Completed operations
// are left untouched.
func (q *Queue) MarkDead(ctx context.Context, ids []uint64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	message := ""
	if cause != nil {
		message = cause.Error()
		if len(message) > maxErrorLength {
			message = message[:maxErrorLength]
		}
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	err := q.db.WithContext(ctx).
		Model(&Operation{}).
		Where("id IN ? AND status <> ?", ids, StatusComplete).
		Updates(map[string]any{
			"status":              StatusDead,
			"next_eligible_at_ms": nil,
			"last_error":          message,
			"updated_at_ms":       q.nowMillis(),
		}).Error
	if err != nil {
		q.logError(opDead, "update_failed", err, zap.Int("count", len(ids)))
		return apperr.New(opDead, "update_failed", err)
	}
	q.logger.Warn("offline operations dead-lettered", zap.Int("count", len(ids)), zap.String("last_error", message))
	return nil
}

// Stats counts operations per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	type statusCount struct {
		Status Status
		Count  int64
	}
	var rows []statusCount
	err := q.db.WithContext(ctx).
		Model(&Operation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		q.logError(opStats, "query_failed", err)
		return Stats{}, apperr.New(opStats, "query_failed", err)
	}
	var stats Stats
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		case StatusComplete:
			stats.Complete = row.Count
		case StatusDead:
			stats.Dead = row.Count
		}
	}
	return stats, nil
}

// DeadLetters lists dead operations, newest first, for operator review.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	var operations []Operation
	err := q.db.WithContext(ctx).
		Where("status = ?", StatusDead).
		Order("id DESC").
		Limit(limit).
		Find(&operations).Error
	if err != nil {
		return nil, apperr.New(opDeadLetters, "query_failed", err)
	}
	return operations, nil
}

// Requeue revives a dead operation with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id uint64) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	var operation Operation
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return apperr.New(opRequeue, "query_failed", err)
	}
	if operation.Status != StatusDead {
		return ErrNotDead
	}
	err = q.db.WithContext(ctx).
		Model(&Operation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":              StatusPending,
			"retry_count":         0,
			"next_eligible_at_ms": nil,
			"updated_at_ms":       q.nowMillis(),
		}).Error
	if err != nil {
		return apperr.New(opRequeue, "update_failed", err)
	}
	q.logger.Info("dead operation requeued", zap.Uint64("operation_id", id))
	return nil
}

// Purge deletes completed operations last touched before the horizon and
// returns how many were removed.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	result := q.db.WithContext(ctx).
		Where("status = ? AND updated_at_ms < ?", StatusComplete, olderThan.UTC().UnixMilli()).
		Delete(&Operation{})
	if result.Error != nil {
		q.logError(opPurge, "delete_failed", result.Error)
		return 0, apperr.New(opPurge, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (q *Queue) nowMillis() int64 {
	return q.clock().UTC().UnixMilli()
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("offline queue error", attrs...)
}
