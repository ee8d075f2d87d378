package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDeadLetterExhaustedOperations = "2026-10-01_dead_letter_exhausted_operations"
	migrationBackfillGatewayOriginalRole   = "2026-10-08_backfill_gateway_original_role"
	migrationNumberRecordChanges           = "2026-10-20_number_record_changes"

	legacyWatermarkTable = "sync_watermarks"
)

type migrationRecord struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// migrations run in order, once each. A migration and its record commit together.
var migrations = []migration{
	{name: migrationDeadLetterExhaustedOperations, apply: deadLetterExhaustedOperations},
	{name: migrationBackfillGatewayOriginalRole, apply: backfillGatewayOriginalRole},
	{name: migrationNumberRecordChanges, apply: numberRecordChanges},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, step := range migrations {
		var existing migrationRecord
		err := db.Where("name = ?", step.name).Take(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("migration %s: lookup: %w", step.name, err)
		}

		started := time.Now()
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: step.name, AppliedAtMillis: time.Now().UTC().UnixMilli()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
		logger.Info("database migration applied",
			zap.String("migration", step.name),
			zap.Duration("took", time.Since(started)))
	}
	return nil
}

// Queues written before the dead status existed left exhausted rows in failed.
func deadLetterExhaustedOperations(tx *gorm.DB) error {
	return tx.Model(&queue.Operation{}).
		Where("status = ? AND retry_count >= max_retries", queue.StatusFailed).
		Updates(map[string]any{
			"status":              queue.StatusDead,
			"next_eligible_at_ms": nil,
		}).Error
}

// Gateways paired before original_role existed get it from their current
// role; an assumed primary was the secondary of its pair.
func backfillGatewayOriginalRole(tx *gorm.DB) error {
	err := tx.Model(&gateways.Gateway{}).
		Where("original_role = '' AND cluster_role = ?", gateways.RoleAssumedPrimary).
		Update("original_role", gateways.RoleSecondary).Error
	if err != nil {
		return err
	}
	return tx.Model(&gateways.Gateway{}).
		Where("original_role = ''").
		Update("original_role", gorm.Expr("cluster_role")).Error
}

// Records stored before change sequences existed are numbered in storage
// order after any numbered ones and take their site from the payload. The
// timestamp watermarks they were pulled with are dropped, so gateways pull
// once more from the start.
func numberRecordChanges(tx *gorm.DB) error {
	var unnumbered []records.StoredRecord
	err := tx.Where("change_seq = 0").
		Order("stored_at_ms ASC").
		Order("entity_type ASC").
		Order("record_id ASC").
		Find(&unnumbered).Error
	if err != nil {
		return err
	}
	var last int64
	if err := tx.Model(&records.StoredRecord{}).Select("COALESCE(MAX(change_seq), 0)").Scan(&last).Error; err != nil {
		return err
	}
	for _, row := range unnumbered {
		last++
		siteID := ""
		var payload records.Record
		if json.Unmarshal(row.Data, &payload) == nil {
			siteID = payload.SiteID()
		}
		err := tx.Model(&records.StoredRecord{}).
			Where("entity_type = ? AND record_id = ?", row.EntityType, row.RecordID).
			Updates(map[string]any{"change_seq": last, "site_id": siteID}).Error
		if err != nil {
			return err
		}
	}
	if tx.Migrator().HasTable(legacyWatermarkTable) {
		return tx.Migrator().DropTable(legacyWatermarkTable)
	}
	return nil
}
