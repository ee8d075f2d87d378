package records

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
	"gorm.io/gorm/clause"
)

const (
	opStoreNew      = "records.store.new"
	opGet           = "records.get"
	opPut           = "records.put"
	opChangesAfter  = "records.changes_after"
	opCursor        = "records.cursor"
	opSetCursor     = "records.advance_cursor"
	defaultPageSize = 500
)

var errMissingDatabase = errors.New("database handle is required")

// StoredRecord is the persisted form of a Record, keyed by entity type and id.
// ChangeSeq is assigned by the store on every write and only grows, so it
// orders writes by arrival rather than by the record's own updatedAt.
type StoredRecord struct {
	EntityType      string         `gorm:"column:entity_type;primaryKey;size:64;not null;index:idx_records_type_seq,priority:1"`
	RecordID        string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	SiteID          string         `gorm:"column:site_id;size:190;not null;default:'';index"`
	Data            datatypes.JSON `gorm:"column:data;not null"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null"`
	Deleted         bool           `gorm:"column:deleted;not null;default:false"`
	ChangeSeq       int64          `gorm:"column:change_seq;not null;default:0;index:idx_records_type_seq,priority:2"`
	StoredAtMillis  int64          `gorm:"column:stored_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "sync_records"
}

// Cursor stores the per-entity-type pull position of a gateway: the change
// sequence of the last cloud record it applied.
type Cursor struct {
	EntityType string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	Position   int64  `gorm:"column:position;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "sync_cursors"
}

// Page is one slice of a change feed. Cursor is the sequence of the last row
// read, or the requested position when nothing was newer.
type Page struct {
	Records []Record
	Cursor  int64
	More    bool
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists records per entity type. On a gateway it holds the last-known
// local version of every entity; on the cloud it is the authoritative copy fed
// by gateway pushes.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	writeMu sync.Mutex
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored record for (entityType, id). The boolean is false when
// no record exists; deleted records are reported as found with "deleted": true.
func (s *Store) Get(ctx context.Context, entityType, id string) (Record, bool, error) {
	var stored StoredRecord
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND record_id = ?", entityType, id).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("entity_type", entityType), zap.String("record_id", id))
		return nil, false, apperr.New(opGet, "query_failed", err)
	}
	record, err := decode(stored)
	if err != nil {
		return nil, false, apperr.New(opGet, "decode_failed", err)
	}
	return record, true, nil
}

// Put upserts the record. The record must carry id and updatedAt.
func (s *Store) Put(ctx context.Context, entityType string, record Record) error {
	return s.write(ctx, entityType, record, false)
}

// MarkDeleted stores the record as a tombstone so later pulls propagate the delete.
func (s *Store) MarkDeleted(ctx context.Context, entityType string, record Record) error {
	return s.write(ctx, entityType, record, true)
}

func (s *Store) write(ctx context.Context, entityType string, record Record, deleted bool) error {
	if err := record.Validate(); err != nil {
		return apperr.New(opPut, "invalid_record", err)
	}
	payload := record.Clone()
	if deleted {
		payload["deleted"] = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return apperr.New(opPut, "encode_failed", err)
	}
	stored := StoredRecord{
		EntityType:      entityType,
		RecordID:        record.ID(),
		SiteID:          record.SiteID(),
		Data:            datatypes.JSON(data),
		UpdatedAtMillis: record.UpdatedAt().UnixMilli(),
		Deleted:         deleted,
		StoredAtMillis:  s.clock().UTC().UnixMilli(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&StoredRecord{}).Select("COALESCE(MAX(change_seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		stored.ChangeSeq = last + 1
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&stored).Error
	})
	if err != nil {
		s.logError(opPut, "upsert_failed", err, zap.String("entity_type", entityType), zap.String("record_id", stored.RecordID))
		return apperr.New(opPut, "upsert_failed", err)
	}
	return nil
}

// ChangesAfter lists records of a type written after the given change
// sequence, in write order. A non-empty siteID limits the feed to that site's
// records plus shared ones. Pulls are at-least-once; applying a record twice
// is harmless.
func (s *Store) ChangesAfter(ctx context.Context, entityType, siteID string, after int64, limit int) (Page, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	query := s.db.WithContext(ctx).Where("entity_type = ? AND change_seq > ?", entityType, after)
	if siteID != "" {
		query = query.Where("site_id IN ?", []string{siteID, ""})
	}
	var stored []StoredRecord
	if err := query.Order("change_seq ASC").Limit(limit + 1).Find(&stored).Error; err != nil {
		s.logError(opChangesAfter, "query_failed", err, zap.String("entity_type", entityType))
		return Page{}, apperr.New(opChangesAfter, "query_failed", err)
	}

	page := Page{Records: make([]Record, 0, len(stored)), Cursor: after}
	if len(stored) > limit {
		stored = stored[:limit]
		page.More = true
	}
	for _, row := range stored {
		page.Cursor = row.ChangeSeq
		record, decodeErr := decode(row)
		if decodeErr != nil {
			s.logError(opChangesAfter, "decode_failed", decodeErr, zap.String("record_id", row.RecordID))
			continue
		}
		page.Records = append(page.Records, record)
	}
	return page, nil
}

// Cursor returns the pull position for an entity type, zero when never pulled.
func (s *Store) Cursor(ctx context.Context, entityType string) (int64, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.New(opCursor, "query_failed", err)
	}
	return cursor.Position, nil
}

// AdvanceCursor moves the pull position forward; it never moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, entityType string, position int64) error {
	current, err := s.Cursor(ctx, entityType)
	if err != nil {
		return err
	}
	if position <= current {
		return nil
	}
	cursor := Cursor{EntityType: entityType, Position: position}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&cursor).Error; err != nil {
		return apperr.New(opSetCursor, "upsert_failed", err)
	}
	return nil
}

func decode(stored StoredRecord) (Record, error) {
	record := Record{}
	if err := json.Unmarshal(stored.Data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records store error", attrs...)
}
