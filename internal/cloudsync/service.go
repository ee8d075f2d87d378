// Package cloudsync is the cloud side of record sync: it applies entities
// pushed by gateways and serves the changes gateways pull.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/apperr"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/conflict"
	"github.com/safeschool/edge/internal/records"
	"go.uber.org/zap"
)

const (
	opServiceNew = "cloudsync.service.new"
	opApply      = "cloudsync.apply"

	defaultChangesLimit = 500
)

var errMissingStore = errors.New("record store is required")

// Origin identifies the gateway a push came from.
type Origin struct {
	GatewayID string
	SiteID    string
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store  *records.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service applies gateway pushes to the cloud record store.
type Service struct {
	store  *records.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, apperr.New(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Apply stores each pushed entity and reports a result per index. An entity
// that meets an existing cloud copy is resolved with the gateway's copy as
// the local side, so edge-wins types keep the gateway's write and
// cloud-wins types keep the cloud's. A cloud-wins rejection is reported as
// not accepted and carries the cloud copy so the gateway can adopt it.
// Entities without a site are stamped with the gateway's site; entities for
// another site are refused.
func (s *Service) Apply(ctx context.Context, origin Origin, entities []cloudapi.Entity) cloudapi.SyncResponse {
	response := cloudapi.SyncResponse{
		Results:   make([]cloudapi.ItemResult, 0, len(entities)),
		Timestamp: s.clock().UTC(),
	}
	for index, entity := range entities {
		result := cloudapi.ItemResult{Index: index, Type: entity.Type, ID: entity.Data.ID()}
		if reason, current := s.applyOne(ctx, origin, entity); reason != "" {
			result.Error = reason
			result.Current = current
			response.Errors++
			s.logger.Warn("pushed entity rejected",
				zap.String("gateway_id", origin.GatewayID),
				zap.String("entity_type", entity.Type),
				zap.String("record_id", result.ID),
				zap.String("reason", reason))
		} else {
			result.Accepted = true
			response.Synced++
		}
		response.Results = append(response.Results, result)
	}
	return response
}

func (s *Service) applyOne(ctx context.Context, origin Origin, entity cloudapi.Entity) (string, records.Record) {
	entityType := strings.ToLower(strings.TrimSpace(entity.Type))
	if entityType == "" {
		return cloudapi.RejectMissingType, nil
	}
	action := strings.ToLower(strings.TrimSpace(entity.Action))
	if action != "create" && action != "update" && action != "delete" {
		return cloudapi.RejectInvalidAction, nil
	}
	if err := entity.Data.Validate(); err != nil {
		return cloudapi.RejectInvalidRecord, nil
	}

	incoming := entity.Data.Clone()
	if origin.SiteID != "" {
		switch incoming.SiteID() {
		case "":
			incoming[records.FieldSiteID] = origin.SiteID
		case origin.SiteID:
		default:
			return cloudapi.RejectForeignSite, nil
		}
	}
	existing, found, err := s.store.Get(ctx, entityType, incoming.ID())
	if err != nil {
		s.logError(opApply, "lookup_failed", err, zap.String("record_id", incoming.ID()))
		return cloudapi.RejectStorageFailed, nil
	}
	resolved := incoming
	if found {
		if site := existing.SiteID(); site != "" && origin.SiteID != "" && site != origin.SiteID {
			return cloudapi.RejectForeignSite, nil
		}
		outcome := conflict.ResolveWithOutcome(entityType, incoming, existing)
		if outcome.Winner == conflict.SideRemote && conflict.StrategyFor(entityType) == conflict.StrategyCloudWins {
			return cloudapi.RejectCloudOwned, existing
		}
		resolved = outcome.Record
	}

	if tombstone, _ := resolved["deleted"].(bool); action == "delete" || tombstone {
		err = s.store.MarkDeleted(ctx, entityType, resolved)
	} else {
		err = s.store.Put(ctx, entityType, resolved)
	}
	if err != nil {
		s.logError(opApply, "store_failed", err, zap.String("record_id", incoming.ID()))
		return cloudapi.RejectStorageFailed, nil
	}
	return "", nil
}

// Changes returns the records of a type written after the given change
// sequence that the site may see: its own plus shared records.
func (s *Service) Changes(ctx context.Context, siteID, entityType string, after int64) (cloudapi.ChangesResponse, error) {
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if entityType == "" {
		return cloudapi.ChangesResponse{}, fmt.Errorf("cloudsync: %s", cloudapi.RejectMissingType)
	}
	page, err := s.store.ChangesAfter(ctx, entityType, siteID, after, defaultChangesLimit)
	if err != nil {
		return cloudapi.ChangesResponse{}, err
	}
	return cloudapi.ChangesResponse{
		Type:      entityType,
		Records:   page.Records,
		Cursor:    page.Cursor,
		More:      page.More,
		Timestamp: s.clock().UTC(),
	}, nil
}

// Put stores a cloud-authored record, for example from an operator tool.
func (s *Service) Put(ctx context.Context, entityType string, record records.Record) error {
	return s.store.Put(ctx, strings.ToLower(strings.TrimSpace(entityType)), record)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cloud sync error", attrs...)
}
