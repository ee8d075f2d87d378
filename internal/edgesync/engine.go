// Package edgesync moves entity changes between a gateway and the cloud. It
// pushes buffered local changes, pulls remote changes through conflict
// resolution, and falls back to the offline queue when the cloud is away.
package edgesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/conflict"
	"github.com/safeschool/edge/internal/health"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 50
	defaultInterval  = 30 * time.Second
	maxDrainBatches  = 100
	maxPullPages     = 20
)

var (
	// ErrNotConnected is returned by cloud-facing operations outside EDGE mode.
	ErrNotConnected = errors.New("edgesync: cloud not connected")

	errMissingDependency = errors.New("edgesync: cloud, queue and store are required")
	errRejected          = errors.New("edgesync: rejected by cloud")
)

// Change is one local mutation waiting to be pushed.
type Change struct {
	EntityType string
	Action     queue.Action
	Record     records.Record
	Timestamp  time.Time
}

// CloudAPI is the part of the cloud client the engine needs.
type CloudAPI interface {
	PushEntities(ctx context.Context, entities []cloudapi.Entity) (cloudapi.SyncResponse, error)
	PullChanges(ctx context.Context, entityType string, after int64) (cloudapi.ChangesResponse, error)
}

// HealthChecker decides the mode of each tick.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) health.Report
}

// ResolveFunc picks the surviving version of a record.
type ResolveFunc func(entityType string, local, remote records.Record) records.Record

// TickContext is everything a tick needs to know about the outside world.
type TickContext struct {
	Mode health.Mode
	Now  time.Time
}

// Config describes the dependencies of an Engine.
type Config struct {
	Cloud       CloudAPI
	Queue       *queue.Queue
	Store       *records.Store
	Health      HealthChecker
	Resolve     ResolveFunc
	BatchSize   int
	EntityTypes []string
	Interval    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Stats is a snapshot of engine state.
type Stats struct {
	Buffered   int         `json:"buffered"`
	LastTickAt time.Time   `json:"lastTickAt"`
	LastMode   health.Mode `json:"lastMode"`
	LastError  string      `json:"lastError,omitempty"`
	Pushed     int64       `json:"pushed"`
	Pulled     int64       `json:"pulled"`
	Queue      queue.Stats `json:"queue"`
}

// DrainResult summarises one drain of the offline queue. Superseded counts
// operations the cloud refused in favour of its own copy; they are settled.
type DrainResult struct {
	Completed  int
	Superseded int
	Failed     int
	Batches    int
}

// Engine owns the in-memory change buffer. Ticks never overlap.
type Engine struct {
	cloud       CloudAPI
	queue       *queue.Queue
	store       *records.Store
	health      HealthChecker
	resolve     ResolveFunc
	batchSize   int
	entityTypes []string
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	tickMu sync.Mutex

	mu           sync.Mutex
	localChanges []Change
	lastTickAt   time.Time
	lastMode     health.Mode
	lastError    string
	pushed       int64
	pulled       int64
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Cloud == nil || cfg.Queue == nil || cfg.Store == nil {
		return nil, errMissingDependency
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = conflict.Resolve
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cloud:       cfg.Cloud,
		queue:       cfg.Queue,
		store:       cfg.Store,
		health:      cfg.Health,
		resolve:     resolve,
		batchSize:   batchSize,
		entityTypes: append([]string(nil), cfg.EntityTypes...),
		interval:    interval,
		clock:       clock,
		logger:      logger,
		lastMode:    health.ModeStandalone,
	}, nil
}

// TrackChange appends a change to the buffer. It does no I/O.
func (e *Engine) TrackChange(change Change) {
	if change.Timestamp.IsZero() {
		change.Timestamp = e.clock().UTC()
	}
	e.mu.Lock()
	e.localChanges = append(e.localChanges, change)
	e.mu.Unlock()
}

// ApplyLocal stores a locally produced record as the last-known version and
// tracks it for the next push.
func (e *Engine) ApplyLocal(ctx context.Context, entityType string, action queue.Action, record records.Record) error {
	var err error
	if action == queue.ActionDelete {
		err = e.store.MarkDeleted(ctx, entityType, record)
	} else {
		err = e.store.Put(ctx, entityType, record)
	}
	if err != nil {
		return err
	}
	e.TrackChange(Change{EntityType: entityType, Action: action, Record: record.Clone()})
	return nil
}

// Buffered returns the number of changes waiting in memory.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.localChanges)
}

// Tick runs one sync round. Outside EDGE mode the buffer goes straight to the
// offline queue. In EDGE mode it drains the queue, pushes the buffer and then
// pulls; if any step fails, whatever is still buffered is flushed to the queue
// once. Queued operations are always older than buffered changes, so the
// buffer is never pushed ahead of them.
func (e *Engine) Tick(ctx context.Context, tick TickContext) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	var err error
	if tick.Mode != health.ModeEdge {
		err = e.flushChangesToQueue(ctx)
	} else {
		_, err = e.drainQueueAndSync(ctx)
		if err == nil {
			err = e.pushBehindBacklog(ctx)
		}
		if err == nil {
			err = e.syncFromCloud(ctx)
		}
		if err != nil {
			if flushErr := e.flushChangesToQueue(ctx); flushErr != nil {
				err = errors.Join(err, flushErr)
			}
		}
	}

	e.mu.Lock()
	e.lastTickAt = tick.Now
	e.lastMode = tick.Mode
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("sync tick failed", zap.String("mode", string(tick.Mode)), zap.Error(err))
	}
	return err
}

// SyncToCloud pushes buffered changes in batches from the front of the buffer.
func (e *Engine) SyncToCloud(ctx context.Context, tick TickContext) error {
	if tick.Mode != health.ModeEdge {
		return ErrNotConnected
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.syncToCloud(ctx)
}

// SyncFromCloud pulls remote changes for every configured entity type.
func (e *Engine) SyncFromCloud(ctx context.Context, tick TickContext) error {
	if tick.Mode != health.ModeEdge {
		return ErrNotConnected
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.syncFromCloud(ctx)
}

// DrainQueueAndSync replays eligible queued operations with per-item settlement.
func (e *Engine) DrainQueueAndSync(ctx context.Context, tick TickContext) (DrainResult, error) {
	if tick.Mode != health.ModeEdge {
		return DrainResult{}, ErrNotConnected
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.drainQueueAndSync(ctx)
}

// pushBehindBacklog pushes the buffer when the queue is empty. Operations still
// queued after a drain are waiting out a backoff or a batch limit; the buffer
// then joins the end of the queue to keep write order.
func (e *Engine) pushBehindBacklog(ctx context.Context) error {
	backlog, err := e.queue.Stats(ctx)
	if err != nil {
		return err
	}
	if backlog.Pending+backlog.Failed > 0 {
		return e.flushChangesToQueue(ctx)
	}
	return e.syncToCloud(ctx)
}

func (e *Engine) syncToCloud(ctx context.Context) error {
	for {
		e.mu.Lock()
		size := len(e.localChanges)
		if size > e.batchSize {
			size = e.batchSize
		}
		batch := append([]Change(nil), e.localChanges[:size]...)
		e.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}

		entities := make([]cloudapi.Entity, len(batch))
		for index, change := range batch {
			entities[index] = change.entity()
		}
		outcomes, err := e.push(ctx, entities)
		if err != nil {
			return err
		}

		var (
			unqueued []Change
			queueErr error
			accepted int
		)
		for index, outcome := range outcomes {
			var err error
			switch {
			case outcome.accepted:
				accepted++
				continue
			case outcome.superseded():
				err = e.adoptCloudCopy(ctx, entities[index], outcome.current)
			default:
				err = e.queueRejected(ctx, entities[index], outcome.reason)
			}
			if err != nil {
				unqueued = append(unqueued, batch[index])
				queueErr = err
			}
		}

		// Only this loop removes from the front, so the first len(batch)
		// buffered changes are still the batch.
		e.mu.Lock()
		rest := e.localChanges[len(batch):]
		e.localChanges = append(unqueued, rest...)
		e.pushed += int64(accepted)
		e.mu.Unlock()

		if queueErr != nil {
			return queueErr
		}
	}
}

// queueRejected records a refused change in the queue. A malformed change is
// dead-lettered at once; anything else waits for a retry.
func (e *Engine) queueRejected(ctx context.Context, entity cloudapi.Entity, reason string) error {
	id, err := e.queue.Enqueue(ctx, entity.Type, queue.Action(entity.Action), entity)
	if err != nil {
		return err
	}
	return e.settleRejected(ctx, id, entity, reason)
}

func (e *Engine) settleRejected(ctx context.Context, id uint64, entity cloudapi.Entity, reason string) error {
	cause := fmt.Errorf("%w: %s", errRejected, reason)
	if cloudapi.Malformed(reason) {
		e.logger.Warn("change refused by cloud as malformed; dead-lettered",
			zap.String("entity_type", entity.Type),
			zap.String("entity_id", entity.Data.ID()),
			zap.String("reason", reason))
		return e.queue.MarkDead(ctx, []uint64{id}, cause)
	}
	e.logger.Info("change rejected by cloud; queued for retry",
		zap.String("entity_type", entity.Type),
		zap.String("entity_id", entity.Data.ID()),
		zap.String("reason", reason))
	return e.queue.MarkFailed(ctx, []uint64{id}, cause)
}

// adoptCloudCopy replaces the local copy of an entity the cloud kept for
// itself. Without a copy in the response the next pull delivers it.
func (e *Engine) adoptCloudCopy(ctx context.Context, entity cloudapi.Entity, current records.Record) error {
	e.logger.Info("change superseded by cloud copy",
		zap.String("entity_type", entity.Type),
		zap.String("entity_id", entity.Data.ID()),
		zap.Bool("copy_returned", current != nil))
	if current == nil {
		return nil
	}
	return e.applyRemote(ctx, entity.Type, current)
}

func (e *Engine) syncFromCloud(ctx context.Context) error {
	for _, entityType := range e.entityTypes {
		if err := e.pullType(ctx, entityType); err != nil {
			return err
		}
	}
	return nil
}

// pullType follows the cloud's change cursor for one entity type. The cursor
// is the cloud's write order, so a record written late with an older
// updatedAt is still delivered.
func (e *Engine) pullType(ctx context.Context, entityType string) error {
	cursor, err := e.store.Cursor(ctx, entityType)
	if err != nil {
		return err
	}
	for page := 0; page < maxPullPages; page++ {
		response, err := e.cloud.PullChanges(ctx, entityType, cursor)
		if err != nil {
			return err
		}
		for _, remote := range response.Records {
			if err := e.applyRemote(ctx, entityType, remote); err != nil {
				return err
			}
		}
		e.mu.Lock()
		e.pulled += int64(len(response.Records))
		e.mu.Unlock()

		if response.Cursor <= cursor {
			return nil
		}
		if err := e.store.AdvanceCursor(ctx, entityType, response.Cursor); err != nil {
			return err
		}
		cursor = response.Cursor
		if !response.More {
			return nil
		}
	}
	e.logger.Debug("pull stopped at page limit", zap.String("entity_type", entityType), zap.Int64("cursor", cursor))
	return nil
}

// applyRemote resolves a cloud record against the local copy and stores the
// survivor.
func (e *Engine) applyRemote(ctx context.Context, entityType string, remote records.Record) error {
	if err := remote.Validate(); err != nil {
		e.logger.Warn("skipping invalid remote record", zap.String("entity_type", entityType), zap.Error(err))
		return nil
	}
	local, found, err := e.store.Get(ctx, entityType, remote.ID())
	if err != nil {
		return err
	}
	resolved := remote.Clone()
	if found {
		resolved = e.resolve(entityType, local, remote)
	}
	if deleted, _ := resolved["deleted"].(bool); deleted {
		return e.store.MarkDeleted(ctx, entityType, resolved)
	}
	return e.store.Put(ctx, entityType, resolved)
}

func (e *Engine) drainQueueAndSync(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	for result.Batches < maxDrainBatches {
		operations, err := e.queue.Dequeue(ctx, e.batchSize)
		if err != nil {
			return result, err
		}
		if len(operations) == 0 {
			return result, nil
		}
		result.Batches++

		entities := make([]cloudapi.Entity, 0, len(operations))
		sent := make([]queue.Operation, 0, len(operations))
		for _, operation := range operations {
			var entity cloudapi.Entity
			if err := json.Unmarshal(operation.Payload, &entity); err != nil {
				result.Failed++
				if markErr := e.queue.MarkDead(ctx, []uint64{operation.ID}, fmt.Errorf("decode payload: %w", err)); markErr != nil {
					return result, markErr
				}
				continue
			}
			entities = append(entities, entity)
			sent = append(sent, operation)
		}
		if len(entities) == 0 {
			continue
		}

		outcomes, err := e.push(ctx, entities)
		if err != nil {
			// Nothing in the batch was confirmed.
			ids := make([]uint64, len(sent))
			for index, operation := range sent {
				ids[index] = operation.ID
			}
			result.Failed += len(ids)
			if markErr := e.queue.MarkFailed(ctx, ids, err); markErr != nil {
				return result, errors.Join(err, markErr)
			}
			return result, err
		}

		var (
			completed []uint64
			accepted  int
		)
		for index, outcome := range outcomes {
			switch {
			case outcome.accepted:
				accepted++
				completed = append(completed, sent[index].ID)
			case outcome.superseded():
				if err := e.adoptCloudCopy(ctx, entities[index], outcome.current); err != nil {
					return result, err
				}
				result.Superseded++
				completed = append(completed, sent[index].ID)
			default:
				result.Failed++
				if err := e.settleRejected(ctx, sent[index].ID, entities[index], outcome.reason); err != nil {
					return result, err
				}
			}
		}
		if err := e.queue.MarkComplete(ctx, completed); err != nil {
			return result, err
		}
		result.Completed += accepted
		e.mu.Lock()
		e.pushed += int64(accepted)
		e.mu.Unlock()
	}
	e.logger.Warn("queue drain stopped at batch limit", zap.Int("batches", result.Batches))
	return result, nil
}

type itemOutcome struct {
	accepted bool
	reason   string
	current  records.Record
}

func (o itemOutcome) superseded() bool {
	return !o.accepted && cloudapi.Superseded(o.reason)
}

// push sends a batch and reports one outcome per entity.
func (e *Engine) push(ctx context.Context, entities []cloudapi.Entity) ([]itemOutcome, error) {
	response, err := e.cloud.PushEntities(ctx, entities)
	if err != nil {
		return nil, err
	}
	if outcomes, ok := disaggregate(len(entities), response); ok {
		return outcomes, nil
	}
	return e.narrow(ctx, entities, response.Errors)
}

// narrow locates the rejected entities of a batch the cloud answered with a
// count only. The first half is resent and the second half's count follows
// from the difference, so a part known to be clean is never sent again.
func (e *Engine) narrow(ctx context.Context, entities []cloudapi.Entity, rejected int) ([]itemOutcome, error) {
	switch {
	case rejected <= 0:
		return uniformOutcomes(len(entities), true), nil
	case rejected >= len(entities):
		return uniformOutcomes(len(entities), false), nil
	}

	e.logger.Debug("sync response lacks per-item results; narrowing batch",
		zap.Int("batch", len(entities)),
		zap.Int("rejected", rejected))
	middle := len(entities) / 2
	head, tail := entities[:middle], entities[middle:]
	response, err := e.cloud.PushEntities(ctx, head)
	if err != nil {
		return nil, err
	}
	headOutcomes, ok := disaggregate(len(head), response)
	if !ok {
		headOutcomes, err = e.narrow(ctx, head, response.Errors)
		if err != nil {
			return nil, err
		}
	}
	headRejected := 0
	for _, outcome := range headOutcomes {
		if !outcome.accepted {
			headRejected++
		}
	}
	tailOutcomes, err := e.narrow(ctx, tail, rejected-headRejected)
	if err != nil {
		return nil, err
	}
	return append(headOutcomes, tailOutcomes...), nil
}

func uniformOutcomes(size int, accepted bool) []itemOutcome {
	outcome := itemOutcome{accepted: accepted}
	if !accepted {
		outcome.reason = "rejected"
	}
	outcomes := make([]itemOutcome, size)
	for index := range outcomes {
		outcomes[index] = outcome
	}
	return outcomes
}

func disaggregate(size int, response cloudapi.SyncResponse) ([]itemOutcome, bool) {
	if len(response.Results) == 0 {
		return nil, false
	}
	outcomes := make([]itemOutcome, size)
	seen := make([]bool, size)
	for _, result := range response.Results {
		if result.Index < 0 || result.Index >= size {
			return nil, false
		}
		outcomes[result.Index] = itemOutcome{accepted: result.Accepted, reason: result.Error, current: result.Current}
		if !result.Accepted && result.Error == "" {
			outcomes[result.Index].reason = "rejected"
		}
		seen[result.Index] = true
	}
	for _, ok := range seen {
		if !ok {
			return nil, false
		}
	}
	return outcomes, true
}

// flushChangesToQueue moves the whole buffer into the offline queue. Changes
// that could not be queued stay buffered in order.
func (e *Engine) flushChangesToQueue(ctx context.Context) error {
	e.mu.Lock()
	changes := e.localChanges
	e.localChanges = nil
	e.mu.Unlock()

	for index, change := range changes {
		entity := change.entity()
		if _, err := e.queue.Enqueue(ctx, entity.Type, change.Action, entity); err != nil {
			e.mu.Lock()
			e.localChanges = append(append([]Change(nil), changes[index:]...), e.localChanges...)
			e.mu.Unlock()
			return err
		}
	}
	if len(changes) > 0 {
		e.logger.Info("flushed changes to offline queue", zap.Int("count", len(changes)))
	}
	return nil
}

// Run ticks until ctx is cancelled. Each tick asks the health checker for the
// mode first.
func (e *Engine) Run(ctx context.Context) error {
	if e.health == nil {
		return errors.New("edgesync: health checker is required to run")
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	previous := health.ModeStandalone
	for {
		report := e.health.PerformHealthCheck(ctx)
		if previous != health.ModeEdge && report.Mode == health.ModeEdge {
			e.logger.Info("cloud reachable; draining offline queue")
		}
		previous = report.Mode
		_ = e.Tick(ctx, TickContext{Mode: report.Mode, Now: e.clock().UTC()})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the engine and its queue.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	queueStats, err := e.queue.Stats(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Buffered:   len(e.localChanges),
		LastTickAt: e.lastTickAt,
		LastMode:   e.lastMode,
		LastError:  e.lastError,
		Pushed:     e.pushed,
		Pulled:     e.pulled,
		Queue:      queueStats,
	}, err
}

func (c Change) entity() cloudapi.Entity {
	action := c.Action
	if action == "" {
		action = queue.ActionUpdate
	}
	return cloudapi.Entity{
		Type:      c.EntityType,
		Action:    string(action),
		Data:      c.Record,
		Timestamp: c.Timestamp,
	}
}
