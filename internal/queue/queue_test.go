package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	now time.Time
}

func (clock *manualClock) Now() time.Time {
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.now = clock.now.Add(duration)
}

func openTestQueue(testContext *testing.T, policies Policies) (*Queue, *manualClock) {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "queue.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&Operation{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	queue, err := New(Config{Database: database, Policies: policies, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	return queue, clock
}

func TestFiveFailuresDeadLetterTheOperation(testContext *testing.T) {
	queue, clock := openTestQueue(testContext, NewPolicies(nil))
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, "incident", ActionCreate, map[string]any{"id": "i-1"})
	if err != nil {
		testContext.Fatalf("enqueue failed: %v", err)
	}

	cause := errors.New("cloud rejected")
	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		if err := queue.MarkFailed(ctx, []uint64{id}, cause); err != nil {
			testContext.Fatalf("mark failed attempt %d: %v", attempt, err)
		}
	}

	clock.Advance(24 * time.Hour)
	operations, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	for _, operation := range operations {
		if operation.ID == id {
			testContext.Fatalf("dead operation %d was dequeued", id)
		}
	}

	dead, err := queue.DeadLetters(ctx, 10)
	if err != nil {
		testContext.Fatalf("dead letters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id || dead[0].Status != StatusDead {
		testContext.Fatalf("expected operation %d in dead letters, got %+v", id, dead)
	}
	if dead[0].RetryCount != DefaultMaxRetries {
		testContext.Fatalf("expected retry count %d, got %d", DefaultMaxRetries, dead[0].RetryCount)
	}

	// A further failure report must not push the count past the maximum.
	if err := queue.MarkFailed(ctx, []uint64{id}, cause); err != nil {
		testContext.Fatalf("extra mark failed: %v", err)
	}
	dead, _ = queue.DeadLetters(ctx, 10)
	if dead[0].RetryCount != DefaultMaxRetries {
		testContext.Fatalf("retry count exceeded max: %d", dead[0].RetryCount)
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Dead != 1 || stats.Pending != 0 || stats.Failed != 0 {
		testContext.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDequeueIsFIFOAndRespectsBackoff(testContext *testing.T) {
	queue, clock := openTestQueue(testContext, NewPolicies(nil))
	ctx := context.Background()

	var ids []uint64
	for _, entityID := range []string{"a", "b", "c"} {
		id, err := queue.Enqueue(ctx, "visitor", ActionUpdate, map[string]any{"id": entityID})
		if err != nil {
			testContext.Fatalf("enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		testContext.Fatalf("expected monotonic ids, got %v", ids)
	}

	if err := queue.MarkFailed(ctx, []uint64{ids[0]}, errors.New("rejected")); err != nil {
		testContext.Fatalf("mark failed: %v", err)
	}

	operations, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(operations) != 2 || operations[0].ID != ids[1] || operations[1].ID != ids[2] {
		testContext.Fatalf("expected the backed-off operation to be skipped, got %+v", operations)
	}

	clock.Advance(DefaultPolicy().Backoff(1))
	operations, _ = queue.Dequeue(ctx, 2)
	if len(operations) != 2 || operations[0].ID != ids[0] || operations[1].ID != ids[1] {
		testContext.Fatalf("expected FIFO order once eligible, got %+v", operations)
	}
	if operations[0].Status != StatusFailed || operations[0].LastError != "rejected" {
		testContext.Fatalf("expected failure bookkeeping, got %+v", operations[0])
	}
}

func TestMarkCompleteIsTerminal(testContext *testing.T) {
	queue, _ := openTestQueue(testContext, NewPolicies(nil))
	ctx := context.Background()

	id, _ := queue.Enqueue(ctx, "alert", ActionCreate, map[string]any{"id": "a-1"})
	if err := queue.MarkComplete(ctx, []uint64{id}); err != nil {
		testContext.Fatalf("mark complete failed: %v", err)
	}
	if err := queue.MarkFailed(ctx, []uint64{id}, errors.New("late failure")); err != nil {
		testContext.Fatalf("mark failed: %v", err)
	}
	operations, _ := queue.Dequeue(ctx, 10)
	if len(operations) != 0 {
		testContext.Fatalf("expected no eligible operations, got %+v", operations)
	}
	stats, _ := queue.Stats(ctx)
	if stats.Complete != 1 || stats.Failed != 0 {
		testContext.Fatalf("expected completion to stick, got %+v", stats)
	}
}

func TestRequeueRevivesDeadOperation(testContext *testing.T) {
	queue, _ := openTestQueue(testContext, NewPolicies(map[string]Override{"alert": {MaxRetries: 1}}))
	ctx := context.Background()

	id, _ := queue.Enqueue(ctx, "alert", ActionCreate, map[string]any{"id": "a-1"})
	if err := queue.Requeue(ctx, id); !errors.Is(err, ErrNotDead) {
		testContext.Fatalf("expected ErrNotDead, got %v", err)
	}
	if err := queue.MarkFailed(ctx, []uint64{id}, errors.New("rejected")); err != nil {
		testContext.Fatalf("mark failed: %v", err)
	}
	if stats, _ := queue.Stats(ctx); stats.Dead != 1 {
		testContext.Fatalf("expected override max retries of 1 to dead-letter, got %+v", stats)
	}

	if err := queue.Requeue(ctx, id); err != nil {
		testContext.Fatalf("requeue failed: %v", err)
	}
	operations, _ := queue.Dequeue(ctx, 10)
	if len(operations) != 1 || operations[0].ID != id || operations[0].RetryCount != 0 {
		testContext.Fatalf("expected revived operation, got %+v", operations)
	}
	if err := queue.Requeue(ctx, 9999); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkDeadSkipsRetriesButKeepsCompletions(testContext *testing.T) {
	queue, _ := openTestQueue(testContext, NewPolicies(nil))
	ctx := context.Background()

	malformed, _ := queue.Enqueue(ctx, "alert", ActionCreate, map[string]any{"id": "a-1"})
	delivered, _ := queue.Enqueue(ctx, "alert", ActionCreate, map[string]any{"id": "a-2"})
	if err := queue.MarkComplete(ctx, []uint64{delivered}); err != nil {
		testContext.Fatalf("mark complete failed: %v", err)
	}
	if err := queue.MarkDead(ctx, []uint64{malformed, delivered}, errors.New("invalid_record")); err != nil {
		testContext.Fatalf("mark dead failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Dead != 1 || stats.Complete != 1 || stats.Pending != 0 {
		testContext.Fatalf("expected one dead and one complete operation, got %+v", stats)
	}
	dead, _ := queue.DeadLetters(ctx, 10)
	if len(dead) != 1 || dead[0].ID != malformed || dead[0].RetryCount != 0 || dead[0].LastError != "invalid_record" {
		testContext.Fatalf("unexpected dead letters: %+v", dead)
	}
	if operations, _ := queue.Dequeue(ctx, 10); len(operations) != 0 {
		testContext.Fatalf("expected nothing eligible, got %+v", operations)
	}
}

func TestPurgeRemovesOnlyOldCompletedOperations(testContext *testing.T) {
	queue, clock := openTestQueue(testContext, NewPolicies(nil))
	ctx := context.Background()

	completed, _ := queue.Enqueue(ctx, "door", ActionUpdate, map[string]any{"id": "d-1"})
	pending, _ := queue.Enqueue(ctx, "door", ActionUpdate, map[string]any{"id": "d-2"})
	if err := queue.MarkComplete(ctx, []uint64{completed}); err != nil {
		testContext.Fatalf("mark complete failed: %v", err)
	}

	clock.Advance(48 * time.Hour)
	removed, err := queue.Purge(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		testContext.Fatalf("purge failed: %v", err)
	}
	if removed != 1 {
		testContext.Fatalf("expected 1 purged operation, got %d", removed)
	}
	operations, _ := queue.Dequeue(ctx, 10)
	if len(operations) != 1 || operations[0].ID != pending {
		testContext.Fatalf("expected pending operation to survive, got %+v", operations)
	}
}
