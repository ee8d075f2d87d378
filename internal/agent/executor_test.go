package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
)

type capturingApplier struct {
	entityType string
	action     queue.Action
	record     records.Record
}

func (a *capturingApplier) ApplyLocal(ctx context.Context, entityType string, action queue.Action, record records.Record) error {
	a.entityType, a.action, a.record = entityType, action, record
	return nil
}

func TestRecordDoorExecutorWritesDoorState(t *testing.T) {
	testCases := []struct {
		command   string
		wantState string
		wantErr   bool
	}{
		{command: "lock", wantState: "LOCKED"},
		{command: "UNLOCK", wantState: "UNLOCKED"},
		{command: "open", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.command, func(t *testing.T) {
			applier := &capturingApplier{}
			executor := RecordDoorExecutor{
				Applier: applier,
				Clock:   func() time.Time { return time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC) },
			}
			err := executor.Execute(context.Background(), cloudapi.Command{ID: "cmd-1", DoorID: "door-1", SiteID: "site-1", Command: testCase.command})
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", testCase.command)
				}
				return
			}
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if applier.entityType != "door" || applier.action != queue.ActionUpdate {
				t.Fatalf("unexpected write: %s %s", applier.entityType, applier.action)
			}
			if applier.record.ID() != "door-1" || applier.record.String("status") != testCase.wantState || applier.record.String("lastCommandId") != "cmd-1" {
				t.Fatalf("unexpected record: %v", applier.record)
			}
			if err := applier.record.Validate(); err != nil {
				t.Fatalf("door record should be storable: %v", err)
			}
		})
	}
}

func TestRecordDoorExecutorRequiresDoor(t *testing.T) {
	executor := RecordDoorExecutor{Applier: &capturingApplier{}}
	if err := executor.Execute(context.Background(), cloudapi.Command{ID: "cmd-1", Command: "lock"}); err == nil {
		t.Fatalf("expected error for missing door id")
	}
}

func TestActiveLockdownReadsLocalStore(t *testing.T) {
	store, err := records.NewStore(records.StoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	active := ActiveLockdown(store)
	if active(ctx) {
		t.Fatalf("empty store should have no lockdown")
	}

	if err := store.Put(ctx, "lockdown", records.Record{"id": "l-1", "updatedAt": "2026-10-01T08:00:00Z", "status": "RELEASED"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if active(ctx) {
		t.Fatalf("released lockdown is not active")
	}
	if err := store.MarkDeleted(ctx, "lockdown", records.Record{"id": "l-2", "updatedAt": "2026-10-01T08:30:00Z", "status": "ACTIVE"}); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if active(ctx) {
		t.Fatalf("deleted lockdown is not active")
	}
	if err := store.Put(ctx, "lockdown", records.Record{"id": "l-3", "updatedAt": "2026-10-01T09:00:00Z", "status": "active"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !active(ctx) {
		t.Fatalf("expected active lockdown")
	}
}

func TestHTTPPartnerProbe(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer server.Close()

	probe := NewHTTPPartnerProbe(server.URL+"/", time.Second)
	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("expected healthy partner: %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := probe.Check(context.Background()); err == nil {
		t.Fatalf("expected 503 to count as down")
	}
	server.Close()
	if err := probe.Check(context.Background()); err == nil {
		t.Fatalf("expected closed server to count as down")
	}
}
