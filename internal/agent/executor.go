package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
)

// DoorExecutor carries out a door command on local hardware.
type DoorExecutor interface {
	Execute(ctx context.Context, command cloudapi.Command) error
}

// LocalApplier stores a locally produced record and tracks it for sync.
type LocalApplier interface {
	ApplyLocal(ctx context.Context, entityType string, action queue.Action, record records.Record) error
}

// RecordDoorExecutor executes commands by writing the resulting door state to
// the local store. The door record then syncs to the cloud like any other
// local change; door records are edge-authoritative.
type RecordDoorExecutor struct {
	Applier LocalApplier
	Clock   func() time.Time
}

// Execute implements DoorExecutor.
func (e RecordDoorExecutor) Execute(ctx context.Context, command cloudapi.Command) error {
	kind, err := commands.ParseKind(command.Command)
	if err != nil {
		return err
	}
	doorID := strings.TrimSpace(command.DoorID)
	if doorID == "" {
		return fmt.Errorf("door command %s has no door id", command.ID)
	}
	clock := e.Clock
	if clock == nil {
		clock = time.Now
	}
	state := "LOCKED"
	if kind == commands.KindUnlock {
		state = "UNLOCKED"
	}
	record := records.Record{
		"id":            doorID,
		"siteId":        command.SiteID,
		"status":        state,
		"lastCommandId": command.ID,
		"updatedAt":     records.FormatTime(clock().UTC()),
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Applier.ApplyLocal(ctx, "door", queue.ActionUpdate, record)
}
