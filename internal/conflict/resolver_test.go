package conflict

import (
	"testing"

	"github.com/safeschool/edge/internal/records"
)

const (
	earlier = "2026-03-01T10:00:00Z"
	later   = "2026-03-01T11:00:00Z"
)

func TestStrategyForUnknownTypeDefaultsToLastWriteWins(testContext *testing.T) {
	for _, entityType := range []string{"", "widget", "camera-feed"} {
		if StrategyFor(entityType) != StrategyLastWriteWins {
			testContext.Fatalf("expected last-write-wins for %q, got %s", entityType, StrategyFor(entityType))
		}
	}
}

func TestResolveUnknownTypeUsesLastWriteWins(testContext *testing.T) {
	local := records.Record{"id": "w-1", "updatedAt": later, "value": "local"}
	remote := records.Record{"id": "w-1", "updatedAt": earlier, "value": "remote"}

	resolved := Resolve("widget", local, remote)
	if resolved["value"] != "local" {
		testContext.Fatalf("expected newer local to win, got %v", resolved["value"])
	}

	resolved = Resolve("widget", remote, local)
	if resolved["value"] != "local" {
		testContext.Fatalf("expected newer remote to win, got %v", resolved["value"])
	}
}

func TestResolveLastWriteWinsTieGoesToRemote(testContext *testing.T) {
	local := records.Record{"id": "i-1", "updatedAt": later, "value": "local"}
	remote := records.Record{"id": "i-1", "updatedAt": later, "value": "remote"}

	outcome := ResolveWithOutcome("incident", local, remote)
	if outcome.Winner != SideRemote || outcome.Record["value"] != "remote" {
		testContext.Fatalf("expected tie to resolve to remote, got %+v", outcome)
	}
}

func TestResolveDoorIsEdgeWins(testContext *testing.T) {
	testCases := []struct {
		name        string
		localStamp  string
		remoteStamp string
	}{
		{name: "local-older", localStamp: earlier, remoteStamp: later},
		{name: "local-newer", localStamp: later, remoteStamp: earlier},
		{name: "equal", localStamp: later, remoteStamp: later},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			local := records.Record{"id": "d-1", "updatedAt": testCase.localStamp, "lockState": "locked"}
			remote := records.Record{"id": "d-1", "updatedAt": testCase.remoteStamp, "lockState": "unlocked"}
			resolved := Resolve("door", local, remote)
			if resolved["lockState"] != "locked" {
				testContext.Fatalf("expected local door state, got %v", resolved["lockState"])
			}
		})
	}
}

func TestResolveUserIsCloudWins(testContext *testing.T) {
	for _, stamps := range [][2]string{{earlier, later}, {later, earlier}} {
		local := records.Record{"id": "u-1", "updatedAt": stamps[0], "role": "staff"}
		remote := records.Record{"id": "u-1", "updatedAt": stamps[1], "role": "admin"}
		resolved := Resolve("user", local, remote)
		if resolved["role"] != "admin" {
			testContext.Fatalf("expected remote user, got %v", resolved["role"])
		}
	}
}

func TestResolveMergePicksMoreProgressedStatus(testContext *testing.T) {
	local := records.Record{"id": "a-1", "updatedAt": later, "status": "ACKNOWLEDGED"}
	remote := records.Record{"id": "a-1", "updatedAt": earlier, "status": "DISPATCHED"}

	resolved := Resolve("alert", local, remote)
	if resolved["status"] != "DISPATCHED" {
		testContext.Fatalf("expected DISPATCHED, got %v", resolved["status"])
	}
	if resolved["updatedAt"] != later {
		testContext.Fatalf("expected max updatedAt, got %v", resolved["updatedAt"])
	}
}

func TestResolveMergeKnownStatusOutranksUnknown(testContext *testing.T) {
	local := records.Record{"id": "a-1", "updatedAt": later, "status": "ESCALATED_BY_VENDOR"}
	remote := records.Record{"id": "a-1", "updatedAt": earlier, "status": "TRIGGERED"}
	if resolved := Resolve("alert", local, remote); resolved["status"] != "TRIGGERED" {
		testContext.Fatalf("expected known status to win, got %v", resolved["status"])
	}

	remote["status"] = "SOMETHING_ELSE"
	if resolved := Resolve("alert", local, remote); resolved["status"] != "ESCALATED_BY_VENDOR" {
		testContext.Fatalf("expected two unknown statuses to keep local, got %v", resolved["status"])
	}
}

func TestResolveMergeTimestamps(testContext *testing.T) {
	local := records.Record{
		"id":          "a-1",
		"updatedAt":   earlier,
		"status":      "TRIGGERED",
		"triggeredAt": "2026-03-01T09:00:05Z",
	}
	remote := records.Record{
		"id":          "a-1",
		"updatedAt":   later,
		"status":      "RESOLVED",
		"triggeredAt": "2026-03-01T09:00:00Z",
		"resolvedAt":  "2026-03-01T10:30:00Z",
	}

	resolved := Resolve("alert", local, remote)
	if resolved["triggeredAt"] != "2026-03-01T09:00:00Z" {
		testContext.Fatalf("expected earliest triggeredAt, got %v", resolved["triggeredAt"])
	}
	if resolved["resolvedAt"] != "2026-03-01T10:30:00Z" {
		testContext.Fatalf("expected present resolvedAt to survive, got %v", resolved["resolvedAt"])
	}

	local["resolvedAt"] = "2026-03-01T10:45:00Z"
	resolved = Resolve("alert", local, remote)
	if resolved["resolvedAt"] != "2026-03-01T10:45:00Z" {
		testContext.Fatalf("expected latest resolvedAt, got %v", resolved["resolvedAt"])
	}
}

func TestResolveMergeAcknowledgementFields(testContext *testing.T) {
	local := records.Record{
		"id":             "a-1",
		"updatedAt":      later,
		"status":         "ACKNOWLEDGED",
		"acknowledgedBy": "edge-operator",
		"acknowledgedAt": "2026-03-01T10:10:00Z",
	}
	remote := records.Record{"id": "a-1", "updatedAt": earlier, "status": "TRIGGERED"}

	resolved := Resolve("alert", local, remote)
	if resolved["acknowledgedBy"] != "edge-operator" {
		testContext.Fatalf("expected ack taken from the only side that has it, got %v", resolved["acknowledgedBy"])
	}

	remote["status"] = "DISPATCHED"
	remote["acknowledgedBy"] = "cloud-operator"
	remote["acknowledgedAt"] = "2026-03-01T10:05:00Z"
	resolved = Resolve("alert", local, remote)
	if resolved["acknowledgedBy"] != "cloud-operator" || resolved["acknowledgedAt"] != "2026-03-01T10:05:00Z" {
		testContext.Fatalf("expected ack from more progressed side, got %v / %v", resolved["acknowledgedBy"], resolved["acknowledgedAt"])
	}
}

func TestResolveMergeMetadataRemotePrecedence(testContext *testing.T) {
	local := records.Record{
		"id":        "a-1",
		"updatedAt": later,
		"status":    "TRIGGERED",
		"metadata":  map[string]any{"camera": "c-4", "operator": "edge"},
	}
	remote := records.Record{
		"id":        "a-1",
		"updatedAt": earlier,
		"status":    "TRIGGERED",
		"metadata":  map[string]any{"operator": "cloud", "ticket": "T-9"},
	}

	resolved := Resolve("alert", local, remote)
	metadata, ok := resolved["metadata"].(map[string]any)
	if !ok {
		testContext.Fatalf("expected metadata map, got %T", resolved["metadata"])
	}
	if metadata["operator"] != "cloud" {
		testContext.Fatalf("expected remote metadata to win overlapping keys, got %v", metadata["operator"])
	}
	if metadata["camera"] != "c-4" || metadata["ticket"] != "T-9" {
		testContext.Fatalf("expected shallow merge of both sides, got %v", metadata)
	}
}

func TestResolveMergeMetadataAcceptsRecordValues(testContext *testing.T) {
	testCases := []struct {
		name   string
		local  any
		remote any
	}{
		{name: "both records", local: records.Record{"camera": "c-4", "operator": "edge"}, remote: records.Record{"operator": "cloud", "ticket": "T-9"}},
		{name: "local record", local: records.Record{"camera": "c-4", "operator": "edge"}, remote: map[string]any{"operator": "cloud", "ticket": "T-9"}},
		{name: "remote record", local: map[string]any{"camera": "c-4", "operator": "edge"}, remote: records.Record{"operator": "cloud", "ticket": "T-9"}},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			local := records.Record{"id": "a-1", "updatedAt": later, "status": "TRIGGERED", "metadata": testCase.local}
			remote := records.Record{"id": "a-1", "updatedAt": earlier, "status": "TRIGGERED", "metadata": testCase.remote}

			metadata, ok := Resolve("alert", local, remote)["metadata"].(map[string]any)
			if !ok {
				t.Fatalf("expected merged metadata map")
			}
			if metadata["operator"] != "cloud" || metadata["camera"] != "c-4" || metadata["ticket"] != "T-9" {
				t.Fatalf("expected both sides merged with remote precedence, got %v", metadata)
			}
		})
	}
}

func TestResolveNeverMutatesInputs(testContext *testing.T) {
	local := records.Record{
		"id":        "a-1",
		"updatedAt": earlier,
		"status":    "TRIGGERED",
		"metadata":  map[string]any{"k": "local"},
	}
	remote := records.Record{
		"id":        "a-1",
		"updatedAt": later,
		"status":    "RESOLVED",
		"metadata":  map[string]any{"k": "remote"},
	}

	for _, entityType := range []string{"alert", "door", "user", "incident"} {
		resolved := Resolve(entityType, local, remote)
		resolved["status"] = "MUTATED"
		if metadata, ok := resolved["metadata"].(map[string]any); ok {
			metadata["k"] = "mutated"
		}
	}

	if local["status"] != "TRIGGERED" || remote["status"] != "RESOLVED" {
		testContext.Fatalf("inputs were mutated: %v / %v", local["status"], remote["status"])
	}
	if local["metadata"].(map[string]any)["k"] != "local" || remote["metadata"].(map[string]any)["k"] != "remote" {
		testContext.Fatalf("nested metadata was mutated")
	}
}

func TestResolveMissingSide(testContext *testing.T) {
	remote := records.Record{"id": "a-1", "updatedAt": later}
	outcome := ResolveWithOutcome("alert", nil, remote)
	if outcome.Winner != SideRemote || outcome.Record.ID() != "a-1" {
		testContext.Fatalf("expected remote when no local copy exists, got %+v", outcome)
	}
}
