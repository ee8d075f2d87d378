// Package conflict decides which version of an entity survives when the
// gateway's last-known copy and the cloud's copy have diverged.
package conflict

import (
	"strings"
	"time"

	"github.com/safeschool/edge/internal/records"
)

// Strategy names a resolution rule.
type Strategy string

const (
	StrategyCloudWins     Strategy = "cloud-wins"
	StrategyEdgeWins      Strategy = "edge-wins"
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyMerge         Strategy = "merge"
)

// Side identifies which input a resolution favoured.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)

const (
	fieldStatus         = "status"
	fieldAcknowledgedBy = "acknowledgedBy"
	fieldAcknowledgedAt = "acknowledgedAt"
	fieldTriggeredAt    = "triggeredAt"
	fieldResolvedAt     = "resolvedAt"
	fieldMetadata       = "metadata"
)

var strategies = map[string]Strategy{
	"alert":    StrategyMerge,
	"door":     StrategyEdgeWins,
	"lockdown": StrategyEdgeWins,
	"user":     StrategyCloudWins,
	"site":     StrategyCloudWins,
	"building": StrategyCloudWins,
	"room":     StrategyCloudWins,
	"incident": StrategyLastWriteWins,
	"visitor":  StrategyLastWriteWins,
}

// Alert statuses in progression order. Anything else ranks below TRIGGERED.
var alertStatusRank = map[string]int{
	"TRIGGERED":    0,
	"ACKNOWLEDGED": 1,
	"DISPATCHED":   2,
	"RESOLVED":     3,
}

const unknownRank = -1

// Outcome reports the resolved record and which side it came from.
type Outcome struct {
	Strategy Strategy
	Winner   Side
	Record   records.Record
}

// StrategyFor returns the strategy configured for an entity type.
func StrategyFor(entityType string) Strategy {
	if strategy, ok := strategies[strings.ToLower(strings.TrimSpace(entityType))]; ok {
		return strategy
	}
	return StrategyLastWriteWins
}

// Resolve returns the surviving version of an entity. Inputs are never mutated.
// local must be the caller's own last-known copy, never the remote record itself.
func Resolve(entityType string, local, remote records.Record) records.Record {
	return ResolveWithOutcome(entityType, local, remote).Record
}

// ResolveWithOutcome is Resolve plus the audit detail of which side won.
func ResolveWithOutcome(entityType string, local, remote records.Record) Outcome {
	strategy := StrategyFor(entityType)
	switch {
	case local == nil && remote == nil:
		return Outcome{Strategy: strategy, Winner: SideRemote}
	case local == nil:
		return Outcome{Strategy: strategy, Winner: SideRemote, Record: remote.Clone()}
	case remote == nil:
		return Outcome{Strategy: strategy, Winner: SideLocal, Record: local.Clone()}
	}

	switch strategy {
	case StrategyCloudWins:
		return Outcome{Strategy: strategy, Winner: SideRemote, Record: remote.Clone()}
	case StrategyEdgeWins:
		return Outcome{Strategy: strategy, Winner: SideLocal, Record: local.Clone()}
	case StrategyMerge:
		return Outcome{Strategy: strategy, Winner: SideMerged, Record: mergeAlert(local, remote)}
	default:
		if local.UpdatedAt().After(remote.UpdatedAt()) {
			return Outcome{Strategy: StrategyLastWriteWins, Winner: SideLocal, Record: local.Clone()}
		}
		return Outcome{Strategy: StrategyLastWriteWins, Winner: SideRemote, Record: remote.Clone()}
	}
}

// mergeAlert combines two alert versions field by field. Fields without a rule
// follow the remote copy, the same precedence metadata keys get.
func mergeAlert(local, remote records.Record) records.Record {
	merged := local.Clone()
	for key, value := range remote.Clone() {
		merged[key] = value
	}

	localRank := statusRank(local)
	remoteRank := statusRank(remote)

	// Two unknown statuses keep local; this is a simplification, not a richer rule.
	if remoteRank > localRank {
		copyField(merged, remote, fieldStatus)
	} else {
		copyField(merged, local, fieldStatus)
	}

	ackSource, ackFallback := local, remote
	if remoteRank >= localRank {
		ackSource, ackFallback = remote, local
	}
	for _, field := range []string{fieldAcknowledgedBy, fieldAcknowledgedAt} {
		switch {
		case ackSource.Has(field):
			copyField(merged, ackSource, field)
		case ackFallback.Has(field):
			copyField(merged, ackFallback, field)
		default:
			delete(merged, field)
		}
	}

	pickTime(merged, local, remote, fieldTriggeredAt, func(a, b time.Time) bool { return a.Before(b) })
	pickTime(merged, local, remote, fieldResolvedAt, func(a, b time.Time) bool { return a.After(b) })
	pickTime(merged, local, remote, records.FieldUpdatedAt, func(a, b time.Time) bool { return a.After(b) })

	localMeta, localHasMeta := metadataOf(local)
	remoteMeta, remoteHasMeta := metadataOf(remote)
	if localHasMeta || remoteHasMeta {
		combined := make(map[string]any, len(localMeta)+len(remoteMeta))
		for key, value := range records.Record(localMeta).Clone() {
			combined[key] = value
		}
		for key, value := range records.Record(remoteMeta).Clone() {
			combined[key] = value
		}
		merged[fieldMetadata] = combined
	}

	return merged
}

func statusRank(record records.Record) int {
	rank, ok := alertStatusRank[strings.ToUpper(record.String(fieldStatus))]
	if !ok {
		return unknownRank
	}
	return rank
}

// pickTime keeps the raw value of whichever side prefer selects; a present
// timestamp always beats an absent one.
func pickTime(target, local, remote records.Record, field string, prefer func(a, b time.Time) bool) {
	localTime, localOK := local.Time(field)
	remoteTime, remoteOK := remote.Time(field)
	switch {
	case localOK && remoteOK:
		if prefer(localTime, remoteTime) {
			copyField(target, local, field)
		} else {
			copyField(target, remote, field)
		}
	case localOK:
		copyField(target, local, field)
	case remoteOK:
		copyField(target, remote, field)
	}
}

func copyField(target, source records.Record, field string) {
	value, ok := source[field]
	if !ok {
		delete(target, field)
		return
	}
	target[field] = records.Record{"v": value}.Clone()["v"]
}

// metadataOf reads the metadata object whether it was decoded from JSON or
// built in memory as a Record.
func metadataOf(record records.Record) (map[string]any, bool) {
	switch metadata := record[fieldMetadata].(type) {
	case map[string]any:
		return metadata, true
	case records.Record:
		return metadata, true
	default:
		return nil, false
	}
}
