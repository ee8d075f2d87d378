package server

import (
	"context"
	"testing"
	"time"

	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
)

func TestAlertHubPublishesToSiteSubscriber(t *testing.T) {
	hub := NewAlertHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, "site-1")
	defer cleanup()

	hub.ClusterAlert(gateways.Alert{
		Kind:      gateways.AlertFailoverStarted,
		SiteID:    "site-1",
		GatewayID: "gw-a",
		At:        time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != AlertEventCluster {
			t.Fatalf("expected event type %s, got %s", AlertEventCluster, received.EventType)
		}
		if received.Cluster == nil || received.Cluster.Kind != gateways.AlertFailoverStarted {
			t.Fatalf("expected cluster alert payload, got %+v", received.Cluster)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected alert within deadline")
	}
}

func TestAlertHubIsolatesSitesAndFeedsWildcard(t *testing.T) {
	hub := NewAlertHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	siteStream, siteCleanup := hub.Subscribe(ctx, "site-2")
	defer siteCleanup()
	allStream, allCleanup := hub.Subscribe(ctx, "")
	defer allCleanup()

	hub.CommandExhausted(commands.DoorCommand{ID: "cmd-1", SiteID: "site-3", DoorID: "d1", Command: commands.KindLock, RetryCount: 3})

	select {
	case <-siteStream:
		t.Fatal("did not expect alert for unrelated site")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case message := <-allStream:
		if message.SiteID != "site-3" || message.Command == nil || message.Command.ID != "cmd-1" {
			t.Fatalf("unexpected wildcard message %+v", message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected alert for wildcard subscriber")
	}
}

func TestAlertHubRetainsRecentAlerts(t *testing.T) {
	hub := NewAlertHub(2)
	for _, gatewayID := range []string{"gw-a", "gw-b", "gw-c"} {
		hub.ClusterAlert(gateways.Alert{Kind: gateways.AlertGatewayDegraded, SiteID: "site-1", GatewayID: gatewayID})
	}
	recent := hub.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 retained alerts, got %d", len(recent))
	}
	if recent[0].Cluster.GatewayID != "gw-b" || recent[1].Cluster.GatewayID != "gw-c" {
		t.Fatalf("expected the newest alerts to be retained, got %+v", recent)
	}
	if recent[0].Timestamp.IsZero() {
		t.Fatalf("expected missing alert time to be stamped")
	}
}

func TestAlertHubCleanupStopsDelivery(t *testing.T) {
	hub := NewAlertHub(0)
	stream, cleanup := hub.Subscribe(context.Background(), "site-1")
	cleanup()
	cleanup()

	hub.ClusterAlert(gateways.Alert{Kind: gateways.AlertGatewayDegraded, SiteID: "site-1"})
	select {
	case <-stream:
		t.Fatal("did not expect delivery after cleanup")
	default:
	}
}
