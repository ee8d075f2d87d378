package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/gateways"
)

func TestAlertStreamEmitsClusterAlerts(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := fixture.operatorToken(t, auth.RoleOperator)
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/admin/alerts/stream?siteId="+testSite+"&access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	waitForEvent(t, streamReader, "ready")

	fixture.alerts.ClusterAlert(gateways.Alert{
		Kind:      gateways.AlertFailoverStarted,
		SiteID:    testSite,
		GatewayID: "gw-a",
		EventID:   "evt-1",
		Message:   "gateway gw-a failed over to gw-b",
	})

	data := waitForEvent(t, streamReader, AlertEventCluster)
	if !strings.Contains(data, `"eventId":"evt-1"`) {
		t.Fatalf("expected event payload to carry the event id, got %s", data)
	}
}

// waitForEvent reads the stream until an event with the given name arrives
// and returns its data line.
func waitForEvent(t *testing.T, reader *bufio.Reader, name string) string {
	t.Helper()
	matched := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream while waiting for %s: %v", name, err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			matched = strings.TrimSpace(strings.TrimPrefix(line, "event:")) == name
		case matched && strings.HasPrefix(line, "data:"):
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}
