package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/cloudsync"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/ids"
	"github.com/safeschool/edge/internal/records"
	"gorm.io/gorm"
)

const testSite = "site-1"

type apiFixture struct {
	handler    http.Handler
	cluster    *gateways.Manager
	dispatcher *commands.Dispatcher
	store      *records.Store
	issuer     *auth.TokenIssuer
	alerts     *AlertHub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cloud.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(
		&gateways.Gateway{},
		&gateways.SiteDevice{},
		&gateways.FailoverEvent{},
		&commands.DoorCommand{},
		&records.StoredRecord{},
		&records.Cursor{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	alerts := NewAlertHub(32)
	cluster, err := gateways.NewManager(gateways.ManagerConfig{
		Database:   database,
		IDProvider: &ids.Sequence{Prefix: "evt"},
		Notifier:   alerts,
	})
	if err != nil {
		t.Fatalf("failed to build cluster manager: %v", err)
	}
	dispatcher, err := commands.NewDispatcher(commands.DispatcherConfig{
		Database:   database,
		Ownership:  cluster,
		IDProvider: &ids.Sequence{Prefix: "cmd"},
		Alerter:    alerts,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	store, err := records.NewStore(records.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to build record store: %v", err)
	}
	syncService, err := cloudsync.NewService(cloudsync.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "safeschool-cloud",
		Audience:      "safeschool-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Cluster:         cluster,
		Dispatcher:      dispatcher,
		Sync:            syncService,
		Operators:       issuer,
		Alerts:          alerts,
		StreamHeartbeat: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &apiFixture{
		handler:    handler,
		cluster:    cluster,
		dispatcher: dispatcher,
		store:      store,
		issuer:     issuer,
		alerts:     alerts,
	}
}

// activate provisions and activates a gateway and returns its auth token.
func (f *apiFixture) activate(t *testing.T, gatewayID string) string {
	t.Helper()
	return f.activateAt(t, gatewayID, testSite)
}

func (f *apiFixture) activateAt(t *testing.T, gatewayID, siteID string) string {
	t.Helper()
	ctx := context.Background()
	_, provisioningToken, err := f.cluster.Provision(ctx, gateways.ProvisionRequest{ID: gatewayID, SiteID: siteID, Name: gatewayID})
	if err != nil {
		t.Fatalf("provision %s: %v", gatewayID, err)
	}
	_, authToken, err := f.cluster.Activate(ctx, cloudapi.ActivateRequest{
		ProvisioningToken: provisioningToken,
		Hostname:          gatewayID + ".local",
		IPAddress:         "10.0.0.10",
	})
	if err != nil {
		t.Fatalf("activate %s: %v", gatewayID, err)
	}
	return authToken
}

func (f *apiFixture) operatorToken(t *testing.T, roles ...string) string {
	t.Helper()
	token, _, err := f.issuer.IssueOperatorToken(context.Background(), "ops-1", roles)
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	return token
}

func (f *apiFixture) send(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		payload = encoded
	}
	return f.sendRaw(t, method, path, payload, headers)
}

func (f *apiFixture) sendRaw(t *testing.T, method, path string, payload []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func gatewayHeaders(gatewayID, token string) map[string]string {
	return map[string]string{
		"Authorization":          "Bearer " + token,
		cloudapi.HeaderGatewayID: gatewayID,
	}
}

func operatorHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var failure cloudapi.ErrorResponse
	decodeBody(t, recorder, &failure)
	return failure.Error
}
