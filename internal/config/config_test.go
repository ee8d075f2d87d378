package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadValidatesPerRole(testContext *testing.T) {
	testCases := []struct {
		name     string
		role     Role
		settings map[string]any
		wantErr  string
	}{
		{
			name:    "cloud requires signing secret",
			role:    RoleCloud,
			wantErr: "auth.signing_secret",
		},
		{
			name:     "cloud with secret",
			role:     RoleCloud,
			settings: map[string]any{"auth.signing_secret": "secret"},
		},
		{
			name:     "gateway requires cloud url",
			role:     RoleGateway,
			settings: map[string]any{"gateway.id": "gw-1", "gateway.token": "token"},
			wantErr:  "cloud.url",
		},
		{
			name:     "gateway requires token",
			role:     RoleGateway,
			settings: map[string]any{"cloud.url": "http://cloud", "gateway.id": "gw-1"},
			wantErr:  "gateway.token",
		},
		{
			name: "partner url needs partner id",
			role: RoleGateway,
			settings: map[string]any{
				"cloud.url":           "http://cloud",
				"gateway.id":          "gw-1",
				"gateway.token":       "token",
				"gateway.partner_url": "http://gw-2.local:8081",
			},
			wantErr: "gateway.partner_id",
		},
		{
			name:     "bad log format",
			role:     RoleCloud,
			settings: map[string]any{"auth.signing_secret": "secret", "log.format": "xml"},
			wantErr:  "log.format",
		},
		{
			name:    "unknown role",
			role:    Role("relay"),
			wantErr: "unknown role",
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper, testCase.role)
			if testCase.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper, RoleCloud)
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SyncBatchSize != 50 || cfg.CommandTimeout != 30*time.Second || cfg.ClusterStaleThreshold != 90*time.Second {
		testContext.Fatalf("unexpected tuning defaults: %+v", cfg)
	}
	if len(cfg.SyncEntityTypes) != len(defaultEntityTypes) {
		testContext.Fatalf("expected default entity types, got %v", cfg.SyncEntityTypes)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("SAFESCHOOL_CLOUD_URL", "https://cloud.example.test")
	testContext.Setenv("SAFESCHOOL_GATEWAY_ID", "gw-7")
	testContext.Setenv("SAFESCHOOL_GATEWAY_TOKEN", "token-7")
	testContext.Setenv("SAFESCHOOL_SYNC_INTERVAL", "5s")
	testContext.Setenv("SAFESCHOOL_SYNC_ENTITY_TYPES", "Door,ALERT")

	cfg, err := Load(NewViper(), RoleGateway)
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if cfg.CloudURL != "https://cloud.example.test" || cfg.GatewayID != "gw-7" || cfg.GatewayToken != "token-7" {
		testContext.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.SyncInterval != 5*time.Second {
		testContext.Fatalf("expected 5s interval, got %s", cfg.SyncInterval)
	}
	if strings.Join(cfg.SyncEntityTypes, ",") != "door,alert" {
		testContext.Fatalf("unexpected entity types: %v", cfg.SyncEntityTypes)
	}
}

func TestLoadParsesQueueOverrides(testContext *testing.T) {
	configViper := NewViper()
	configViper.SetConfigType("yaml")
	document := `
auth:
  signing_secret: secret
queue:
  overrides:
    alert:
      base: 5s
      cap: 1m
      max_retries: 8
    visitor:
      max_retries: 2
`
	if err := configViper.ReadConfig(strings.NewReader(document)); err != nil {
		testContext.Fatalf("read config: %v", err)
	}

	cfg, err := Load(configViper, RoleCloud)
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	policies := cfg.QueuePolicies()

	alert := policies.For("alert")
	if alert.Base != 5*time.Second || alert.Cap != time.Minute || alert.MaxRetries != 8 {
		testContext.Fatalf("unexpected alert policy: %+v", alert)
	}
	visitor := policies.For("visitor")
	if visitor.MaxRetries != 2 || visitor.Base != 30*time.Second {
		testContext.Fatalf("unexpected visitor policy: %+v", visitor)
	}
	door := policies.For("door")
	if door.MaxRetries != 5 || door.Cap != 16*time.Minute {
		testContext.Fatalf("unexpected default policy: %+v", door)
	}
}

func TestLoadRejectsNegativeOverride(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("queue.overrides", map[string]any{"door": map[string]any{"max_retries": -1}})

	if _, err := Load(configViper, RoleCloud); err == nil || !strings.Contains(err.Error(), "queue.overrides.door") {
		testContext.Fatalf("expected negative override to be rejected, got %v", err)
	}
}
