package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/queue"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SAFESCHOOL"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "safeschool-edge.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "safeschool-cloud"
	defaultAuthAudience        = "safeschool-admin"
	defaultAuthTokenTTL        = 12 * time.Hour
	defaultCloudTimeout        = 10 * time.Second
	defaultSyncInterval        = 30 * time.Second
	defaultSyncBatchSize       = 50
	defaultHealthCloudTimeout  = 5 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultCommandPollInterval = 2 * time.Second
	defaultCommandTimeout      = 30 * time.Second
	defaultClusterCheck        = 30 * time.Second
	defaultClusterStale        = 90 * time.Second
	defaultPartnerFailoverWait = 60 * time.Second
	defaultQueueRetention      = 7 * 24 * time.Hour
	defaultAlertHeartbeat      = 25 * time.Second
)

var defaultEntityTypes = []string{"alert", "door", "lockdown", "incident", "visitor", "user", "site", "building", "room"}

// Role selects which half of the system a process runs.
type Role string

const (
	RoleCloud   Role = "cloud"
	RoleGateway Role = "gateway"
)

// AppConfig captures runtime configuration for both run modes.
type AppConfig struct {
	Role           Role
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration

	CloudURL     string
	CloudTimeout time.Duration

	GatewayID         string
	GatewayToken      string
	GatewaySiteID     string
	GatewayPartnerID  string
	GatewayPartnerURL string

	SyncInterval    time.Duration
	SyncBatchSize   int
	SyncEntityTypes []string
	SyncCompress    bool

	HealthCloudTimeout  time.Duration
	HeartbeatInterval   time.Duration
	CommandPollInterval time.Duration
	CommandTimeout      time.Duration
	AlertHeartbeat      time.Duration

	ClusterCheckInterval  time.Duration
	ClusterStaleThreshold time.Duration
	ClusterFailoverAfter  time.Duration
	QueueRetention        time.Duration
	QueueOverrides        map[string]queue.Override
}

type overrideSettings struct {
	Base       time.Duration `mapstructure:"base"`
	Cap        time.Duration `mapstructure:"cap"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("cloud.timeout", defaultCloudTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.entity_types", defaultEntityTypes)
	configViper.SetDefault("sync.compress", true)
	configViper.SetDefault("health.cloud_timeout", defaultHealthCloudTimeout)
	configViper.SetDefault("heartbeat.interval", defaultHeartbeatInterval)
	configViper.SetDefault("commands.poll_interval", defaultCommandPollInterval)
	configViper.SetDefault("commands.timeout", defaultCommandTimeout)
	configViper.SetDefault("alerts.heartbeat", defaultAlertHeartbeat)
	configViper.SetDefault("cluster.check_interval", defaultClusterCheck)
	configViper.SetDefault("cluster.stale_threshold", defaultClusterStale)
	configViper.SetDefault("cluster.failover_after", defaultPartnerFailoverWait)
	configViper.SetDefault("queue.retention", defaultQueueRetention)
}

// Load parses runtime configuration for role from viper.
func Load(configViper *viper.Viper, role Role) (AppConfig, error) {
	cfg := AppConfig{
		Role:                  role,
		HTTPAddress:           configViper.GetString("http.address"),
		AllowedOrigins:        configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		AuthAudience:          configViper.GetString("auth.audience"),
		AuthTokenTTL:          configViper.GetDuration("auth.token_ttl"),
		CloudURL:              configViper.GetString("cloud.url"),
		CloudTimeout:          configViper.GetDuration("cloud.timeout"),
		GatewayID:             configViper.GetString("gateway.id"),
		GatewayToken:          configViper.GetString("gateway.token"),
		GatewaySiteID:         configViper.GetString("gateway.site_id"),
		GatewayPartnerID:      configViper.GetString("gateway.partner_id"),
		GatewayPartnerURL:     configViper.GetString("gateway.partner_url"),
		SyncInterval:          configViper.GetDuration("sync.interval"),
		SyncBatchSize:         configViper.GetInt("sync.batch_size"),
		SyncEntityTypes:       normalizeList(configViper.GetStringSlice("sync.entity_types")),
		SyncCompress:          configViper.GetBool("sync.compress"),
		HealthCloudTimeout:    configViper.GetDuration("health.cloud_timeout"),
		HeartbeatInterval:     configViper.GetDuration("heartbeat.interval"),
		CommandPollInterval:   configViper.GetDuration("commands.poll_interval"),
		CommandTimeout:        configViper.GetDuration("commands.timeout"),
		AlertHeartbeat:        configViper.GetDuration("alerts.heartbeat"),
		ClusterCheckInterval:  configViper.GetDuration("cluster.check_interval"),
		ClusterStaleThreshold: configViper.GetDuration("cluster.stale_threshold"),
		ClusterFailoverAfter:  configViper.GetDuration("cluster.failover_after"),
		QueueRetention:        configViper.GetDuration("queue.retention"),
	}

	overrides, err := loadQueueOverrides(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.QueueOverrides = overrides

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// QueuePolicies returns the retry policies described by queue.overrides.
func (c AppConfig) QueuePolicies() queue.Policies {
	return queue.NewPolicies(c.QueueOverrides)
}

func loadQueueOverrides(configViper *viper.Viper) (map[string]queue.Override, error) {
	raw := map[string]overrideSettings{}
	if err := configViper.UnmarshalKey("queue.overrides", &raw); err != nil {
		return nil, fmt.Errorf("queue.overrides is invalid: %w", err)
	}
	overrides := make(map[string]queue.Override, len(raw))
	for entityType, settings := range raw {
		if settings.Base < 0 || settings.Cap < 0 || settings.MaxRetries < 0 {
			return nil, fmt.Errorf("queue.overrides.%s must not be negative", entityType)
		}
		overrides[entityType] = queue.Override{
			Base:       settings.Base,
			Cap:        settings.Cap,
			MaxRetries: settings.MaxRetries,
		}
	}
	return overrides, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	switch c.Role {
	case RoleCloud:
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required")
		}
		if c.ClusterStaleThreshold <= 0 {
			return fmt.Errorf("cluster.stale_threshold must be positive")
		}
	case RoleGateway:
		if strings.TrimSpace(c.CloudURL) == "" {
			return fmt.Errorf("cloud.url is required")
		}
		if strings.TrimSpace(c.GatewayID) == "" {
			return fmt.Errorf("gateway.id is required")
		}
		if strings.TrimSpace(c.GatewayToken) == "" {
			return fmt.Errorf("gateway.token is required")
		}
		if c.GatewayPartnerURL != "" && strings.TrimSpace(c.GatewayPartnerID) == "" {
			return fmt.Errorf("gateway.partner_id is required with gateway.partner_url")
		}
		if len(c.SyncEntityTypes) == 0 {
			return fmt.Errorf("sync.entity_types must not be empty")
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	return nil
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}
