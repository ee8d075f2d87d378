package main

import (
	"context"

	"github.com/safeschool/edge/internal/agent"
	"github.com/safeschool/edge/internal/cloudclient"
	"github.com/safeschool/edge/internal/config"
	"github.com/safeschool/edge/internal/edgesync"
	"github.com/safeschool/edge/internal/health"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newGatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the on-site gateway agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
	cmd.Flags().String("partner-url", "", "Base URL of the partner gateway's status endpoint")
	bindLocalFlag(cmd, "gateway.partner_url", "partner-url")
	return cmd
}

func runGateway(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime(config.RoleGateway)
	if err != nil {
		return err
	}
	defer closeRuntime()
	cfg := rt.config
	logger := rt.logger.With(zap.String("gateway_id", cfg.GatewayID))

	operations, err := queue.New(queue.Config{
		Database: rt.db,
		Policies: cfg.QueuePolicies(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	store, err := records.NewStore(records.StoreConfig{Database: rt.db, Logger: logger})
	if err != nil {
		return err
	}

	client, err := cloudclient.New(cloudclient.Config{
		BaseURL:   cfg.CloudURL,
		GatewayID: cfg.GatewayID,
		Token:     cfg.GatewayToken,
		Timeout:   cfg.CloudTimeout,
		Compress:  cfg.SyncCompress,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	monitor, err := health.NewMonitor(health.MonitorConfig{
		Cloud:        client,
		Probes:       []health.Probe{health.DatabaseProbe(rt.db)},
		CloudTimeout: cfg.HealthCloudTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	engine, err := edgesync.NewEngine(edgesync.Config{
		Cloud:       client,
		Queue:       operations,
		Store:       store,
		Health:      monitor,
		BatchSize:   cfg.SyncBatchSize,
		EntityTypes: cfg.SyncEntityTypes,
		Interval:    cfg.SyncInterval,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var partner agent.PartnerChecker
	if cfg.GatewayPartnerURL != "" {
		partner = agent.NewHTTPPartnerProbe(cfg.GatewayPartnerURL, cfg.HealthCloudTimeout)
	}

	gatewayAgent, err := agent.New(agent.Config{
		GatewayID:           cfg.GatewayID,
		SiteID:              cfg.GatewaySiteID,
		FirmwareVersion:     version,
		Cloud:               client,
		Engine:              engine,
		Health:              monitor,
		Queue:               operations,
		Executor:            agent.RecordDoorExecutor{Applier: engine},
		Partner:             partner,
		PartnerID:           cfg.GatewayPartnerID,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		CommandPollInterval: cfg.CommandPollInterval,
		CommandTimeout:      cfg.CommandTimeout,
		FailoverAfter:       cfg.ClusterFailoverAfter,
		QueueRetention:      cfg.QueueRetention,
		IncidentActive:      agent.ActiveLockdown(store),
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	run := func(ctx context.Context) {
		if err := gatewayAgent.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("gateway agent stopped", zap.Error(err))
		}
	}
	return serveUntilSignal(ctx, logger, cfg.HTTPAddress, agent.NewStatusHandler(gatewayAgent), run)
}
