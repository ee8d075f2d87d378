package main

import (
	"context"
	"time"

	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/cloudsync"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/config"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/health"
	"github.com/safeschool/edge/internal/ids"
	"github.com/safeschool/edge/internal/records"
	"github.com/safeschool/edge/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const recentAlertLimit = 100

func newCloudCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cloud",
		Short: "Run the cloud API and cluster supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCloud(cmd.Context())
		},
	}
}

// cloudServices is the cloud process wired together.
type cloudServices struct {
	cluster    *gateways.Manager
	dispatcher *commands.Dispatcher
	issuer     *auth.TokenIssuer
	alerts     *server.AlertHub
	sync       *cloudsync.Service
}

func buildCloudServices(rt *appRuntime) (*cloudServices, error) {
	cfg := rt.config
	alerts := server.NewAlertHub(recentAlertLimit)

	cluster, err := gateways.NewManager(gateways.ManagerConfig{
		Database:      rt.db,
		Clock:         time.Now,
		IDProvider:    ids.NewUUIDProvider(),
		Logger:        rt.logger,
		Notifier:      alerts,
		FailoverAfter: cfg.ClusterFailoverAfter,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := commands.NewDispatcher(commands.DispatcherConfig{
		Database:   rt.db,
		Ownership:  cluster,
		IDProvider: ids.NewUUIDProvider(),
		Alerter:    alerts,
		Timeout:    cfg.CommandTimeout,
		Clock:      time.Now,
		Logger:     rt.logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := records.NewStore(records.StoreConfig{Database: rt.db, Logger: rt.logger})
	if err != nil {
		return nil, err
	}
	syncService, err := cloudsync.NewService(cloudsync.ServiceConfig{Store: store, Logger: rt.logger})
	if err != nil {
		return nil, err
	}

	issuer, err := newTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}

	return &cloudServices{
		cluster:    cluster,
		dispatcher: dispatcher,
		issuer:     issuer,
		alerts:     alerts,
		sync:       syncService,
	}, nil
}

func newTokenIssuer(cfg config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
		Audience:      cfg.AuthAudience,
		TokenTTL:      cfg.AuthTokenTTL,
	})
}

func runCloud(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime(config.RoleCloud)
	if err != nil {
		return err
	}
	defer closeRuntime()

	services, err := buildCloudServices(rt)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Cluster:         services.cluster,
		Dispatcher:      services.dispatcher,
		Sync:            services.sync,
		Operators:       services.issuer,
		Alerts:          services.alerts,
		Probe:           health.DatabaseProbe(rt.db).Check,
		StreamHeartbeat: rt.config.AlertHeartbeat,
		AllowedOrigins:  rt.config.AllowedOrigins,
		Logger:          rt.logger,
	})
	if err != nil {
		return err
	}

	supervise := func(ctx context.Context) {
		superviseCluster(ctx, services, rt.config, rt.logger)
	}
	return serveUntilSignal(ctx, rt.logger, rt.config.HTTPAddress, handler, supervise)
}

// superviseCluster runs the periodic cluster health check of every site and
// times out unanswered door commands.
func superviseCluster(ctx context.Context, services *cloudServices, cfg config.AppConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.ClusterCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sites, err := services.cluster.Sites(ctx)
		if err != nil {
			logger.Warn("cluster sweep skipped", zap.Error(err))
			continue
		}
		for _, siteID := range sites {
			report, err := services.cluster.HealthCheck(ctx, siteID, cfg.ClusterStaleThreshold)
			if err != nil {
				logger.Warn("cluster health check failed", zap.String("site_id", siteID), zap.Error(err))
				continue
			}
			if len(report.Stale)+len(report.Restored)+len(report.FailedOver)+len(report.Repaired) > 0 {
				logger.Info("cluster health check",
					zap.String("site_id", siteID),
					zap.Strings("stale", report.Stale),
					zap.Strings("restored", report.Restored),
					zap.Strings("failed_over", report.FailedOver),
					zap.Strings("repaired", report.Repaired))
			}
		}

		if timedOut, err := services.dispatcher.SweepTimeouts(ctx); err != nil {
			logger.Warn("command timeout sweep failed", zap.Error(err))
		} else if timedOut > 0 {
			logger.Info("door commands timed out", zap.Int("count", timedOut))
		}
	}
}
