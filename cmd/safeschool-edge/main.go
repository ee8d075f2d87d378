package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safeschool/edge/internal/config"
	"github.com/safeschool/edge/internal/database"
	"github.com/safeschool/edge/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "safeschool-edge",
		Short:        "SafeSchool edge gateway and cloud cluster services",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newCloudCommand(),
		newGatewayCommand(),
		newActivateCommand(),
		newProvisionCommand(),
		newOperatorTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("cloud-url", "", "Cloud API base URL")
	cmd.PersistentFlags().String("gateway-id", "", "Gateway id")
	cmd.PersistentFlags().String("gateway-token", "", "Gateway auth token (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cloud.url", "cloud-url")
	bindFlag(cmd, "gateway.id", "gateway-id")
	bindFlag(cmd, "gateway.token", "gateway-token")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("safeschool-edge")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/safeschool")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// appRuntime holds what every long-running command opens first.
type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openRuntime(role config.Role) (*appRuntime, func(), error) {
	appConfig, err := config.Load(viper.GetViper(), role)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	closeFn := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return &appRuntime{config: appConfig, logger: logger, db: db}, closeFn, nil
}

// serveUntilSignal runs handler on address, along with background, until
// SIGINT or SIGTERM arrives or the listener fails.
func serveUntilSignal(ctx context.Context, logger *zap.Logger, address string, handler http.Handler, background func(ctx context.Context)) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backgroundDone := make(chan struct{})
	go func() {
		defer close(backgroundDone)
		if background != nil {
			background(signalCtx)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var result error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		result = httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		stop()
		result = err
	}
	<-backgroundDone
	logger.Info("server stopped")
	return result
}
