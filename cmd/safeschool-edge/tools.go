package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/cloudclient"
	"github.com/safeschool/edge/internal/config"
	"github.com/safeschool/edge/internal/database"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/ids"
	"github.com/safeschool/edge/internal/logging"
	"github.com/safeschool/edge/internal/manifest"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newProvisionCommand() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Apply a site manifest to the cloud database and print provisioning tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(manifestPath) == "" {
				return errors.New("--manifest is required")
			}
			site, err := manifest.LoadFile(manifestPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(viper.GetString("log.level"), "console")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			cluster, err := gateways.NewManager(gateways.ManagerConfig{
				Database:   db,
				IDProvider: ids.NewUUIDProvider(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			result, err := manifest.Apply(cmd.Context(), cluster, site, logger)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(result)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the site manifest (YAML)")
	return cmd
}

func newActivateCommand() *cobra.Command {
	var provisioningToken string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Exchange a provisioning token for the gateway's permanent credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(provisioningToken) == "" {
				return errors.New("--provisioning-token is required")
			}
			client, err := cloudclient.New(cloudclient.Config{
				BaseURL: viper.GetString("cloud.url"),
				Timeout: viper.GetDuration("cloud.timeout"),
			})
			if err != nil {
				return err
			}
			hostname, _ := os.Hostname()
			response, err := client.Activate(cmd.Context(), cloudapi.ActivateRequest{
				ProvisioningToken: provisioningToken,
				Hostname:          hostname,
				FirmwareVersion:   version,
			})
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"gateway": map[string]string{
					"id":      response.Gateway.ID,
					"site_id": response.Gateway.SiteID,
					"token":   response.AuthToken,
				},
			})
		},
	}
	cmd.Flags().StringVar(&provisioningToken, "provisioning-token", "", "One-time provisioning token")
	return cmd
}

func newOperatorTokenCommand() *cobra.Command {
	var subject string
	var roles []string
	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Issue an operator JWT for the cloud API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper(), config.RoleCloud)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueOperatorToken(cmd.Context(), subject, roles)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity placed in the token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "Operator roles")
	return cmd
}
