// Package manifest describes a site's gateways, inventory and pairing in YAML
// and applies that description to the cluster manager.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/safeschool/edge/internal/gateways"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Site is one site manifest.
type Site struct {
	Version  string        `yaml:"version"`
	SiteID   string        `yaml:"site"`
	Doors    []string      `yaml:"doors"`
	Zones    []string      `yaml:"zones"`
	Gateways []GatewaySpec `yaml:"gateways"`
	Pairs    []PairSpec    `yaml:"pairs,omitempty"`
}

// GatewaySpec declares one gateway and the ids it owns.
type GatewaySpec struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name,omitempty"`
	Doors []string `yaml:"doors,omitempty"`
	Zones []string `yaml:"zones,omitempty"`
}

// PairSpec declares a gateway pair.
type PairSpec struct {
	Gateways []string `yaml:"gateways"`
	Mode     string   `yaml:"mode"`
}

// Cluster is the part of the cluster manager a manifest drives.
type Cluster interface {
	RegisterSiteDevices(ctx context.Context, siteID string, kind gateways.DeviceKind, deviceIDs []string) error
	Provision(ctx context.Context, request gateways.ProvisionRequest) (gateways.Gateway, string, error)
	AssignDevices(ctx context.Context, gatewayID string, deviceIDs []string) (gateways.Gateway, error)
	AssignZones(ctx context.Context, gatewayID string, zoneIDs []string) (gateways.Gateway, error)
	Pair(ctx context.Context, aID, bID string, mode gateways.ClusterMode) (gateways.Gateway, gateways.Gateway, error)
	Get(ctx context.Context, gatewayID string) (gateways.Gateway, error)
}

// ProvisionedGateway reports what Apply did for one gateway. Token is empty
// when the gateway was already active.
type ProvisionedGateway struct {
	ID                string `yaml:"id"`
	ProvisioningToken string `yaml:"provisioningToken,omitempty"`
	AlreadyActive     bool   `yaml:"alreadyActive,omitempty"`
}

// Result summarises one Apply.
type Result struct {
	SiteID   string               `yaml:"site"`
	Gateways []ProvisionedGateway `yaml:"gateways"`
	Paired   [][2]string          `yaml:"paired,omitempty"`
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Site, error) {
	var site Site
	if err := yaml.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("manifest: invalid YAML: %w", err)
	}
	if err := site.Validate(); err != nil {
		return nil, err
	}
	return &site, nil
}

// LoadFile parses the manifest at path.
func LoadFile(path string) (*Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks references inside the manifest. Inventory membership and
// ownership overlap are checked again by the cluster manager on Apply.
func (s *Site) Validate() error {
	if strings.TrimSpace(s.SiteID) == "" {
		return errors.New("manifest: site is required")
	}
	if len(s.Gateways) == 0 {
		return errors.New("manifest: at least one gateway is required")
	}
	declared := make(map[string]bool, len(s.Gateways))
	for index, gateway := range s.Gateways {
		id := strings.TrimSpace(gateway.ID)
		if id == "" {
			return fmt.Errorf("manifest: gateways[%d]: id is required", index)
		}
		if declared[id] {
			return fmt.Errorf("manifest: gateway %q declared twice", id)
		}
		declared[id] = true
		if missing := missingFrom(gateway.Doors, s.Doors); len(missing) > 0 {
			return fmt.Errorf("manifest: gateway %q owns undeclared doors %v", id, missing)
		}
		if missing := missingFrom(gateway.Zones, s.Zones); len(missing) > 0 {
			return fmt.Errorf("manifest: gateway %q owns undeclared zones %v", id, missing)
		}
	}
	paired := make(map[string]bool)
	for index, pair := range s.Pairs {
		if len(pair.Gateways) != 2 {
			return fmt.Errorf("manifest: pairs[%d]: exactly two gateways are required", index)
		}
		switch gateways.ClusterMode(pair.Mode) {
		case gateways.ModeActiveActive, gateways.ModeActivePassive:
		default:
			return fmt.Errorf("manifest: pairs[%d]: unknown mode %q", index, pair.Mode)
		}
		for _, id := range pair.Gateways {
			id = strings.TrimSpace(id)
			if !declared[id] {
				return fmt.Errorf("manifest: pairs[%d]: unknown gateway %q", index, id)
			}
			if paired[id] {
				return fmt.Errorf("manifest: gateway %q appears in two pairs", id)
			}
			paired[id] = true
		}
	}
	return nil
}

// Apply registers the site inventory, provisions gateways, assigns ownership
// and pairs gateways. It can be re-run: active gateways keep their tokens and
// existing pairs with the same partner are left alone.
func Apply(ctx context.Context, cluster Cluster, site *Site, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	result := Result{SiteID: site.SiteID}

	if err := cluster.RegisterSiteDevices(ctx, site.SiteID, gateways.KindDoor, site.Doors); err != nil {
		return result, fmt.Errorf("manifest: register doors: %w", err)
	}
	if err := cluster.RegisterSiteDevices(ctx, site.SiteID, gateways.KindZone, site.Zones); err != nil {
		return result, fmt.Errorf("manifest: register zones: %w", err)
	}

	for _, declared := range site.Gateways {
		provisioned, err := provision(ctx, cluster, site.SiteID, declared)
		if err != nil {
			return result, err
		}
		result.Gateways = append(result.Gateways, provisioned)
		if _, err := cluster.AssignDevices(ctx, provisioned.ID, declared.Doors); err != nil {
			return result, fmt.Errorf("manifest: assign doors to %s: %w", provisioned.ID, err)
		}
		if _, err := cluster.AssignZones(ctx, provisioned.ID, declared.Zones); err != nil {
			return result, fmt.Errorf("manifest: assign zones to %s: %w", provisioned.ID, err)
		}
	}

	for _, pair := range site.Pairs {
		first, second := strings.TrimSpace(pair.Gateways[0]), strings.TrimSpace(pair.Gateways[1])
		_, _, err := cluster.Pair(ctx, first, second, gateways.ClusterMode(pair.Mode))
		if errors.Is(err, gateways.ErrAlreadyPaired) {
			current, getErr := cluster.Get(ctx, first)
			if getErr == nil && current.PartnerID == second {
				logger.Info("pair already in place", zap.String("gateway_a", first), zap.String("gateway_b", second))
				continue
			}
		}
		if err != nil {
			return result, fmt.Errorf("manifest: pair %s and %s: %w", first, second, err)
		}
		result.Paired = append(result.Paired, [2]string{first, second})
	}

	logger.Info("site manifest applied",
		zap.String("site_id", site.SiteID),
		zap.Int("gateways", len(result.Gateways)),
		zap.Int("pairs", len(result.Paired)))
	return result, nil
}

func provision(ctx context.Context, cluster Cluster, siteID string, declared GatewaySpec) (ProvisionedGateway, error) {
	id := strings.TrimSpace(declared.ID)
	_, token, err := cluster.Provision(ctx, gateways.ProvisionRequest{ID: id, SiteID: siteID, Name: declared.Name})
	if errors.Is(err, gateways.ErrAlreadyActivated) {
		return ProvisionedGateway{ID: id, AlreadyActive: true}, nil
	}
	if err != nil {
		return ProvisionedGateway{}, fmt.Errorf("manifest: provision %s: %w", id, err)
	}
	return ProvisionedGateway{ID: id, ProvisioningToken: token}, nil
}

func missingFrom(ids, declared []string) []string {
	known := make(map[string]bool, len(declared))
	for _, id := range declared {
		known[strings.TrimSpace(id)] = true
	}
	var missing []string
	for _, id := range ids {
		if !known[strings.TrimSpace(id)] {
			missing = append(missing, id)
		}
	}
	return missing
}
