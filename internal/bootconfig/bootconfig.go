// Package bootconfig discovers the domain's bootstrap configuration — the
// fixed instances, their hardware models, and the engines available for
// allocation — from either a local JSON file or a cloud endpoint, per spec
// §6's --config-source flag. Adapted from the teacher's internal/trconfig,
// which discovers trunk-recorder's config.json + docker-compose.yaml;
// generalized here from trunk-recorder-specific system/talkgroup/unit
// discovery to the kernel's FixedInstance/Model/Engine shape, and from a
// file-only source to file-or-cloud.
package bootconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/config"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/instance"
)

// InstanceConfig is one configured hardware unit's bootstrap shape: the
// identity/model/power-wiring triple InstanceSupervisor.Add needs.
type InstanceConfig struct {
	Id    domain.FixedInstanceId `json:"id"`
	Model domain.Model           `json:"model"`
	Power domain.PowerSpec       `json:"power"`
}

// BootstrapConfig is the shape both discovery sources populate, consumed
// by InstanceSupervisor and TaskSupervisor at BecomeOnline.
type BootstrapConfig struct {
	Instances []InstanceConfig  `json:"instances"`
	Engines   []domain.EngineId `json:"engines"`
}

// Discover reads the bootstrap config from whichever source cfg names.
func Discover(cfg *config.Config, log zerolog.Logger) (*BootstrapConfig, error) {
	switch cfg.ConfigSource {
	case config.SourceFile:
		return discoverFile(cfg.ConfigFile, log)
	case config.SourceCloud:
		return discoverCloud(cfg.CloudURL, cfg.APIKey, log)
	default:
		return nil, fmt.Errorf("bootconfig: unknown config source %q", cfg.ConfigSource)
	}
}

func discoverFile(path string, log zerolog.Logger) (*BootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootconfig: read %s: %w", path, err)
	}
	var bc BootstrapConfig
	if err := json.Unmarshal(data, &bc); err != nil {
		return nil, fmt.Errorf("bootconfig: decode %s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Int("instances", len(bc.Instances)).
		Int("engines", len(bc.Engines)).
		Msg("bootconfig: loaded from file")
	return &bc, nil
}

var cloudHTTPClient = &http.Client{Timeout: 10 * time.Second}

func discoverCloud(cloudURL, apiKey string, log zerolog.Logger) (*BootstrapConfig, error) {
	req, err := http.NewRequest(http.MethodGet, cloudURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bootconfig: build cloud request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := cloudHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootconfig: cloud fetch %s: %w", cloudURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bootconfig: read cloud response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootconfig: cloud fetch %s: status %d", cloudURL, resp.StatusCode)
	}

	var bc BootstrapConfig
	if err := json.Unmarshal(body, &bc); err != nil {
		return nil, fmt.Errorf("bootconfig: decode cloud response: %w", err)
	}
	log.Info().
		Str("url", cloudURL).
		Int("instances", len(bc.Instances)).
		Int("engines", len(bc.Engines)).
		Msg("bootconfig: loaded from cloud")
	return &bc, nil
}

// Validate rejects configurations InstanceSupervisor could never safely
// admit — specifically an instance that names itself as its own power
// distributor, which would deadlock the power state machine (spec §9 Open
// Question: "PowerDistributor self-power cycles", resolved by rejecting the
// cycle at admission rather than guarding for it at runtime).
func (bc *BootstrapConfig) Validate() error {
	for _, inst := range bc.Instances {
		if inst.Power.DistributorValid && inst.Power.Distributor == inst.Id {
			return domain.NewSelfPoweredInstance(inst.Id)
		}
	}
	return nil
}

// Apply admits every configured instance into instSup, having already
// validated against self-powered wiring. Called once at BecomeOnline.
func (bc *BootstrapConfig) Apply(ctx context.Context, instSup *instance.Supervisor, driver instance.DriverClient, log zerolog.Logger) error {
	if err := bc.Validate(); err != nil {
		return err
	}
	for _, inst := range bc.Instances {
		instSup.Add(ctx, inst.Id, inst.Model, inst.Power, driver, log.With().Str("instance", inst.Id.String()).Logger())
	}
	return nil
}
