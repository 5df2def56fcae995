// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads service settings. Deployment-fixed settings come from
// the environment; operator-tunable settings live in the instance config
// blob and can change while the service runs.
package config

import (
	"context"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
)

// Environment variable names set at deployment time.
const (
	EnvInstanceName         = "ONEFUZZ_INSTANCE_NAME"
	EnvResourceGroup        = "ONEFUZZ_RESOURCE_GROUP"
	EnvDataStorage          = "ONEFUZZ_DATA_STORAGE"
	EnvFuncStorage          = "ONEFUZZ_FUNC_STORAGE"
	EnvKeyvault             = "ONEFUZZ_KEYVAULT"
	EnvTelemetry            = "ONEFUZZ_TELEMETRY"
	EnvInstrumentationKey   = "APPINSIGHTS_INSTRUMENTATIONKEY"
	EnvMultiTenantDomain    = "MULTI_TENANT_DOMAIN"
	EnvNodeDisposalStrategy = "ONEFUZZ_NODE_DISPOSAL_STRATEGY"
	EnvScalesetMaxSize      = "ONEFUZZ_SCALESET_MAX_SIZE"
	EnvSubscription         = "ONEFUZZ_SUBSCRIPTION"
	EnvOwner                = "ONEFUZZ_OWNER"
)

// Settings are the deployment-fixed service settings.
type Settings struct {
	InstanceName       string
	ResourceGroup      string
	Subscription       string
	DataStorage        string
	FuncStorage        string
	Keyvault           string
	Telemetry          bool
	InstrumentationKey string
	MultiTenantDomain  string
	Owner              string

	// DisposalStrategy selects how spent nodes leave a scaleset.
	DisposalStrategy api.NodeDisposalStrategy
	// ScalesetMaxSizeOverride caps scaleset size below the image limit when
	// positive.
	ScalesetMaxSizeOverride int64
}

// FromEnv reads Settings from the environment. Only the instance name and
// resource group are required; everything else degrades to a sane default.
func FromEnv() (*Settings, error) {
	s := &Settings{
		InstanceName:       os.Getenv(EnvInstanceName),
		ResourceGroup:      os.Getenv(EnvResourceGroup),
		Subscription:       os.Getenv(EnvSubscription),
		DataStorage:        os.Getenv(EnvDataStorage),
		FuncStorage:        os.Getenv(EnvFuncStorage),
		Keyvault:           os.Getenv(EnvKeyvault),
		InstrumentationKey: os.Getenv(EnvInstrumentationKey),
		MultiTenantDomain:  os.Getenv(EnvMultiTenantDomain),
		Owner:              os.Getenv(EnvOwner),
		DisposalStrategy:   api.DisposalScaleIn,
	}
	if s.InstanceName == "" {
		return nil, errors.Errorf("%s is not set", EnvInstanceName)
	}
	if s.ResourceGroup == "" {
		return nil, errors.Errorf("%s is not set", EnvResourceGroup)
	}
	if v := os.Getenv(EnvTelemetry); v != "" {
		s.Telemetry = v != "0" && v != "false"
	}
	if v := os.Getenv(EnvNodeDisposalStrategy); v != "" {
		switch api.NodeDisposalStrategy(v) {
		case api.DisposalScaleIn, api.DisposalAggressiveDelete:
			s.DisposalStrategy = api.NodeDisposalStrategy(v)
		default:
			return nil, errors.Errorf("%s has invalid value %q", EnvNodeDisposalStrategy, v)
		}
	}
	if v := os.Getenv(EnvScalesetMaxSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("%s has invalid value %q", EnvScalesetMaxSize, v)
		}
		s.ScalesetMaxSizeOverride = n
	}
	return s, nil
}

const instanceConfigBlob = "instance_config.json"

// LoadInstanceConfig reads the operator-tunable config from the base-config
// container, falling back to defaults when no config has been saved yet.
func LoadInstanceConfig(ctx context.Context, store blobs.Client) (api.InstanceConfig, error) {
	var cfg api.InstanceConfig
	// an unsaved config is the common case on a fresh instance
	if err := blobs.DownloadJSON(ctx, store, blobs.ContainerBaseConfig, instanceConfigBlob, &cfg); err != nil {
		return api.DefaultInstanceConfig(), nil
	}
	if cfg.NetworkConfig.AddressSpace == "" {
		cfg.NetworkConfig = api.DefaultNetworkConfig
	}
	return cfg, nil
}

// SaveInstanceConfig writes the operator-tunable config back.
func SaveInstanceConfig(ctx context.Context, store blobs.Client, cfg api.InstanceConfig) error {
	if err := store.CreateContainer(ctx, blobs.ContainerBaseConfig); err != nil {
		return err
	}
	return blobs.UploadJSON(ctx, store, blobs.ContainerBaseConfig, instanceConfigBlob, cfg)
}
