// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package config

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvInstanceName, "fuzz-instance")
	t.Setenv(EnvResourceGroup, "fuzz-rg")
}

func TestFromEnvDefaults(t *testing.T) {
	g := NewWithT(t)
	setRequiredEnv(t)

	s, err := FromEnv()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(s.InstanceName).To(Equal("fuzz-instance"))
	g.Expect(s.ResourceGroup).To(Equal("fuzz-rg"))
	g.Expect(s.Telemetry).To(BeFalse())
	g.Expect(s.DisposalStrategy).To(Equal(api.DisposalScaleIn))
	g.Expect(s.ScalesetMaxSizeOverride).To(BeZero())
}

func TestFromEnvRequiredFields(t *testing.T) {
	g := NewWithT(t)

	t.Setenv(EnvInstanceName, "")
	t.Setenv(EnvResourceGroup, "fuzz-rg")
	_, err := FromEnv()
	g.Expect(err).To(MatchError(ContainSubstring(EnvInstanceName)))

	t.Setenv(EnvInstanceName, "fuzz-instance")
	t.Setenv(EnvResourceGroup, "")
	_, err = FromEnv()
	g.Expect(err).To(MatchError(ContainSubstring(EnvResourceGroup)))
}

func TestFromEnvTelemetryFlag(t *testing.T) {
	g := NewWithT(t)
	setRequiredEnv(t)

	for value, want := range map[string]bool{
		"1": true, "true": true, "yes": true,
		"0": false, "false": false,
	} {
		t.Setenv(EnvTelemetry, value)
		s, err := FromEnv()
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(s.Telemetry).To(Equal(want), "value %q", value)
	}
}

func TestFromEnvDisposalStrategy(t *testing.T) {
	g := NewWithT(t)
	setRequiredEnv(t)

	t.Setenv(EnvNodeDisposalStrategy, string(api.DisposalAggressiveDelete))
	s, err := FromEnv()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(s.DisposalStrategy).To(Equal(api.DisposalAggressiveDelete))

	t.Setenv(EnvNodeDisposalStrategy, "recycle")
	_, err = FromEnv()
	g.Expect(err).To(MatchError(ContainSubstring("recycle")))
}

func TestFromEnvScalesetMaxSize(t *testing.T) {
	g := NewWithT(t)
	setRequiredEnv(t)

	t.Setenv(EnvScalesetMaxSize, "250")
	s, err := FromEnv()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(s.ScalesetMaxSizeOverride).To(Equal(int64(250)))

	for _, bad := range []string{"0", "-5", "lots"} {
		t.Setenv(EnvScalesetMaxSize, bad)
		_, err = FromEnv()
		g.Expect(err).To(HaveOccurred(), "value %q", bad)
	}
}

func TestInstanceConfigRoundTrip(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	store := blobs.NewMemBlobs()

	// a fresh instance has no saved config
	cfg, err := LoadInstanceConfig(ctx, store)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cfg).To(Equal(api.DefaultInstanceConfig()))

	cfg.ProxyVMSku = "Standard_D4s_v3"
	g.Expect(SaveInstanceConfig(ctx, store, cfg)).To(Succeed())

	loaded, err := LoadInstanceConfig(ctx, store)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(loaded.ProxyVMSku).To(Equal("Standard_D4s_v3"))
	g.Expect(loaded.NetworkConfig).To(Equal(api.DefaultNetworkConfig))
}
