// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"strings"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// ScalesetState is the scaleset lifecycle state machine.
type ScalesetState string

const (
	ScalesetInit           ScalesetState = "init"
	ScalesetSetup          ScalesetState = "setup"
	ScalesetResize         ScalesetState = "resize"
	ScalesetRunning        ScalesetState = "running"
	ScalesetShutdown       ScalesetState = "shutdown"
	ScalesetHalt           ScalesetState = "halt"
	ScalesetCreationFailed ScalesetState = "creation_failed"
)

// ScalesetStatesNeedingWork are the states the scaleset reconciler drives.
var ScalesetStatesNeedingWork = []ScalesetState{
	ScalesetInit, ScalesetSetup, ScalesetResize, ScalesetShutdown, ScalesetHalt,
}

// ScalesetStatesCanUpdate are the only states in which a resize may be
// issued.
var ScalesetStatesCanUpdate = []ScalesetState{ScalesetRunning, ScalesetResize}

// ScalesetStatesIncludeAutoscaleCount are states whose size is trusted by
// the autoscaler; a pool with any scaleset outside these skips the tick.
var ScalesetStatesIncludeAutoscaleCount = []ScalesetState{
	ScalesetSetup, ScalesetRunning, ScalesetResize,
}

// CanUpdate reports whether the scaleset may be resized.
func (s ScalesetState) CanUpdate() bool {
	for _, state := range ScalesetStatesCanUpdate {
		if s == state {
			return true
		}
	}
	return false
}

// Scaleset is a cloud VM scale set backing a pool.
type Scaleset struct {
	storage.Meta
	PoolName          string            `json:"pool_name"`
	ScalesetID        uuid.UUID         `json:"scaleset_id"`
	State             ScalesetState     `json:"state"`
	Auth              *Authentication   `json:"auth,omitempty"`
	VMSku             string            `json:"vm_sku"`
	Image             string            `json:"image"`
	Region            string            `json:"region"`
	Size              int64             `json:"size"`
	SpotInstances     bool              `json:"spot_instances"`
	EphemeralOSDisks  bool              `json:"ephemeral_os_disks,omitempty"`
	NeedsConfigUpdate bool              `json:"needs_config_update,omitempty"`
	Error             *Error            `json:"error,omitempty"`
	ClientObjectID    *string           `json:"client_object_id,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// ScalesetDescriptor maps scalesets onto the store, partitioned by pool.
var ScalesetDescriptor = storage.Descriptor{
	Table:          "Scaleset",
	PartitionField: "pool_name",
	RowField:       "scaleset_id",
}

const (
	// MaxScalesetSizeCustomImage caps scalesets built from gallery images.
	MaxScalesetSizeCustomImage = 600
	// MaxScalesetSizeMarketplace caps scalesets built from marketplace
	// images.
	MaxScalesetSizeMarketplace = 1000
)

// ImageMaxScalesetSize returns the platform cap for a scaleset built from
// the given image. Gallery and shared-image references carry a resource ID;
// marketplace references are publisher:offer:sku:version.
func ImageMaxScalesetSize(image string) int64 {
	if strings.HasPrefix(strings.ToLower(image), "/subscriptions/") {
		return MaxScalesetSizeCustomImage
	}
	return MaxScalesetSizeMarketplace
}
