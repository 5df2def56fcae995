// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package compute is the cloud-provider collaborator: VM scale sets backing
// pools, single VMs for the SSH proxy, worker virtual networks, and image
// metadata. Long-running operations are fire-and-forget; reconcilers
// observe completion on a later tick.
package compute

import (
	"context"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
)

// ErrNotFound is returned when the requested cloud resource is absent.
var ErrNotFound = errors.New("cloud resource not found")

// ErrUnableToUpdate is returned when the cloud rejects a change because a
// previous update is still in flight. Callers swallow it and retry next
// tick.
var ErrUnableToUpdate = errors.New("cloud resource has an update in progress")

// ScalesetSpec is everything needed to create a VMSS for a pool.
type ScalesetSpec struct {
	Name             string
	Region           string
	VMSku            string
	Image            string
	OS               api.OS
	Capacity         int64
	SpotInstances    bool
	EphemeralOSDisks bool
	SSHPublicKey     string
	AdminPassword    string
	Extensions       []api.VMExtensionConfig
	Tags             map[string]string
	SubnetID         string
}

// ScalesetInfo is the cloud truth about an existing VMSS.
type ScalesetInfo struct {
	Name              string
	Capacity          int64
	ProvisioningState string
	PrincipalID       string
}

// Provisioning states surfaced to reconcilers.
const (
	ProvisioningCreating  = "Creating"
	ProvisioningUpdating  = "Updating"
	ProvisioningSucceeded = "Succeeded"
	ProvisioningFailed    = "Failed"
)

// VMSpec is everything needed to create a proxy VM.
type VMSpec struct {
	Name         string
	Region       string
	VMSku        string
	Image        string
	SSHPublicKey string
	NSG          api.NSGConfig
	Tags         map[string]string
}

// VMInfo is the cloud truth about an existing VM.
type VMInfo struct {
	Name              string
	ProvisioningState string
	PublicIP          *string
	PrivateIP         *string
}

// Client is the cloud collaborator interface.
type Client interface {
	// Scale sets.
	CreateScaleset(ctx context.Context, spec ScalesetSpec) error
	GetScaleset(ctx context.Context, name string) (*ScalesetInfo, error)
	ResizeScaleset(ctx context.Context, name string, capacity int64) error
	// DeleteScaleset reports true once the VMSS is gone.
	DeleteScaleset(ctx context.Context, name string) (bool, error)
	// ListInstanceIDs maps each instance's machine id (VM unique id) to the
	// cloud instance id used by reimage/delete calls.
	ListInstanceIDs(ctx context.Context, name string) (map[uuid.UUID]string, error)
	ReimageInstances(ctx context.Context, name string, instanceIDs []string) error
	DeleteInstances(ctx context.Context, name string, instanceIDs []string) error

	// Proxy VMs.
	CreateVM(ctx context.Context, spec VMSpec) error
	GetVM(ctx context.Context, name, region string) (*VMInfo, error)
	// DeleteVM reports true once the VM is gone.
	DeleteVM(ctx context.Context, name string) (bool, error)

	// Networking.
	EnsureSubnet(ctx context.Context, region string, cfg api.NetworkConfig) (string, error)

	// Images.
	ImageOS(ctx context.Context, region, image string) (api.OS, error)
}

// IsNotFound reports whether err is a missing-resource error, either ours
// or a raw 404 from the service.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err means another update is in progress, the
// cloud's way of saying try again later.
func IsConflict(err error) bool {
	if errors.Is(err, ErrUnableToUpdate) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}
