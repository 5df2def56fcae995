// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package compute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/pkg/cache/ttllru"
)

const adminUsername = "onefuzz"

// AzureClient implements Client over armcompute and armnetwork.
type AzureClient struct {
	resourceGroup string

	scalesets   *armcompute.VirtualMachineScaleSetsClient
	scalesetVMs *armcompute.VirtualMachineScaleSetVMsClient
	vms         *armcompute.VirtualMachinesClient

	images        *armcompute.ImagesClient
	galleryImages *armcompute.GalleryImagesClient
	vmImages      *armcompute.VirtualMachineImagesClient

	vnets     *armnetwork.VirtualNetworksClient
	subnets   *armnetwork.SubnetsClient
	nsgs      *armnetwork.SecurityGroupsClient
	publicIPs *armnetwork.PublicIPAddressesClient
	nics      *armnetwork.InterfacesClient

	// image OS lookups are stable for the life of an image reference; cache
	// them to keep the scaleset reconciler from hammering the images API
	imageOSCache *ttllru.Cache[string, api.OS]
}

var _ Client = (*AzureClient)(nil)

// NewAzureClient builds the cloud collaborator for one subscription and
// resource group.
func NewAzureClient(subscriptionID, resourceGroup string, credential azcore.TokenCredential) (*AzureClient, error) {
	computeFactory, err := armcompute.NewClientFactory(subscriptionID, credential, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compute client factory")
	}
	networkFactory, err := armnetwork.NewClientFactory(subscriptionID, credential, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create network client factory")
	}
	cache, err := ttllru.New[string, api.OS](256, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return &AzureClient{
		resourceGroup: resourceGroup,
		scalesets:     computeFactory.NewVirtualMachineScaleSetsClient(),
		scalesetVMs:   computeFactory.NewVirtualMachineScaleSetVMsClient(),
		vms:           computeFactory.NewVirtualMachinesClient(),
		images:        computeFactory.NewImagesClient(),
		galleryImages: computeFactory.NewGalleryImagesClient(),
		vmImages:      computeFactory.NewVirtualMachineImagesClient(),
		vnets:         networkFactory.NewVirtualNetworksClient(),
		subnets:       networkFactory.NewSubnetsClient(),
		nsgs:          networkFactory.NewSecurityGroupsClient(),
		publicIPs:     networkFactory.NewPublicIPAddressesClient(),
		nics:          networkFactory.NewInterfacesClient(),
		imageOSCache:  cache,
	}, nil
}

func mapComputeError(err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return ErrNotFound
	}
	if IsConflict(err) {
		return ErrUnableToUpdate
	}
	return err
}

func imageReference(image string) *armcompute.ImageReference {
	if strings.HasPrefix(strings.ToLower(image), "/subscriptions/") {
		return &armcompute.ImageReference{ID: to.Ptr(image)}
	}
	parts := strings.SplitN(image, ":", 4)
	if len(parts) != 4 {
		return &armcompute.ImageReference{ID: to.Ptr(image)}
	}
	return &armcompute.ImageReference{
		Publisher: to.Ptr(parts[0]),
		Offer:     to.Ptr(parts[1]),
		SKU:       to.Ptr(parts[2]),
		Version:   to.Ptr(parts[3]),
	}
}

func (c *AzureClient) buildVMSS(spec ScalesetSpec) armcompute.VirtualMachineScaleSet {
	osProfile := &armcompute.VirtualMachineScaleSetOSProfile{
		ComputerNamePrefix: to.Ptr("node"),
		AdminUsername:      to.Ptr(adminUsername),
	}
	if spec.OS == api.Windows {
		osProfile.AdminPassword = to.Ptr(spec.AdminPassword)
	} else {
		osProfile.LinuxConfiguration = &armcompute.LinuxConfiguration{
			DisablePasswordAuthentication: to.Ptr(true),
			SSH: &armcompute.SSHConfiguration{
				PublicKeys: []*armcompute.SSHPublicKey{{
					Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", adminUsername)),
					KeyData: to.Ptr(spec.SSHPublicKey),
				}},
			},
		}
	}

	osDisk := &armcompute.VirtualMachineScaleSetOSDisk{
		CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
		Caching:      to.Ptr(armcompute.CachingTypesReadWrite),
	}
	if spec.EphemeralOSDisks {
		osDisk.Caching = to.Ptr(armcompute.CachingTypesReadOnly)
		osDisk.DiffDiskSettings = &armcompute.DiffDiskSettings{
			Option: to.Ptr(armcompute.DiffDiskOptionsLocal),
		}
	}

	profile := &armcompute.VirtualMachineScaleSetVMProfile{
		OSProfile: osProfile,
		StorageProfile: &armcompute.VirtualMachineScaleSetStorageProfile{
			ImageReference: imageReference(spec.Image),
			OSDisk:         osDisk,
		},
		NetworkProfile: &armcompute.VirtualMachineScaleSetNetworkProfile{
			NetworkInterfaceConfigurations: []*armcompute.VirtualMachineScaleSetNetworkConfiguration{{
				Name: to.Ptr(spec.Name + "-nic"),
				Properties: &armcompute.VirtualMachineScaleSetNetworkConfigurationProperties{
					Primary: to.Ptr(true),
					IPConfigurations: []*armcompute.VirtualMachineScaleSetIPConfiguration{{
						Name: to.Ptr("ipConfig0"),
						Properties: &armcompute.VirtualMachineScaleSetIPConfigurationProperties{
							Primary: to.Ptr(true),
							Subnet:  &armcompute.APIEntityReference{ID: to.Ptr(spec.SubnetID)},
						},
					}},
				},
			}},
		},
	}

	if spec.SpotInstances {
		// spot instances are deleted, not deallocated, so capacity frees up
		profile.Priority = to.Ptr(armcompute.VirtualMachinePriorityTypesSpot)
		profile.EvictionPolicy = to.Ptr(armcompute.VirtualMachineEvictionPolicyTypesDelete)
		profile.BillingProfile = &armcompute.BillingProfile{MaxPrice: to.Ptr(-1.0)}
	}

	extensions := make([]*armcompute.VirtualMachineScaleSetExtension, 0, len(spec.Extensions))
	for _, ext := range spec.Extensions {
		extensions = append(extensions, &armcompute.VirtualMachineScaleSetExtension{
			Name: to.Ptr(ext.Name),
			Properties: &armcompute.VirtualMachineScaleSetExtensionProperties{
				Publisher:          to.Ptr(ext.Publisher),
				Type:               to.Ptr(ext.Type),
				TypeHandlerVersion: to.Ptr(ext.Version),
				Settings:           ext.Settings,
			},
		})
	}
	if len(extensions) > 0 {
		profile.ExtensionProfile = &armcompute.VirtualMachineScaleSetExtensionProfile{
			Extensions: extensions,
		}
	}

	tags := map[string]*string{}
	for k, v := range spec.Tags {
		tags[k] = to.Ptr(v)
	}

	return armcompute.VirtualMachineScaleSet{
		Location: to.Ptr(spec.Region),
		Tags:     tags,
		SKU: &armcompute.SKU{
			Name:     to.Ptr(spec.VMSku),
			Tier:     to.Ptr("Standard"),
			Capacity: to.Ptr(spec.Capacity),
		},
		Identity: &armcompute.VirtualMachineScaleSetIdentity{
			Type: to.Ptr(armcompute.ResourceIdentityTypeSystemAssigned),
		},
		Properties: &armcompute.VirtualMachineScaleSetProperties{
			Overprovision:        to.Ptr(false),
			SinglePlacementGroup: to.Ptr(false),
			UpgradePolicy: &armcompute.UpgradePolicy{
				Mode: to.Ptr(armcompute.UpgradeModeManual),
			},
			VirtualMachineProfile: profile,
		},
	}
}

// CreateScaleset implements Client. The create is issued asynchronously;
// callers observe provisioning progress with GetScaleset.
func (c *AzureClient) CreateScaleset(ctx context.Context, spec ScalesetSpec) error {
	_, err := c.scalesets.BeginCreateOrUpdate(ctx, c.resourceGroup, spec.Name, c.buildVMSS(spec), nil)
	return errors.Wrapf(mapComputeError(err), "failed to start creating scaleset %s", spec.Name)
}

// GetScaleset implements Client.
func (c *AzureClient) GetScaleset(ctx context.Context, name string) (*ScalesetInfo, error) {
	resp, err := c.scalesets.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, mapComputeError(err)
	}
	info := &ScalesetInfo{Name: name}
	if resp.SKU != nil && resp.SKU.Capacity != nil {
		info.Capacity = *resp.SKU.Capacity
	}
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		info.ProvisioningState = *resp.Properties.ProvisioningState
	}
	if resp.Identity != nil && resp.Identity.PrincipalID != nil {
		info.PrincipalID = *resp.Identity.PrincipalID
	}
	return info, nil
}

// ResizeScaleset implements Client.
func (c *AzureClient) ResizeScaleset(ctx context.Context, name string, capacity int64) error {
	_, err := c.scalesets.BeginUpdate(ctx, c.resourceGroup, name, armcompute.VirtualMachineScaleSetUpdate{
		SKU: &armcompute.SKU{Capacity: to.Ptr(capacity)},
	}, nil)
	return mapComputeError(err)
}

// DeleteScaleset implements Client.
func (c *AzureClient) DeleteScaleset(ctx context.Context, name string) (bool, error) {
	_, err := c.scalesets.Get(ctx, c.resourceGroup, name, nil)
	if IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, mapComputeError(err)
	}
	if _, err := c.scalesets.BeginDelete(ctx, c.resourceGroup, name, nil); err != nil {
		return false, mapComputeError(err)
	}
	return false, nil
}

// ListInstanceIDs implements Client.
func (c *AzureClient) ListInstanceIDs(ctx context.Context, name string) (map[uuid.UUID]string, error) {
	out := map[uuid.UUID]string{}
	pager := c.scalesetVMs.NewListPager(c.resourceGroup, name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapComputeError(err)
		}
		for _, vm := range page.Value {
			if vm.InstanceID == nil || vm.Properties == nil || vm.Properties.VMID == nil {
				continue
			}
			machineID, err := uuid.Parse(*vm.Properties.VMID)
			if err != nil {
				continue
			}
			out[machineID] = *vm.InstanceID
		}
	}
	return out, nil
}

// ReimageInstances implements Client.
func (c *AzureClient) ReimageInstances(ctx context.Context, name string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	ids := make([]*string, len(instanceIDs))
	for i := range instanceIDs {
		ids[i] = to.Ptr(instanceIDs[i])
	}
	_, err := c.scalesets.BeginReimage(ctx, c.resourceGroup, name, &armcompute.VirtualMachineScaleSetsClientBeginReimageOptions{
		VMScaleSetReimageInput: &armcompute.VirtualMachineScaleSetReimageParameters{InstanceIDs: ids},
	})
	return mapComputeError(err)
}

// DeleteInstances implements Client.
func (c *AzureClient) DeleteInstances(ctx context.Context, name string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	ids := make([]*string, len(instanceIDs))
	for i := range instanceIDs {
		ids[i] = to.Ptr(instanceIDs[i])
	}
	_, err := c.scalesets.BeginDeleteInstances(ctx, c.resourceGroup, name, armcompute.VirtualMachineScaleSetVMInstanceRequiredIDs{
		InstanceIDs: ids,
	}, nil)
	return mapComputeError(err)
}
