// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package compute

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
)

// CreateVM implements Client. Each call drives one step of the VM's
// dependency chain (public IP, NIC, then the VM itself); callers invoke it
// every tick until GetVM reports a provisioned machine.
func (c *AzureClient) CreateVM(ctx context.Context, spec VMSpec) error {
	tags := map[string]*string{}
	for k, v := range spec.Tags {
		tags[k] = to.Ptr(v)
	}

	ipName := spec.Name + "-ip"
	ip, err := c.publicIPs.Get(ctx, c.resourceGroup, ipName, nil)
	if IsNotFound(err) {
		_, err = c.publicIPs.BeginCreateOrUpdate(ctx, c.resourceGroup, ipName, armnetwork.PublicIPAddress{
			Location: to.Ptr(spec.Region),
			Tags:     tags,
			Properties: &armnetwork.PublicIPAddressPropertiesFormat{
				PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
			},
		}, nil)
		return errors.Wrapf(mapComputeError(err), "failed to start creating public IP %s", ipName)
	}
	if err != nil {
		return mapComputeError(err)
	}

	subnetID, err := c.EnsureSubnet(ctx, spec.Region, api.DefaultNetworkConfig)
	if err != nil {
		return err
	}
	if subnetID == "" {
		// subnet still provisioning, retry next tick
		return nil
	}

	nicName := spec.Name + "-nic"
	nic, err := c.nics.Get(ctx, c.resourceGroup, nicName, nil)
	if IsNotFound(err) {
		_, err = c.nics.BeginCreateOrUpdate(ctx, c.resourceGroup, nicName, armnetwork.Interface{
			Location: to.Ptr(spec.Region),
			Tags:     tags,
			Properties: &armnetwork.InterfacePropertiesFormat{
				IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
					Name: to.Ptr("ipConfig0"),
					Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
						Subnet:          &armnetwork.Subnet{ID: to.Ptr(subnetID)},
						PublicIPAddress: &armnetwork.PublicIPAddress{ID: ip.ID},
					},
				}},
			},
		}, nil)
		return errors.Wrapf(mapComputeError(err), "failed to start creating NIC %s", nicName)
	}
	if err != nil {
		return mapComputeError(err)
	}

	if err := c.ensureNSG(ctx, spec.Region, spec.NSG, nic); err != nil {
		return err
	}

	_, err = c.vms.Get(ctx, c.resourceGroup, spec.Name, nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return mapComputeError(err)
	}

	_, err = c.vms.BeginCreateOrUpdate(ctx, c.resourceGroup, spec.Name, armcompute.VirtualMachine{
		Location: to.Ptr(spec.Region),
		Tags:     tags,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(spec.VMSku)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: imageReference(spec.Image),
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(spec.Name),
				AdminUsername: to.Ptr(adminUsername),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", adminUsername)),
							KeyData: to.Ptr(spec.SSHPublicKey),
						}},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: nic.ID,
				}},
			},
		},
	}, nil)
	return errors.Wrapf(mapComputeError(err), "failed to start creating VM %s", spec.Name)
}

// GetVM implements Client.
func (c *AzureClient) GetVM(ctx context.Context, name, region string) (*VMInfo, error) {
	resp, err := c.vms.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, mapComputeError(err)
	}
	info := &VMInfo{Name: name}
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		info.ProvisioningState = *resp.Properties.ProvisioningState
	}

	ip, err := c.publicIPs.Get(ctx, c.resourceGroup, name+"-ip", nil)
	if err == nil && ip.Properties != nil {
		info.PublicIP = ip.Properties.IPAddress
	}
	nic, err := c.nics.Get(ctx, c.resourceGroup, name+"-nic", nil)
	if err == nil && nic.Properties != nil {
		for _, cfg := range nic.Properties.IPConfigurations {
			if cfg.Properties != nil && cfg.Properties.PrivateIPAddress != nil {
				info.PrivateIP = cfg.Properties.PrivateIPAddress
				break
			}
		}
	}
	return info, nil
}

// DeleteVM implements Client. The VM goes first; its NIC and public IP are
// deleted on later calls once the VM is gone. Returns true only when every
// piece is gone.
func (c *AzureClient) DeleteVM(ctx context.Context, name string) (bool, error) {
	_, err := c.vms.Get(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = c.vms.BeginDelete(ctx, c.resourceGroup, name, nil)
		return false, mapComputeError(err)
	}
	if !IsNotFound(err) {
		return false, mapComputeError(err)
	}

	nicName := name + "-nic"
	_, err = c.nics.Get(ctx, c.resourceGroup, nicName, nil)
	if err == nil {
		_, err = c.nics.BeginDelete(ctx, c.resourceGroup, nicName, nil)
		return false, mapComputeError(err)
	}
	if !IsNotFound(err) {
		return false, mapComputeError(err)
	}

	ipName := name + "-ip"
	_, err = c.publicIPs.Get(ctx, c.resourceGroup, ipName, nil)
	if err == nil {
		_, err = c.publicIPs.BeginDelete(ctx, c.resourceGroup, ipName, nil)
		return false, mapComputeError(err)
	}
	if !IsNotFound(err) {
		return false, mapComputeError(err)
	}
	return true, nil
}
