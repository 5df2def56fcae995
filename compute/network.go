// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package compute

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
)

const subnetName = "onefuzz"

// EnsureSubnet implements Client. The vnet is named after its region so each
// region gets its own worker network. Returns "" while the subnet is still
// provisioning.
func (c *AzureClient) EnsureSubnet(ctx context.Context, region string, cfg api.NetworkConfig) (string, error) {
	vnetName := region

	vnet, err := c.vnets.Get(ctx, c.resourceGroup, vnetName, nil)
	if IsNotFound(err) {
		_, err = c.vnets.BeginCreateOrUpdate(ctx, c.resourceGroup, vnetName, armnetwork.VirtualNetwork{
			Location: to.Ptr(region),
			Properties: &armnetwork.VirtualNetworkPropertiesFormat{
				AddressSpace: &armnetwork.AddressSpace{
					AddressPrefixes: []*string{to.Ptr(cfg.AddressSpace)},
				},
				Subnets: []*armnetwork.Subnet{{
					Name: to.Ptr(subnetName),
					Properties: &armnetwork.SubnetPropertiesFormat{
						AddressPrefix: to.Ptr(cfg.Subnet),
					},
				}},
			},
		}, nil)
		return "", errors.Wrapf(mapComputeError(err), "failed to start creating vnet %s", vnetName)
	}
	if err != nil {
		return "", mapComputeError(err)
	}

	if vnet.Properties == nil {
		return "", nil
	}
	for _, subnet := range vnet.Properties.Subnets {
		if subnet.Name == nil || *subnet.Name != subnetName {
			continue
		}
		if subnet.Properties != nil && subnet.Properties.ProvisioningState != nil &&
			*subnet.Properties.ProvisioningState != armnetwork.ProvisioningStateSucceeded {
			return "", nil
		}
		if subnet.ID != nil {
			return *subnet.ID, nil
		}
	}
	return "", nil
}

// ensureNSG creates (or updates) the region's proxy NSG and attaches it to
// the NIC. Allow rules are built from the instance config allow list; if the
// list is empty the NSG denies all inbound.
func (c *AzureClient) ensureNSG(ctx context.Context, region string, cfg api.NSGConfig, nic armnetwork.InterfacesClientGetResponse) error {
	nsgName := "onefuzz-proxy-" + region

	rules := []*armnetwork.SecurityRule{}
	priority := int32(100)
	addRule := func(name, source string) {
		rules = append(rules, &armnetwork.SecurityRule{
			Name: to.Ptr(name),
			Properties: &armnetwork.SecurityRulePropertiesFormat{
				Priority:                 to.Ptr(priority),
				Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
				Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
				Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
				SourceAddressPrefix:      to.Ptr(source),
				SourcePortRange:          to.Ptr("*"),
				DestinationAddressPrefix: to.Ptr("*"),
				DestinationPortRange:     to.Ptr("*"),
			},
		})
		priority++
	}
	for i, ip := range cfg.AllowedIPs {
		addRule(fmt.Sprintf("allow-ip-%d", i), ip)
	}
	for i, tag := range cfg.AllowedServiceTags {
		addRule(fmt.Sprintf("allow-tag-%d", i), tag)
	}

	nsg, err := c.nsgs.Get(ctx, c.resourceGroup, nsgName, nil)
	if err != nil && !IsNotFound(err) {
		return mapComputeError(err)
	}
	if IsNotFound(err) || nsg.Properties == nil || len(nsg.Properties.SecurityRules) != len(rules) {
		_, err = c.nsgs.BeginCreateOrUpdate(ctx, c.resourceGroup, nsgName, armnetwork.SecurityGroup{
			Location: to.Ptr(region),
			Properties: &armnetwork.SecurityGroupPropertiesFormat{
				SecurityRules: rules,
			},
		}, nil)
		return errors.Wrapf(mapComputeError(err), "failed to apply NSG %s", nsgName)
	}

	if nic.Properties == nil || nic.Properties.NetworkSecurityGroup != nil {
		return nil
	}
	nic.Properties.NetworkSecurityGroup = &armnetwork.SecurityGroup{ID: nsg.ID}
	_, err = c.nics.BeginCreateOrUpdate(ctx, c.resourceGroup, *nic.Name, nic.Interface, nil)
	return errors.Wrapf(mapComputeError(err), "failed to attach NSG %s", nsgName)
}
