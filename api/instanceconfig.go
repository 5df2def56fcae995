// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import "github.com/google/uuid"

// APIAccessRule scopes an API path to methods and AAD groups.
type APIAccessRule struct {
	Methods       []string    `json:"methods"`
	AllowedGroups []uuid.UUID `json:"allowed_groups"`
}

// NetworkConfig is the address layout for worker virtual networks.
type NetworkConfig struct {
	AddressSpace string `json:"address_space"`
	Subnet       string `json:"subnet"`
}

// DefaultNetworkConfig matches the deployment default.
var DefaultNetworkConfig = NetworkConfig{
	AddressSpace: "10.0.0.0/8",
	Subnet:       "10.0.0.0/16",
}

// NSGConfig restricts who may reach the SSH proxy.
type NSGConfig struct {
	AllowedIPs         []string `json:"allowed_ips"`
	AllowedServiceTags []string `json:"allowed_service_tags"`
}

// GroupMembership maps a principal onto its AAD groups.
type GroupMembership struct {
	PrincipalID uuid.UUID   `json:"principal_id"`
	Groups      []uuid.UUID `json:"groups"`
}

// VMExtensionConfig is one extra VM extension installed on workers.
type VMExtensionConfig struct {
	Name      string                 `json:"name"`
	Publisher string                 `json:"publisher"`
	Type      string                 `json:"type"`
	Version   string                 `json:"version"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
}

// InstanceConfig is the instance-scope configuration, stored as a JSON blob
// in the base-config container.
type InstanceConfig struct {
	Admins            []uuid.UUID              `json:"admins,omitempty"`
	AllowedAADTenants []uuid.UUID              `json:"allowed_aad_tenants,omitempty"`
	APIAccessRules    map[string]APIAccessRule `json:"api_access_rules,omitempty"`
	GroupMembership   []GroupMembership        `json:"group_membership,omitempty"`

	NetworkConfig  NetworkConfig `json:"network_config"`
	ProxyNSGConfig NSGConfig     `json:"proxy_nsg_config"`
	ProxyVMSku     string        `json:"proxy_vm_sku,omitempty"`

	DefaultWindowsVMImage string `json:"default_windows_vm_image,omitempty"`
	DefaultLinuxVMImage   string `json:"default_linux_vm_image,omitempty"`

	VMSSTags   map[string]string   `json:"vmss_tags,omitempty"`
	Extensions []VMExtensionConfig `json:"extensions,omitempty"`

	RequireAdminPrivileges bool `json:"require_admin_privileges,omitempty"`
}

// DefaultInstanceConfig returns the configuration applied before an admin
// customizes anything.
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		NetworkConfig:         DefaultNetworkConfig,
		ProxyVMSku:            "Standard_B2s",
		DefaultWindowsVMImage: "MicrosoftWindowsDesktop:Windows-10:win10-21h2-pro:latest",
		DefaultLinuxVMImage:   "Canonical:UbuntuServer:18.04-LTS:latest",
	}
}
