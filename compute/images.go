// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package compute

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
)

// ImageOS implements Client. Marketplace references are four colon-joined
// parts (publisher:offer:sku:version); anything starting with /subscriptions/
// is a custom image or gallery image resource id.
func (c *AzureClient) ImageOS(ctx context.Context, region, image string) (api.OS, error) {
	cacheKey := region + "/" + image
	if os, ok := c.imageOSCache.Get(cacheKey); ok {
		return os, nil
	}

	os, err := c.lookupImageOS(ctx, region, image)
	if err != nil {
		return "", err
	}
	c.imageOSCache.Add(cacheKey, os)
	return os, nil
}

func (c *AzureClient) lookupImageOS(ctx context.Context, region, image string) (api.OS, error) {
	if strings.HasPrefix(strings.ToLower(image), "/subscriptions/") {
		return c.lookupResourceImageOS(ctx, image)
	}

	parts := strings.SplitN(image, ":", 4)
	if len(parts) != 4 {
		return "", errors.Errorf("invalid image reference %q", image)
	}
	version := parts[3]
	if version == "latest" {
		resp, err := c.vmImages.List(ctx, region, parts[0], parts[1], parts[2], &armcompute.VirtualMachineImagesClientListOptions{
			Top:     to.Ptr(int32(1)),
			Orderby: to.Ptr("name desc"),
		})
		if err != nil {
			return "", mapComputeError(err)
		}
		if len(resp.VirtualMachineImageResourceArray) == 0 {
			return "", errors.Errorf("no versions found for image %q", image)
		}
		version = *resp.VirtualMachineImageResourceArray[0].Name
	}
	resp, err := c.vmImages.Get(ctx, region, parts[0], parts[1], parts[2], version, nil)
	if err != nil {
		return "", mapComputeError(err)
	}
	if resp.Properties == nil || resp.Properties.OSDiskImage == nil || resp.Properties.OSDiskImage.OperatingSystem == nil {
		return "", errors.Errorf("image %q has no operating system metadata", image)
	}
	return osFromArm(*resp.Properties.OSDiskImage.OperatingSystem)
}

func (c *AzureClient) lookupResourceImageOS(ctx context.Context, imageID string) (api.OS, error) {
	parts := strings.Split(strings.Trim(imageID, "/"), "/")
	// .../resourceGroups/<rg>/providers/Microsoft.Compute/images/<name>
	// .../resourceGroups/<rg>/providers/Microsoft.Compute/galleries/<g>/images/<name>[/versions/<v>]
	byName := map[string]string{}
	for i := 0; i+1 < len(parts); i += 2 {
		byName[strings.ToLower(parts[i])] = parts[i+1]
	}
	rg := byName["resourcegroups"]
	if rg == "" {
		return "", errors.Errorf("invalid image resource id %q", imageID)
	}

	if gallery, ok := byName["galleries"]; ok {
		resp, err := c.galleryImages.Get(ctx, rg, gallery, byName["images"], nil)
		if err != nil {
			return "", mapComputeError(err)
		}
		if resp.Properties == nil || resp.Properties.OSType == nil {
			return "", errors.Errorf("gallery image %q has no operating system metadata", imageID)
		}
		return osFromArm(*resp.Properties.OSType)
	}

	resp, err := c.images.Get(ctx, rg, byName["images"], nil)
	if err != nil {
		return "", mapComputeError(err)
	}
	if resp.Properties == nil || resp.Properties.StorageProfile == nil ||
		resp.Properties.StorageProfile.OSDisk == nil || resp.Properties.StorageProfile.OSDisk.OSType == nil {
		return "", errors.Errorf("image %q has no operating system metadata", imageID)
	}
	return osFromArm(*resp.Properties.StorageProfile.OSDisk.OSType)
}

func osFromArm(osType armcompute.OperatingSystemTypes) (api.OS, error) {
	switch osType {
	case armcompute.OperatingSystemTypesLinux:
		return api.Linux, nil
	case armcompute.OperatingSystemTypesWindows:
		return api.Windows, nil
	default:
		return "", errors.Errorf("unknown operating system type %q", osType)
	}
}
