// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package blobs is the container collaborator: task inputs and outputs live
// in blob containers the core only ever hands out as scoped SAS URLs or
// writes small config blobs into.
package blobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
)

// Well-known containers.
const (
	ContainerVMScripts     = "vm-scripts"
	ContainerProxyConfigs  = "proxy-configs"
	ContainerTaskConfigs   = "task-configs"
	ContainerReproScripts  = "repro-scripts"
	ContainerInstanceSetup = "instance-specific-setup"
	ContainerTools         = "tools"
	ContainerBaseConfig    = "base-config"
)

// ErrContainerNotFound is returned when the container does not exist.
var ErrContainerNotFound = errors.New("container not found")

// Permissions scope a container SAS URL.
type Permissions struct {
	Read   bool
	Write  bool
	List   bool
	Delete bool
	Create bool
}

// FromContainerPermissions converts a task definition's permission list.
func FromContainerPermissions(perms []api.ContainerPermission) Permissions {
	var p Permissions
	for _, perm := range perms {
		switch perm {
		case api.PermRead:
			p.Read = true
		case api.PermWrite:
			p.Write = true
		case api.PermList:
			p.List = true
		case api.PermDelete:
			p.Delete = true
		case api.PermCreate:
			p.Create = true
		}
	}
	return p
}

// Client is the container collaborator interface.
type Client interface {
	// CreateContainer creates the container; existing containers are not an
	// error.
	CreateContainer(ctx context.Context, container string) error
	// ContainerExists reports whether the container exists.
	ContainerExists(ctx context.Context, container string) (bool, error)
	// Upload writes a blob, replacing any existing content.
	Upload(ctx context.Context, container, path string, data []byte) error
	// Download reads a blob or returns ErrContainerNotFound /
	// storage-level not-found errors.
	Download(ctx context.Context, container, path string) ([]byte, error)
	// ContainerSASURL returns a scoped, time-limited container URL.
	ContainerSASURL(ctx context.Context, container string, perms Permissions, expiry time.Duration) (string, error)
}

// UploadJSON marshals the model and uploads it.
func UploadJSON(ctx context.Context, c Client, container, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal blob %s/%s", container, path)
	}
	return c.Upload(ctx, container, path, data)
}

// DownloadJSON downloads and unmarshals a blob.
func DownloadJSON(ctx context.Context, c Client, container, path string, v interface{}) error {
	data, err := c.Download(ctx, container, path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, v), "failed to unmarshal blob %s/%s", container, path)
}
