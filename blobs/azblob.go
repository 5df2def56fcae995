// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package blobs

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/pkg/errors"
)

// BlobStore is the Azure Blob storage backend.
type BlobStore struct {
	client     *azblob.Client
	credential *azblob.SharedKeyCredential
}

// NewBlobStore wraps an azblob client; the shared key credential is needed
// to mint container SAS URLs.
func NewBlobStore(client *azblob.Client, credential *azblob.SharedKeyCredential) *BlobStore {
	return &BlobStore{client: client, credential: credential}
}

// CreateContainer implements Client.
func (s *BlobStore) CreateContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return errors.Wrapf(err, "failed to create container %s", container)
}

// ContainerExists implements Client.
func (s *BlobStore) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := s.client.ServiceClient().NewContainerClient(container).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to probe container %s", container)
	}
	return true, nil
}

// Upload implements Client.
func (s *BlobStore) Upload(ctx context.Context, container, path string, data []byte) error {
	_, err := s.client.UploadStream(ctx, container, path, bytes.NewReader(data), nil)
	return errors.Wrapf(err, "failed to upload %s/%s", container, path)
}

// Download implements Client.
func (s *BlobStore) Download(ctx context.Context, container, path string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, container, path, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return nil, ErrContainerNotFound
		}
		return nil, errors.Wrapf(err, "failed to download %s/%s", container, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrapf(err, "failed to read %s/%s", container, path)
}

// ContainerSASURL implements Client.
func (s *BlobStore) ContainerSASURL(ctx context.Context, container string, perms Permissions, expiry time.Duration) (string, error) {
	if s.credential == nil {
		return "", errors.New("container SAS requires a shared key credential")
	}
	sasPerms := sas.ContainerPermissions{
		Read:   perms.Read,
		Write:  perms.Write,
		List:   perms.List,
		Delete: perms.Delete,
		Create: perms.Create,
	}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC().Add(-10 * time.Minute),
		ExpiryTime:    time.Now().UTC().Add(expiry),
		ContainerName: container,
		Permissions:   sasPerms.String(),
	}
	params, err := values.SignWithSharedKey(s.credential)
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign SAS for container %s", container)
	}
	return s.client.ServiceClient().NewContainerClient(container).URL() + "?" + params.Encode(), nil
}
