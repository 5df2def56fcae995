// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/microsoft/onefuzz/api"
)

// newAuthentication mints the credential set stamped onto a scaleset or
// proxy VM: an RSA keypair in OpenSSH form plus a throwaway password for
// Windows images.
func newAuthentication() (*api.Authentication, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate RSA key")
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	publicKey, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive SSH public key")
	}
	return &api.Authentication{
		Password:   uuid.New().String(),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
		PrivateKey: string(privatePEM),
	}, nil
}

// validateSSHPublicKey rejects anything that does not parse as a single
// OpenSSH authorized_keys entry before it is queued to a node.
func validateSSHPublicKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return errors.New("empty SSH public key")
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return errors.New("SSH public key must be a single line")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed)); err != nil {
		return errors.Wrap(err, "invalid SSH public key")
	}
	return nil
}
