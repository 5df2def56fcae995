// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package compute

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/api"
)

// FakeScaleset is the fake's record of one VMSS.
type FakeScaleset struct {
	Spec              ScalesetSpec
	Capacity          int64
	ProvisioningState string
	Instances         map[uuid.UUID]string
	Reimaged          []string
	Deleted           []string

	nextInstance int
}

// FakeVM is the fake's record of one proxy VM.
type FakeVM struct {
	Spec              VMSpec
	ProvisioningState string
	PublicIP          string
	PrivateIP         string
}

// Fake is an in-memory Client for local runs and tests. Resources provision
// instantly; tests mutate the exported fields to simulate cloud drift.
type Fake struct {
	mu        sync.Mutex
	Scalesets map[string]*FakeScaleset
	VMs       map[string]*FakeVM

	// FailNext causes the next mutating call to return ErrUnableToUpdate.
	FailNext bool
}

var _ Client = (*Fake)(nil)

// NewFake returns an empty fake cloud.
func NewFake() *Fake {
	return &Fake{
		Scalesets: map[string]*FakeScaleset{},
		VMs:       map[string]*FakeVM{},
	}
}

func (f *Fake) failNext() error {
	if f.FailNext {
		f.FailNext = false
		return ErrUnableToUpdate
	}
	return nil
}

// CreateScaleset implements Client.
func (f *Fake) CreateScaleset(_ context.Context, spec ScalesetSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	ss := &FakeScaleset{
		Spec:              spec,
		Capacity:          spec.Capacity,
		ProvisioningState: ProvisioningSucceeded,
		Instances:         map[uuid.UUID]string{},
	}
	f.Scalesets[spec.Name] = ss
	f.fillInstancesLocked(ss)
	return nil
}

func (f *Fake) fillInstancesLocked(ss *FakeScaleset) {
	for int64(len(ss.Instances)) < ss.Capacity {
		ss.Instances[uuid.New()] = fmt.Sprintf("%d", ss.nextInstance)
		ss.nextInstance++
	}
}

// GetScaleset implements Client.
func (f *Fake) GetScaleset(_ context.Context, name string) (*ScalesetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.Scalesets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &ScalesetInfo{
		Name:              name,
		Capacity:          ss.Capacity,
		ProvisioningState: ss.ProvisioningState,
		PrincipalID:       "fake-principal",
	}, nil
}

// ResizeScaleset implements Client.
func (f *Fake) ResizeScaleset(_ context.Context, name string, capacity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	ss, ok := f.Scalesets[name]
	if !ok {
		return ErrNotFound
	}
	ss.Capacity = capacity
	f.fillInstancesLocked(ss)
	return nil
}

// DeleteScaleset implements Client.
func (f *Fake) DeleteScaleset(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Scalesets[name]; !ok {
		return true, nil
	}
	delete(f.Scalesets, name)
	return false, nil
}

// ListInstanceIDs implements Client.
func (f *Fake) ListInstanceIDs(_ context.Context, name string) (map[uuid.UUID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.Scalesets[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[uuid.UUID]string, len(ss.Instances))
	for k, v := range ss.Instances {
		out[k] = v
	}
	return out, nil
}

// ReimageInstances implements Client.
func (f *Fake) ReimageInstances(_ context.Context, name string, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	ss, ok := f.Scalesets[name]
	if !ok {
		return ErrNotFound
	}
	ss.Reimaged = append(ss.Reimaged, instanceIDs...)
	return nil
}

// DeleteInstances implements Client.
func (f *Fake) DeleteInstances(_ context.Context, name string, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	ss, ok := f.Scalesets[name]
	if !ok {
		return ErrNotFound
	}
	ss.Deleted = append(ss.Deleted, instanceIDs...)
	for machineID, instanceID := range ss.Instances {
		for _, id := range instanceIDs {
			if id == instanceID {
				delete(ss.Instances, machineID)
			}
		}
	}
	if int64(len(ss.Instances)) < ss.Capacity {
		ss.Capacity = int64(len(ss.Instances))
	}
	return nil
}

// CreateVM implements Client.
func (f *Fake) CreateVM(_ context.Context, spec VMSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.VMs[spec.Name]; ok {
		return nil
	}
	f.VMs[spec.Name] = &FakeVM{
		Spec:              spec,
		ProvisioningState: ProvisioningSucceeded,
		PublicIP:          "192.0.2.1",
		PrivateIP:         "10.0.0.4",
	}
	return nil
}

// GetVM implements Client.
func (f *Fake) GetVM(_ context.Context, name, _ string) (*VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.VMs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &VMInfo{
		Name:              name,
		ProvisioningState: vm.ProvisioningState,
		PublicIP:          &vm.PublicIP,
		PrivateIP:         &vm.PrivateIP,
	}, nil
}

// DeleteVM implements Client.
func (f *Fake) DeleteVM(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.VMs[name]; !ok {
		return true, nil
	}
	delete(f.VMs, name)
	return false, nil
}

// EnsureSubnet implements Client.
func (f *Fake) EnsureSubnet(_ context.Context, region string, _ api.NetworkConfig) (string, error) {
	return "/subscriptions/fake/resourceGroups/fake/providers/Microsoft.Network/virtualNetworks/" + region + "/subnets/onefuzz", nil
}

// ImageOS implements Client. Windows marketplace offers are recognized by
// publisher; everything else is Linux.
func (f *Fake) ImageOS(_ context.Context, _ string, image string) (api.OS, error) {
	if strings.HasPrefix(strings.ToLower(image), "microsoftwindows") {
		return api.Windows, nil
	}
	return api.Linux, nil
}
