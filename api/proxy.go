// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// VMState is the lifecycle of a single service-owned VM (the SSH proxy).
type VMState string

const (
	VMInit               VMState = "init"
	VMExtensionsLaunch   VMState = "extensions_launch"
	VMExtensionsLaunched VMState = "extensions_launched"
	VMVMAllocationFailed VMState = "vm_allocation_failed"
	VMRunning            VMState = "running"
	VMStopping           VMState = "stopping"
	VMStopped            VMState = "stopped"
)

// VMStatesNeedingWork are the states the proxy reconciler drives.
var VMStatesNeedingWork = []VMState{
	VMInit, VMExtensionsLaunch, VMStopping,
}

// VMStatesAvailable are states in which a proxy can serve or will soon
// serve forwards.
var VMStatesAvailable = []VMState{
	VMInit, VMExtensionsLaunch, VMExtensionsLaunched, VMRunning,
}

const (
	// ProxyLifespan is the maximum age before a proxy is marked outdated and
	// replaced on demand.
	ProxyLifespan = 7 * 24 * time.Hour
	// ProxyHeartbeatTTL is how stale a proxy heartbeat may be before the
	// proxy is considered dead.
	ProxyHeartbeatTTL = 10 * time.Minute
)

// ProxyHeartbeatData is the payload the proxy VM posts on the proxy queue.
type ProxyHeartbeatData struct {
	Region    string    `json:"region"`
	ProxyID   uuid.UUID `json:"proxy_id"`
	Forwards  []Forward `json:"forwards"`
	Timestamp time.Time `json:"timestamp"`
}

// Proxy is a short-lived VM providing SSH port-forwarding into nodes, one
// live instance per region.
type Proxy struct {
	storage.Meta
	Region           string              `json:"region"`
	ProxyID          uuid.UUID           `json:"proxy_id"`
	CreatedTimestamp time.Time           `json:"created_timestamp"`
	State            VMState             `json:"state"`
	Auth             *Authentication     `json:"auth,omitempty"`
	IP               *string             `json:"ip,omitempty"`
	Error            *Error              `json:"error,omitempty"`
	Version          string              `json:"version"`
	Heartbeat        *ProxyHeartbeatData `json:"heartbeat,omitempty"`
	Outdated         bool                `json:"outdated"`
}

// ProxyDescriptor maps proxies onto the store, partitioned by region.
var ProxyDescriptor = storage.Descriptor{
	Table:          "Proxy",
	PartitionField: "region",
	RowField:       "proxy_id",
}

// Forward port range for proxy allocations.
const (
	ForwardPortMin = 28000
	ForwardPortMax = 32000 // exclusive
)

// ProxyForward is one allocated relay port. Identity is (region, port), so
// the port is the allocation unit.
type ProxyForward struct {
	storage.Meta
	Region     string     `json:"region"`
	Port       int        `json:"port,string"`
	ScalesetID uuid.UUID  `json:"scaleset_id"`
	MachineID  uuid.UUID  `json:"machine_id"`
	ProxyID    *uuid.UUID `json:"proxy_id,omitempty"`
	DstIP      string     `json:"dst_ip"`
	DstPort    int        `json:"dst_port"`
	EndTime    time.Time  `json:"endtime"`
}

// ProxyForwardDescriptor maps forwards onto the store.
var ProxyForwardDescriptor = storage.Descriptor{
	Table:          "ProxyForward",
	PartitionField: "region",
	RowField:       "port",
}

// Forward is the proxy-side view of a ProxyForward, written into the proxy
// config blob.
type Forward struct {
	SrcPort int    `json:"src_port"`
	DstIP   string `json:"dst_ip"`
	DstPort int    `json:"dst_port"`
}

// ToForward projects the allocation into its proxy config form.
func (f *ProxyForward) ToForward() Forward {
	return Forward{SrcPort: f.Port, DstIP: f.DstIP, DstPort: f.DstPort}
}
