// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
	"github.com/microsoft/onefuzz/compute"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// proxyConfig is the blob the proxy VM polls for its forwarding table.
type proxyConfig struct {
	Region       string        `json:"region"`
	ProxyID      uuid.UUID     `json:"proxy_id"`
	URL          string        `json:"url"`
	Notification string        `json:"notification"`
	Forwards     []api.Forward `json:"forwards"`
	InstanceName string        `json:"instance_name"`
}

// GetOrCreateProxy returns the region's live proxy, creating one when none
// is usable. Outdated proxies keep serving existing forwards until they
// drain, but never take new ones.
func (s *Service) GetOrCreateProxy(ctx context.Context, region string) (*api.Proxy, error) {
	proxies, err := s.Proxies.Search(ctx, storage.Query{
		Eq: map[string][]string{"region": {region}},
	}, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list proxies")
	}
	for _, proxy := range proxies {
		if proxy.Outdated {
			continue
		}
		for _, st := range api.VMStatesAvailable {
			if proxy.State == st {
				return proxy, nil
			}
		}
	}

	auth, err := newAuthentication()
	if err != nil {
		return nil, err
	}
	proxy := &api.Proxy{
		Region:           region,
		ProxyID:          uuid.New(),
		CreatedTimestamp: s.now().UTC(),
		State:            api.VMInit,
		Auth:             auth,
		Version:          s.Version,
	}
	if err := s.Proxies.Insert(ctx, proxy); err != nil {
		return nil, errors.Wrap(err, "failed to store proxy")
	}
	s.Events.Emit(ctx, api.EventProxyCreated{Region: region, ProxyID: &proxy.ProxyID})
	return proxy, nil
}

func (s *Service) proxyVMName(proxy *api.Proxy) string {
	return fmt.Sprintf("proxy-%s", proxy.ProxyID)
}

// RequestForward allocates a relay port on the region's proxy for an SSH
// session into one node. The lowest free port wins; a full range is a hard
// failure.
func (s *Service) RequestForward(ctx context.Context, region string, scalesetID, machineID uuid.UUID, dstIP string, dstPort int, duration time.Duration) (*api.ProxyForward, *api.Error) {
	forwards, err := s.Forwards.Search(ctx, storage.Query{
		Eq: map[string][]string{"region": {region}},
	}, 0)
	if err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to list forwards: %v", err)
	}

	endTime := s.now().UTC().Add(duration)
	inUse := map[int]bool{}
	for _, fwd := range forwards {
		if fwd.MachineID == machineID && fwd.DstPort == dstPort {
			fwd.EndTime = endTime
			if err := s.Forwards.Replace(ctx, fwd); err != nil {
				return nil, api.Errorf(api.ErrorUnableToUpdate, "failed to extend forward: %v", err)
			}
			return fwd, nil
		}
		inUse[fwd.Port] = true
	}

	for port := api.ForwardPortMin; port < api.ForwardPortMax; port++ {
		if inUse[port] {
			continue
		}
		fwd := &api.ProxyForward{
			Region:     region,
			Port:       port,
			ScalesetID: scalesetID,
			MachineID:  machineID,
			DstIP:      dstIP,
			DstPort:    dstPort,
			EndTime:    endTime,
		}
		if err := s.Forwards.Insert(ctx, fwd); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// lost the port to a concurrent allocation, try the next one
				continue
			}
			return nil, api.Errorf(api.ErrorUnableToCreate, "failed to store forward: %v", err)
		}
		return fwd, nil
	}
	return nil, api.Errorf(api.ErrorUnableToPortForward, "no relay ports free in region %s", region)
}

// ProcessProxies ages out proxies, expires forwards, and drives proxy VMs
// needing work.
func (s *Service) ProcessProxies(ctx context.Context) error {
	if err := s.expireForwards(ctx); err != nil {
		return err
	}

	now := s.now().UTC()
	if err := forEach(ctx, s, s.Proxies, storage.Query{}, "proxy", func(ctx context.Context, proxy *api.Proxy) error {
		if !proxy.Outdated && (proxy.Version != s.Version || now.Sub(proxy.CreatedTimestamp) > api.ProxyLifespan) {
			s.Log.Info("proxy is outdated", "region", proxy.Region, "proxyID", proxy.ProxyID)
			proxy.Outdated = true
			if err := s.Proxies.Replace(ctx, proxy); err != nil {
				return err
			}
		}

		alive := false
		for _, st := range api.VMStatesAvailable {
			if proxy.State == st {
				alive = true
			}
		}
		if !alive {
			return nil
		}

		// a proxy that never heartbeat at all is judged by its age
		lastSeen := proxy.CreatedTimestamp
		if proxy.Heartbeat != nil {
			lastSeen = proxy.Heartbeat.Timestamp
		}
		if proxy.State == api.VMRunning && lastSeen.Before(now.Add(-api.ProxyHeartbeatTTL)) {
			s.Log.Info("proxy heartbeat expired", "region", proxy.Region, "proxyID", proxy.ProxyID)
			proxy.Error = api.Errorf(api.ErrorProxyFailed, "proxy heartbeat expired")
			proxy.State = api.VMStopping
			if err := s.Proxies.Replace(ctx, proxy); err != nil {
				return err
			}
			s.Events.Emit(ctx, api.EventProxyFailed{
				Region:  proxy.Region,
				ProxyID: &proxy.ProxyID,
				Error:   *proxy.Error,
			})
			return nil
		}

		if proxy.Outdated {
			forwards, err := s.Forwards.Search(ctx, storage.Query{
				Eq: map[string][]string{"proxy_id": {proxy.ProxyID.String()}},
			}, 1)
			if err != nil {
				return err
			}
			if len(forwards) == 0 {
				proxy.State = api.VMStopping
				return s.Proxies.Replace(ctx, proxy)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return forEach(ctx, s, s.Proxies, statesQuery("state", api.VMStatesNeedingWork), "proxy", s.processProxy)
}

// removeNodeForwards drops every relay pointing at the machine.
func (s *Service) removeNodeForwards(ctx context.Context, machineID uuid.UUID) error {
	forwards, err := s.Forwards.Search(ctx, storage.Query{
		Eq: map[string][]string{"machine_id": {machineID.String()}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list node forwards")
	}
	for _, fwd := range forwards {
		if err := s.Forwards.Delete(ctx, fwd); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) expireForwards(ctx context.Context) error {
	q := storage.Query{Before: map[string]time.Time{"endtime": s.now().UTC()}}
	return forEach(ctx, s, s.Forwards, q, "forward", func(ctx context.Context, fwd *api.ProxyForward) error {
		err := s.Forwards.Delete(ctx, fwd)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (s *Service) processProxy(ctx context.Context, proxy *api.Proxy) error {
	for i := 0; i < maxStateUpdates; i++ {
		before := proxy.State
		var err error
		switch proxy.State {
		case api.VMInit:
			err = s.proxyInit(ctx, proxy)
		case api.VMExtensionsLaunch:
			err = s.proxyExtensionsLaunch(ctx, proxy)
		case api.VMStopping:
			err = s.proxyStopping(ctx, proxy)
		default:
			return nil
		}
		if compute.IsConflict(err) {
			return nil
		}
		if err != nil || proxy.State == before {
			return err
		}
	}
	return nil
}

func (s *Service) proxyInit(ctx context.Context, proxy *api.Proxy) error {
	image := s.InstanceConfig.DefaultLinuxVMImage
	err := s.Compute.CreateVM(ctx, compute.VMSpec{
		Name:         s.proxyVMName(proxy),
		Region:       proxy.Region,
		VMSku:        s.InstanceConfig.ProxyVMSku,
		Image:        image,
		SSHPublicKey: proxy.Auth.PublicKey,
		NSG:          s.InstanceConfig.ProxyNSGConfig,
		Tags:         s.InstanceConfig.VMSSTags,
	})
	if err != nil {
		proxy.Error = api.Errorf(api.ErrorVMCreateFailed, "failed to create proxy VM: %v", err)
		proxy.State = api.VMVMAllocationFailed
		if rerr := s.Proxies.Replace(ctx, proxy); rerr != nil {
			return rerr
		}
		s.Events.Emit(ctx, api.EventProxyFailed{
			Region:  proxy.Region,
			ProxyID: &proxy.ProxyID,
			Error:   *proxy.Error,
		})
		return nil
	}
	proxy.State = api.VMExtensionsLaunch
	return s.Proxies.Replace(ctx, proxy)
}

func (s *Service) proxyExtensionsLaunch(ctx context.Context, proxy *api.Proxy) error {
	info, err := s.Compute.GetVM(ctx, s.proxyVMName(proxy), proxy.Region)
	if compute.IsNotFound(err) {
		// creation is still stepping through its dependency chain
		return s.proxyInit(ctx, proxy)
	}
	if err != nil {
		return errors.Wrap(err, "failed to probe proxy VM")
	}
	if info.ProvisioningState != compute.ProvisioningSucceeded || info.PublicIP == nil {
		return nil
	}

	proxy.IP = info.PublicIP
	if err := s.SaveProxyConfig(ctx, proxy); err != nil {
		return err
	}
	proxy.State = api.VMRunning
	return s.Proxies.Replace(ctx, proxy)
}

func (s *Service) proxyStopping(ctx context.Context, proxy *api.Proxy) error {
	gone, err := s.Compute.DeleteVM(ctx, s.proxyVMName(proxy))
	if err != nil {
		return errors.Wrap(err, "failed to delete proxy VM")
	}
	if !gone {
		return nil
	}
	proxy.State = api.VMStopped
	if err := s.Proxies.Delete(ctx, proxy); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.Events.Emit(ctx, api.EventProxyDeleted{Region: proxy.Region, ProxyID: &proxy.ProxyID})
	return nil
}

// SaveProxyConfig publishes the proxy's forwarding table and claims the
// region's unowned forwards for this proxy.
func (s *Service) SaveProxyConfig(ctx context.Context, proxy *api.Proxy) error {
	forwards, err := s.Forwards.Search(ctx, storage.Query{
		Eq: map[string][]string{"region": {proxy.Region}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list forwards")
	}
	rendered := make([]api.Forward, 0, len(forwards))
	for _, fwd := range forwards {
		if fwd.ProxyID == nil {
			fwd.ProxyID = &proxy.ProxyID
			if err := s.Forwards.Replace(ctx, fwd); err != nil {
				return err
			}
		}
		if *fwd.ProxyID != proxy.ProxyID {
			continue
		}
		rendered = append(rendered, fwd.ToForward())
	}

	notification, err := s.Queues.SASURL(ctx, queue.Proxy, queue.Permissions{Add: true}, api.ProxyLifespan)
	if err != nil {
		return errors.Wrap(err, "failed to mint proxy queue SAS")
	}
	url := ""
	if proxy.IP != nil {
		url = fmt.Sprintf("https://%s:8080", *proxy.IP)
	}
	return blobs.UploadJSON(ctx, s.Blobs, blobs.ContainerProxyConfigs,
		fmt.Sprintf("%s/%s/config.json", proxy.Region, proxy.ProxyID), proxyConfig{
			Region:       proxy.Region,
			ProxyID:      proxy.ProxyID,
			URL:          url,
			Notification: notification,
			Forwards:     rendered,
			InstanceName: s.InstanceName,
		})
}
