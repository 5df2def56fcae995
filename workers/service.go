// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package workers holds the reconcilers that drive every entity's lifecycle:
// jobs, tasks, pools, scalesets, nodes, and proxies, plus the scheduler and
// the pool autoscaler. Each reconciler is idempotent and driven on a timer;
// a failed entity is logged and retried on the next tick, never blocking the
// rest of its kind.
package workers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
	"github.com/microsoft/onefuzz/compute"
	"github.com/microsoft/onefuzz/config"
	"github.com/microsoft/onefuzz/events"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// maxStateUpdates bounds how many state transitions one entity may make in a
// single tick, so a cyclic state bug cannot spin the reconciler.
const maxStateUpdates = 5

// sasCacheTTL bounds SAS URL reuse. It must stay well under the shortest SAS
// expiry the scheduler issues, which is one hour for a minimum-duration task.
const sasCacheTTL = 15 * time.Minute

// Service bundles the collaborators and typed collections every reconciler
// needs.
type Service struct {
	Log     logr.Logger
	Events  events.Sink
	Queues  queue.Client
	Blobs   blobs.Client
	Compute compute.Client

	// sas caches minted container SAS URLs for the scheduler.
	sas *blobs.SASCache

	Jobs         *storage.Collection[api.Job]
	Tasks        *storage.Collection[api.Task]
	TaskEvents   *storage.Collection[api.TaskEvent]
	Pools        *storage.Collection[api.Pool]
	Scalesets    *storage.Collection[api.Scaleset]
	Nodes        *storage.Collection[api.Node]
	NodeTasks    *storage.Collection[api.NodeTask]
	NodeMessages *storage.Collection[api.NodeMessage]
	Proxies      *storage.Collection[api.Proxy]
	Forwards     *storage.Collection[api.ProxyForward]

	InstanceName            string
	Version                 string
	DisposalStrategy        api.NodeDisposalStrategy
	ScalesetMaxSizeOverride int64
	InstanceConfig          api.InstanceConfig

	// now is swapped in tests to step through time-based sweeps.
	now func() time.Time
}

// NewService wires the reconcilers to their backends.
func NewService(
	log logr.Logger,
	store storage.Client,
	queues queue.Client,
	blobStore blobs.Client,
	cloud compute.Client,
	sink events.Sink,
	settings *config.Settings,
	instanceConfig api.InstanceConfig,
	version string,
) *Service {
	return &Service{
		Log:     log,
		Events:  sink,
		Queues:  queues,
		Blobs:   blobStore,
		Compute: cloud,
		sas:     blobs.NewSASCache(blobStore, sasCacheTTL),

		Jobs:         storage.NewCollection[api.Job](store, api.JobDescriptor),
		Tasks:        storage.NewCollection[api.Task](store, api.TaskDescriptor),
		TaskEvents:   storage.NewCollection[api.TaskEvent](store, api.TaskEventDescriptor),
		Pools:        storage.NewCollection[api.Pool](store, api.PoolDescriptor),
		Scalesets:    storage.NewCollection[api.Scaleset](store, api.ScalesetDescriptor),
		Nodes:        storage.NewCollection[api.Node](store, api.NodeDescriptor),
		NodeTasks:    storage.NewCollection[api.NodeTask](store, api.NodeTaskDescriptor),
		NodeMessages: storage.NewCollection[api.NodeMessage](store, api.NodeMessageDescriptor),
		Proxies:      storage.NewCollection[api.Proxy](store, api.ProxyDescriptor),
		Forwards:     storage.NewCollection[api.ProxyForward](store, api.ProxyForwardDescriptor),

		InstanceName:            settings.InstanceName,
		Version:                 version,
		DisposalStrategy:        settings.DisposalStrategy,
		ScalesetMaxSizeOverride: settings.ScalesetMaxSizeOverride,
		InstanceConfig:          instanceConfig,

		now: time.Now,
	}
}

// Init creates the backing tables, queues, and containers. Safe to call on
// every start.
func (s *Service) Init(ctx context.Context) error {
	collections := []interface{ Init(context.Context) error }{
		s.Jobs, s.Tasks, s.TaskEvents, s.Pools, s.Scalesets,
		s.Nodes, s.NodeTasks, s.NodeMessages, s.Proxies, s.Forwards,
	}
	for _, c := range collections {
		if err := c.Init(ctx); err != nil {
			return errors.Wrap(err, "failed to create table")
		}
	}
	for _, name := range []string{
		queue.NodeHeartbeat, queue.TaskHeartbeat, queue.Proxy,
		queue.Webhooks, queue.FileChanges, queue.SignalREvents, queue.Update,
	} {
		if err := s.Queues.Create(ctx, name); err != nil {
			return errors.Wrapf(err, "failed to create queue %s", name)
		}
	}
	for _, container := range []string{
		blobs.ContainerVMScripts, blobs.ContainerProxyConfigs,
		blobs.ContainerTaskConfigs, blobs.ContainerInstanceSetup,
		blobs.ContainerTools, blobs.ContainerBaseConfig,
	} {
		if err := s.Blobs.CreateContainer(ctx, container); err != nil {
			return errors.Wrapf(err, "failed to create container %s", container)
		}
	}
	return nil
}

// Tick runs one pass of every reconciler. Each reconciler's failure is
// logged and isolated: one broken entity kind never starves the rest.
func (s *Service) Tick(ctx context.Context) {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"jobs", s.ProcessJobs},
		{"tasks", s.ProcessTasks},
		{"scheduler", s.ScheduleTasks},
		{"pools", s.ProcessPools},
		{"scalesets", s.ProcessScalesets},
		{"nodes", s.ProcessNodes},
		{"autoscale", s.AutoscalePools},
		{"proxies", s.ProcessProxies},
		{"node heartbeats", s.ProcessNodeHeartbeats},
		{"task heartbeats", s.ProcessTaskHeartbeats},
		{"proxy heartbeats", s.ProcessProxyHeartbeats},
		{"file changes", s.ProcessFileChanges},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			s.Log.Error(err, "reconciler pass failed", "reconciler", step.name)
		}
	}
}

// forEach runs fn over the entities matching q, logging and continuing on
// per-entity failure. Conflicts are expected when multiple reconcilers race
// on the same entity and are logged at a lower severity.
func forEach[E any](ctx context.Context, s *Service, c *storage.Collection[E], q storage.Query, kind string, fn func(context.Context, *E) error) error {
	entities, err := c.Search(ctx, q, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s entities", kind)
	}
	for _, e := range entities {
		if err := fn(ctx, e); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				s.Log.V(1).Info("lost update race, will retry", "kind", kind)
				continue
			}
			s.Log.Error(err, "failed to process entity", "kind", kind)
		}
	}
	return nil
}

func statesQuery[S ~string](field string, states []S) storage.Query {
	values := make([]string, len(states))
	for i, s := range states {
		values[i] = string(s)
	}
	return storage.Query{Eq: map[string][]string{field: values}}
}
