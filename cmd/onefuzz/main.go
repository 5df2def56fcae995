// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// The onefuzz service binary: runs the reconcilers, the event bus, and the
// webhook delivery worker against Azure storage and compute, or fully
// in-memory for local development.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/microsoft/onefuzz/blobs"
	"github.com/microsoft/onefuzz/compute"
	"github.com/microsoft/onefuzz/config"
	"github.com/microsoft/onefuzz/events"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
	"github.com/microsoft/onefuzz/workers"
)

// version is stamped by the build.
var version = "0.0.0-dev"

func main() {
	var (
		devMode      bool
		tickInterval time.Duration
		pruneEvery   time.Duration
	)
	flag.BoolVar(&devMode, "dev", false, "run against in-memory backends")
	flag.DurationVar(&tickInterval, "tick-interval", 15*time.Second, "delay between reconciler passes")
	flag.DurationVar(&pruneEvery, "prune-interval", time.Hour, "delay between webhook log pruning passes")
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	log := textlogger.NewLogger(textlogger.NewConfig())

	if err := run(log, devMode, tickInterval, pruneEvery); err != nil {
		log.Error(err, "service failed")
		os.Exit(1)
	}
}

func run(log logr.Logger, devMode bool, tickInterval, pruneEvery time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.FromEnv()
	if err != nil {
		if !devMode {
			return err
		}
		settings = &config.Settings{InstanceName: "onefuzz-dev", ResourceGroup: "onefuzz-dev"}
	}

	var (
		store     storage.Client
		queues    queue.Client
		blobStore blobs.Client
		cloud     compute.Client
	)
	if devMode {
		store = storage.NewMemStore()
		queues = queue.NewMemQueue()
		blobStore = blobs.NewMemBlobs()
		cloud = compute.NewFake()
	} else {
		store, queues, blobStore, cloud, err = azureBackends(settings)
		if err != nil {
			return err
		}
	}

	instanceConfig, err := config.LoadInstanceConfig(ctx, blobStore)
	if err != nil {
		return err
	}

	instanceID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(settings.InstanceName))
	sink := events.NewBus(log.WithName("events"), queues, store, instanceID, settings.InstanceName)
	deliverer := events.NewDeliverer(log.WithName("webhooks"), queues, store)

	svc := workers.NewService(log.WithName("workers"), store, queues, blobStore, cloud,
		sink, settings, instanceConfig, version)
	if err := svc.Init(ctx); err != nil {
		return errors.Wrap(err, "failed to initialize backing resources")
	}

	log.Info("service started", "instance", settings.InstanceName, "version", version, "dev", devMode)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	pruner := time.NewTicker(pruneEvery)
	defer pruner.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			svc.Tick(ctx)
			if err := deliverer.ProcessQueue(ctx, 32); err != nil {
				log.Error(err, "webhook delivery pass failed")
			}
		case <-pruner.C:
			if err := deliverer.PruneLogs(ctx); err != nil {
				log.Error(err, "webhook log pruning failed")
			}
		}
	}
}

func azureBackends(settings *config.Settings) (storage.Client, queue.Client, blobs.Client, compute.Client, error) {
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build Azure credential")
	}

	account := settings.FuncStorage
	key := os.Getenv("AZURE_STORAGE_KEY")
	if account == "" || key == "" {
		return nil, nil, nil, nil, errors.New("storage account settings are incomplete")
	}

	tables, err := aztables.NewServiceClient(
		fmt.Sprintf("https://%s.table.core.windows.net", account), credential, nil)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build table client")
	}

	queueCred, err := azqueue.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build queue credential")
	}
	queueService, err := azqueue.NewServiceClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.queue.core.windows.net", account), queueCred, nil)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build queue client")
	}

	blobCred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build blob credential")
	}
	blobClient, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", account), blobCred, nil)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to build blob client")
	}

	cloud, err := compute.NewAzureClient(settings.Subscription, settings.ResourceGroup, credential)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return storage.NewTableStore(tables), queue.NewStorageQueue(queueService, queueCred),
		blobs.NewBlobStore(blobClient, blobCred), cloud, nil
}
