/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/parent"
	"github.com/karpenter-sh/executor-scheduler/pkg/podfactory"
)

// Config bundles the values Backend needs that are not collaborator
// interfaces, mirroring the shape of pkg/config.Config so callers can
// construct one straight from validated configuration.
type Config struct {
	Namespace          string
	DriverPodName      string
	AppID              string
	DriverURL          string
	InitialExecutors   int64
	DynamicAllocation  bool
	TickInterval       time.Duration
	BatchSize          int
	EnvOverrides       []podfactory.EnvVar
	MinRegisteredRatio float64

	// DynamicAllocationInitial is the initial requestTotal when
	// DynamicAllocation is set. Min/Max are not read here and are not
	// enforced as a floor/ceiling; they are passthrough values for callers
	// that want to clamp their own later RequestTotal calls to this range.
	DynamicAllocationMin     int64
	DynamicAllocationMax     int64
	DynamicAllocationInitial int64
}

// NewBackend wires the core collaborators together: it creates the State and
// the DriverEndpoint RPC hook; Start later builds the Allocator and the
// Watcher once the owner pod is resolved, all sharing the same State.
func NewBackend(cfg Config, cluster cloudprovider.ClusterClient, podFactory podfactory.PodFactory, p parent.Parent) *Backend {
	state := New()
	return &Backend{
		cfg:        cfg,
		state:      state,
		cluster:    cluster,
		podFactory: podFactory,
		parent:     p,
		endpoint:   NewDriverEndpoint(state, p),
	}
}

// Backend is the public entry point and lifecycle owner: it runs the
// allocator and watcher goroutines and exposes the handful of operations
// callers outside this package need.
type Backend struct {
	cfg        Config
	state      *State
	cluster    cloudprovider.ClusterClient
	podFactory podfactory.PodFactory
	parent     parent.Parent
	allocator  *Allocator
	watcher    *Watcher
	endpoint   *DriverEndpoint
	ownerPod   *corev1.Pod

	allocatorCancel context.CancelFunc
	watcherCancel   context.CancelFunc
	allocatorWg     sync.WaitGroup
	watcherWg       sync.WaitGroup
	stopOnce        sync.Once
}

// Start resolves the owner pod, launches the watcher and allocator on
// independently cancelable contexts, and — when dynamic allocation is
// disabled — requests the initial executor count once up front.
func (b *Backend) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)

	if err := b.parent.Start(ctx); err != nil {
		return err
	}

	owner, err := b.cluster.PodByName(ctx, b.cfg.Namespace, b.cfg.DriverPodName)
	if err != nil {
		return err
	}
	b.ownerPod = owner

	b.allocator = NewAllocator(AllocatorConfig{
		TickInterval: b.cfg.TickInterval,
		BatchSize:    b.cfg.BatchSize,
		AppID:        b.cfg.AppID,
		DriverURL:    b.cfg.DriverURL,
		EnvOverrides: b.cfg.EnvOverrides,
	}, b.state, b.cluster, b.podFactory, b.parent, owner)

	b.watcher = NewWatcher(b.state, b.cluster, b.cfg.AppID)

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	b.watcherCancel = watcherCancel
	b.watcherWg.Add(1)
	go func() {
		defer b.watcherWg.Done()
		if err := b.watcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
			logger.Error(err, "pod watcher exited unexpectedly")
		}
	}()

	allocatorCtx, allocatorCancel := context.WithCancel(ctx)
	b.allocatorCancel = allocatorCancel
	b.allocatorWg.Add(1)
	go func() {
		defer b.allocatorWg.Done()
		b.allocator.Run(allocatorCtx)
	}()

	if !b.cfg.DynamicAllocation {
		b.RequestTotal(ctx, b.cfg.InitialExecutors)
	} else if b.cfg.DynamicAllocationInitial > 0 {
		b.RequestTotal(ctx, b.cfg.DynamicAllocationInitial)
	}
	return nil
}

// Stop performs an ordered, idempotent teardown: cancel the allocator timer
// and wait for its in-flight tick to finish before anything else, so a tick
// that is mid-scaleUp cannot insert a pod into state after it has already
// been drained for deletion; then ask the parent to notify executors of
// shutdown, then delete every still-live pod, and only then stop watching
// and close the cluster connection. Each step's errors are logged and
// aggregated but never block a later step.
func (b *Backend) Stop(ctx context.Context) error {
	var errs error
	b.stopOnce.Do(func() {
		logger := log.FromContext(ctx)

		if b.allocatorCancel != nil {
			b.allocatorCancel()
		}
		b.allocatorWg.Wait()

		if err := b.parent.Stop(ctx); err != nil {
			logger.Error(err, "parent shutdown reported an error")
			errs = multierr.Append(errs, err)
		}

		pods := b.state.DrainAllocated()
		if len(pods) > 0 {
			if err := b.cluster.DeletePods(ctx, pods); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		b.state.ClearPodsByIP()

		if b.watcherCancel != nil {
			b.watcherCancel()
		}
		b.watcherWg.Wait()

		if err := b.cluster.Close(); err != nil {
			logger.Error(err, "cluster client close reported an error")
			errs = multierr.Append(errs, err)
		}
	})
	return errs
}

// DriverEndpoint exposes the RPC disconnect hook so the caller's transport
// layer can wire it to connection-loss notifications.
func (b *Backend) DriverEndpoint() *DriverEndpoint { return b.endpoint }

// RequestTotal sets the target executor count the allocator scales toward.
// It always succeeds: the request is recorded even if it cannot be
// satisfied immediately.
func (b *Backend) RequestTotal(_ context.Context, n int64) bool {
	b.state.SetTotalExpected(n)
	return true
}

// KillExecutors moves each named executor into pendingRemoval and
// best-effort deletes its pod immediately; unknown ids are logged and
// skipped without failing the whole batch.
func (b *Backend) KillExecutors(ctx context.Context, ids []executor.ID) bool {
	logger := log.FromContext(ctx)
	pods := make([]*corev1.Pod, 0, len(ids))
	for _, id := range ids {
		pod, ok := b.state.KillExecutor(id)
		if !ok {
			logger.V(1).Info("kill requested for unknown executor id, ignoring", "executorID", id)
			continue
		}
		pods = append(pods, pod)
	}
	if len(pods) > 0 {
		pendingRemovals.Set(float64(b.state.PendingRemovalCount()))
		if err := b.cluster.DeletePods(ctx, pods); err != nil {
			logger.Error(err, "some pods failed to delete during kill")
		}
	}
	return true
}

// PodByIP resolves a live executor pod by its last-known IP.
func (b *Backend) PodByIP(ip string) (*corev1.Pod, bool) {
	return b.state.PodByIP(ip)
}

// SufficientResourcesRegistered reports whether enough executors have
// completed RPC registration relative to InitialExecutors, per
// MinRegisteredRatio (default ratio 0.8 when unset, applied by
// config.ApplyDefaults rather than here).
func (b *Backend) SufficientResourcesRegistered() bool {
	if b.cfg.InitialExecutors <= 0 {
		return true
	}
	threshold := float64(b.cfg.InitialExecutors) * b.cfg.MinRegisteredRatio
	return float64(b.parent.RegisteredCount()) >= threshold
}
