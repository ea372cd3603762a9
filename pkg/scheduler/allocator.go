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
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/parent"
	"github.com/karpenter-sh/executor-scheduler/pkg/podfactory"
)

// AllocatorConfig holds the per-application values an Allocator needs that
// are not collaborator interfaces: pod-template inputs that belong to this
// application's submission, and the tick cadence and batch cap that bound
// how aggressively it scales up.
type AllocatorConfig struct {
	TickInterval time.Duration
	BatchSize    int
	AppID        string
	DriverURL    string
	EnvOverrides []podfactory.EnvVar
}

// Allocator runs the periodic reconcile tick: first resolving executors
// whose pods have disconnected, then scaling up toward the requested total.
// Disconnect-handling always precedes creation within a tick.
type Allocator struct {
	cfg        AllocatorConfig
	state      *State
	cluster    cloudprovider.ClusterClient
	podFactory podfactory.PodFactory
	parent     parent.Parent
	ownerPod   *corev1.Pod
}

// NewAllocator constructs an Allocator. ownerPod anchors the owner reference
// every created executor pod carries, so the cluster garbage-collects them
// if the owning driver pod is ever removed directly.
func NewAllocator(cfg AllocatorConfig, state *State, cluster cloudprovider.ClusterClient, podFactory podfactory.PodFactory, p parent.Parent, ownerPod *corev1.Pod) *Allocator {
	return &Allocator{
		cfg:        cfg,
		state:      state,
		cluster:    cluster,
		podFactory: podFactory,
		parent:     p,
		ownerPod:   ownerPod,
	}
}

// Run ticks at cfg.TickInterval until ctx is cancelled.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one reconcile pass: disconnect-handling always precedes
// creation. Exported so callers needing deterministic
// control over reconcile timing (tests, or an embedder driving its own
// schedule) can invoke a single pass directly instead of through Run's
// ticker.
func (a *Allocator) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	a.reconcileDisconnections(ctx)
	a.scaleUp(ctx)
}

// reconcileDisconnections drains pendingRemoval and, for each entry, either
// resolves it with a known exit reason or bumps its reasonCheckCounts,
// falling back to an unknown-reason removal once MaxReasonChecks is
// reached. Entries still unresolved are requeued for the next tick.
func (a *Allocator) reconcileDisconnections(ctx context.Context) {
	logger := log.FromContext(ctx)
	for _, pr := range a.state.DrainPendingRemovals() {
		if reason, ok := a.state.TakeKnownExitReason(pr.Pod.Name); ok {
			a.resolve(ctx, pr.ID, pr.Pod, reason)
			continue
		}

		checks := a.state.IncrementReasonCheck(pr.ID)
		if checks >= executor.MaxReasonChecks {
			logger.Info("executor lost for unknown reasons, giving up on exit reason", "executorID", pr.ID, "pod", pr.Pod.Name)
			a.resolve(ctx, pr.ID, pr.Pod, executor.ExitReason{
				ExitCode:    executor.UnknownExitCode,
				CausedByApp: false,
				Message:     "Executor lost for unknown reasons.",
			})
			continue
		}
		a.state.RequeuePendingRemoval(pr.ID, pr.Pod)
	}
	pendingRemovals.Set(float64(a.state.PendingRemovalCount()))
}

// resolve notifies the parent, deletes the backing pod unless the exit was
// application-caused (then the pod is left in the cluster and only the
// bookkeeping is erased), and erases all trace of the executor from State.
func (a *Allocator) resolve(ctx context.Context, id executor.ID, pod *corev1.Pod, reason executor.ExitReason) {
	logger := log.FromContext(ctx).WithValues("executorID", id, "pod", pod.Name)
	a.parent.RemoveExecutor(id, reason)
	recordReaped(reason.CausedByApp)

	if !reason.CausedByApp {
		if err := a.cluster.DeletePod(ctx, pod); err != nil {
			logger.Error(err, "failed to delete pod for reaped executor")
		}
	}
	a.state.EraseExecutor(id, pod.Name)
	executorsAllocated.Set(float64(a.state.ExecutorCount()))
	logger.Info("executor reaped", "reason", reason)
}

// scaleUp submits new executor pods up to min(expected-running, BatchSize),
// but only once the parent has caught up registering the executors it
// already has running: registered must not lag running, else the allocator
// would outrun the parent's own bookkeeping. Node locality is computed once
// per tick and reused across the whole batch.
func (a *Allocator) scaleUp(ctx context.Context) {
	logger := log.FromContext(ctx)

	registered := a.parent.RegisteredCount()
	running := a.state.ExecutorCount()
	expected := a.state.TotalExpected()

	if int64(registered) < int64(running) {
		return
	}
	need := expected - int64(running)
	if need <= 0 {
		return
	}

	batch := lo.Min([]int{int(need), a.cfg.BatchSize})

	locality := computeNodeLocality(ctx, a.parent.HostToLocalTaskCount(), a.state.OccupiedNodes())

	for i := 0; i < batch; i++ {
		id := a.state.NextExecutorID()

		pod, err := a.podFactory.Create(ctx, id, a.cfg.AppID, a.cfg.DriverURL, a.cfg.EnvOverrides, a.ownerPod, locality)
		if err != nil {
			logger.Error(err, "failed to build pod template, abandoning executor id", "executorID", id)
			podsCreateFailedTotal.Inc()
			continue
		}

		accepted, err := a.cluster.CreatePod(ctx, pod)
		if err != nil {
			logger.Error(err, "failed to create pod, abandoning executor id", "executorID", id)
			podsCreateFailedTotal.Inc()
			continue
		}

		if err := a.state.InsertAllocated(id, accepted); err != nil {
			logger.Error(err, "failed to record newly created executor", "executorID", id)
			continue
		}
		podsCreatedTotal.Inc()
	}
	executorsAllocated.Set(float64(a.state.ExecutorCount()))
}
