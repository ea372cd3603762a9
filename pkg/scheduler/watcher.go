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
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// Watcher consumes the cluster's pod event stream for this application and
// records exit reasons and live IPs. It never calls back into the parent
// scheduler directly — resolution and parent notification belong solely to
// the Allocator, so there is a single owner of parent-visible state
// transitions.
type Watcher struct {
	state   *State
	cluster cloudprovider.ClusterClient
	appID   string
	dedup   *terminalEventDedup
}

// NewWatcher constructs a Watcher for appID, backed by state.
func NewWatcher(state *State, cluster cloudprovider.ClusterClient, appID string) *Watcher {
	return &Watcher{
		state:   state,
		cluster: cluster,
		appID:   appID,
		dedup:   newTerminalEventDedup(),
	}
}

// Run opens the labelled watch and processes events serially until ctx is
// cancelled or the stream closes. Reconnection is the responsibility of the
// underlying stream library; if the stream terminates permanently, Run
// returns and the allocator's reason-check fallback takes over exit
// attribution.
func (w *Watcher) Run(ctx context.Context) error {
	watch, err := w.cluster.WatchPodsWithLabel(ctx, executor.AppIDLabelKey, w.appID)
	if err != nil {
		return fmt.Errorf("opening pod watch: %w", err)
	}
	defer watch.Close()

	for {
		select {
		case ev, ok := <-watch.Events():
			if !ok {
				log.FromContext(ctx).V(1).Info("pod watch stream closed")
				return nil
			}
			w.handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev cloudprovider.PodEvent) {
	pod := ev.Pod
	logger := log.FromContext(ctx).WithValues("pod", pod.Name, "action", ev.Action)

	switch {
	case ev.Action == cloudprovider.PodModified && pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil:
		logger.V(1).Info("pod running", "podIP", pod.Status.PodIP)
		w.state.UpsertPodByIP(pod.Status.PodIP, pod)

	case isTerminal(ev):
		w.state.RemovePodByIP(pod.Status.PodIP)
		if ev.Action != cloudprovider.PodError && ev.Action != cloudprovider.PodDeleted {
			return
		}
		dedupKey := pod.Name + "/" + string(ev.Action)
		if w.dedup.seenRecently(dedupKey) {
			logger.V(1).Info("ignoring redelivered terminal event")
			return
		}
		w.dedup.mark(dedupKey)

		reason := computeExitReason(ev.Action, pod, w.state.IsReleased(pod.Name))
		logger.Info("recording exit reason", "reason", reason)
		w.state.PutKnownExitReason(pod.Name, reason)
	}
}

func isTerminal(ev cloudprovider.PodEvent) bool {
	if ev.Action == cloudprovider.PodDeleted || ev.Action == cloudprovider.PodError {
		return true
	}
	return ev.Action == cloudprovider.PodModified && ev.Pod.DeletionTimestamp != nil
}

// computeExitReason classifies the error/delete branches of a terminal pod
// event. A pod is "already released" when its name is no longer present in
// podNamesToExecutors — i.e. the executor side has already moved on (killed
// or already reaped), so this event is attributed as an explicit
// termination rather than a failure.
//
// Only a pod's first container's terminated exit code is consulted; sidecar
// exit codes are undefined here by design, matching a single-primary-container
// assumption.
func computeExitReason(action cloudprovider.PodEventAction, pod *corev1.Pod, released bool) executor.ExitReason {
	exitCode := firstContainerExitCode(pod)

	if action == cloudprovider.PodError {
		if released {
			return executor.ExitReason{
				ExitCode:    exitCode,
				CausedByApp: false,
				Message:     "Pod already released, explicit termination request.",
			}
		}
		return executor.ExitReason{
			ExitCode:    exitCode,
			CausedByApp: true,
			Message:     fmt.Sprintf("Pod %s exited with exit status code %d.", pod.Name, exitCode),
		}
	}

	// Delete branch: always framework-caused, messages only distinguish why.
	if released {
		return executor.ExitReason{
			ExitCode:    exitCode,
			CausedByApp: false,
			Message:     "Pod already released, explicit termination request.",
		}
	}
	return executor.ExitReason{
		ExitCode:    exitCode,
		CausedByApp: false,
		Message:     "Pod deleted or lost.",
	}
}

func firstContainerExitCode(pod *corev1.Pod) int {
	if len(pod.Status.ContainerStatuses) == 0 {
		return executor.UnknownExitCode
	}
	terminated := pod.Status.ContainerStatuses[0].State.Terminated
	if terminated == nil {
		return executor.UnknownExitCode
	}
	return int(terminated.ExitCode)
}
