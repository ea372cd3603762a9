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

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/karpenter-sh/executor-scheduler/pkg/parent"
)

// DriverEndpoint is the RPC-facing hook the parent's transport layer calls
// when an executor's connection drops, translating that event into a
// pending removal the allocator will resolve on its next tick.
type DriverEndpoint struct {
	state  *State
	parent parent.Parent
}

// NewDriverEndpoint constructs a DriverEndpoint.
func NewDriverEndpoint(state *State, p parent.Parent) *DriverEndpoint {
	return &DriverEndpoint{state: state, parent: p}
}

// OnDisconnected is invoked once per RPC disconnect event. A disconnect for
// an address the parent never registered, or for an executor already
// disabled by an earlier disconnect, is a no-op — DisableExecutor reports
// true only the first time it succeeds for a given id, which prevents the
// same executor from being queued for removal twice.
func (e *DriverEndpoint) OnDisconnected(ctx context.Context, addr string) {
	logger := log.FromContext(ctx).WithValues("address", addr)

	id, ok := e.parent.AddressToExecutor(addr)
	if !ok {
		logger.V(1).Info("disconnect from unregistered address, ignoring")
		return
	}
	if !e.parent.DisableExecutor(id) {
		logger.V(1).Info("executor already disabled, ignoring duplicate disconnect", "executorID", id)
		return
	}
	if !e.state.MarkPendingRemoval(id) {
		logger.V(1).Info("disconnected executor has no live pod, ignoring", "executorID", id)
		return
	}
	pendingRemovals.Set(float64(e.state.PendingRemovalCount()))
	logger.Info("executor disconnected, queued for removal", "executorID", id)
}
