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

// Package parent defines the contract the core holds against the
// coarse-grained scheduler that owns RPC connections to executors. The core
// never reaches into the parent's internals; it only ever calls operations
// of the Parent interface below.
package parent

import (
	"context"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// Parent is the coarse-grained scheduler: it owns RPC connections to
// executors, tracks which have registered, and is the sole recipient of
// executor-loss notifications.
type Parent interface {
	// Start is invoked once before the allocator and watcher begin running.
	Start(ctx context.Context) error
	// Stop sends shutdown to connected executors over RPC. Best-effort.
	Stop(ctx context.Context) error
	// RegisteredCount is the number of executors that have completed RPC
	// registration with the parent.
	RegisteredCount() int
	// RemoveExecutor is invoked at most once per executor id, reporting why
	// it is gone.
	RemoveExecutor(id executor.ID, reason executor.ExitReason)
	// DisableExecutor marks an executor as no longer eligible for work and
	// reports whether this call was the one to do so (preventing a second
	// disconnect for the same id from scheduling removal twice).
	DisableExecutor(id executor.ID) bool
	// AddressToExecutor resolves an RPC remote address to the executor id
	// that registered from it, if any.
	AddressToExecutor(addr string) (executor.ID, bool)
	// HostToLocalTaskCount is a snapshot of per-node pending task counts
	// used to bias new pod placement toward data locality.
	HostToLocalTaskCount() map[string]int
	// ApplicationID identifies the application whose executors this core is
	// managing; it labels every pod this core creates and watches.
	ApplicationID() string
}
