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

// Package scheduler is the reconciliation and lifecycle-bookkeeping core: it
// reconciles the set of running executor pods toward a requested total,
// correlates pod lifecycle events with the parent's RPC connections, and
// attributes exit reasons as application- or framework-caused.
package scheduler

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	corev1 "k8s.io/api/core/v1"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// PendingRemoval pairs an executor awaiting exit-reason resolution with the
// pod it was running on.
type PendingRemoval struct {
	ID  executor.ID
	Pod *corev1.Pod
}

// State is the single authoritative aggregate: executorsToPods,
// podNamesToExecutors, podsByIP, knownExitReasons, pendingRemoval and
// reasonCheckCounts, all guarded by one mutex so that cross-map updates are
// never observable as torn. totalExpected and executorIDCounter are atomics
// and need no lock.
//
// podsByIP reads take the mutex's RLock rather than Lock: callers observe a
// recent, possibly-stale snapshot without blocking each other or the five
// index maps' writers any longer than a single map access.
type State struct {
	mu sync.RWMutex

	executorsToPods     map[executor.ID]*corev1.Pod
	podNamesToExecutors map[string]executor.ID
	podsByIP            map[string]*corev1.Pod
	knownExitReasons    map[string]executor.ExitReason
	pendingRemoval      map[executor.ID]*corev1.Pod
	reasonCheckCounts   map[executor.ID]int

	totalExpected     atomic.Int64
	executorIDCounter atomic.Int64
}

// New returns an empty State.
func New() *State {
	return &State{
		executorsToPods:     map[executor.ID]*corev1.Pod{},
		podNamesToExecutors: map[string]executor.ID{},
		podsByIP:            map[string]*corev1.Pod{},
		knownExitReasons:    map[string]executor.ExitReason{},
		pendingRemoval:      map[executor.ID]*corev1.Pod{},
		reasonCheckCounts:   map[executor.ID]int{},
	}
}

// NextExecutorID assigns the next id from the monotonic counter; ids are
// never reused.
func (s *State) NextExecutorID() executor.ID {
	n := s.executorIDCounter.Add(1)
	return executor.ID(strconv.FormatInt(n, 10))
}

// TotalExpected returns the most recently requested total.
func (s *State) TotalExpected() int64 { return s.totalExpected.Load() }

// SetTotalExpected atomically stores a new target.
func (s *State) SetTotalExpected(n int64) { s.totalExpected.Store(n) }

// InsertAllocated establishes both indexes for a newly accepted pod. It
// fails if id is already allocated: no pod is ever created twice for the
// same executor id.
func (s *State) InsertAllocated(id executor.ID, pod *corev1.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executorsToPods[id]; exists {
		return fmt.Errorf("executor %s is already allocated", id)
	}
	s.executorsToPods[id] = pod
	s.podNamesToExecutors[pod.Name] = id
	return nil
}

// KillExecutor atomically removes id from both indexes and enqueues it into
// pendingRemoval, returning the pod it was running on. Used by the kill
// path: the removal from the live indexes and the enqueue into
// pendingRemoval must be observed together.
func (s *State) KillExecutor(id executor.ID) (*corev1.Pod, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pod, ok := s.executorsToPods[id]
	if !ok {
		return nil, false
	}
	delete(s.executorsToPods, id)
	delete(s.podNamesToExecutors, pod.Name)
	s.pendingRemoval[id] = pod
	return pod, true
}

// MarkPendingRemoval moves (id, pod) into pendingRemoval if id is currently
// allocated; otherwise it is a no-op — a disconnect for an unknown or
// already-gone executor is ignored.
func (s *State) MarkPendingRemoval(id executor.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pod, ok := s.executorsToPods[id]
	if !ok {
		return false
	}
	s.pendingRemoval[id] = pod
	return true
}

// RequeuePendingRemoval re-inserts (id, pod) into pendingRemoval
// unconditionally. Used only by the allocator to put an entry back after a
// snapshot-and-clear drain when its exit reason is still unknown.
func (s *State) RequeuePendingRemoval(id executor.ID, pod *corev1.Pod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRemoval[id] = pod
}

// DrainPendingRemovals snapshots and clears pendingRemoval in one step so
// the allocator can process each entry without it being mutated
// concurrently by the endpoint or another kill call mid-tick.
func (s *State) DrainPendingRemovals() []PendingRemoval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRemoval, 0, len(s.pendingRemoval))
	for id, pod := range s.pendingRemoval {
		out = append(out, PendingRemoval{ID: id, Pod: pod})
	}
	s.pendingRemoval = map[executor.ID]*corev1.Pod{}
	return out
}

// IncrementReasonCheck bumps reasonCheckCounts[id] and returns the new
// value.
func (s *State) IncrementReasonCheck(id executor.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasonCheckCounts[id]++
	return s.reasonCheckCounts[id]
}

// EraseExecutor removes every trace of an executor that has just been
// reaped: any stale pendingRemoval/reasonCheckCounts entry for id, any
// knownExitReasons entry for podName, and (defensively) the live indexes in
// case this is called for an executor the kill path had not already
// removed.
func (s *State) EraseExecutor(id executor.ID, podName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pod, ok := s.executorsToPods[id]; ok {
		delete(s.executorsToPods, id)
		delete(s.podNamesToExecutors, pod.Name)
	}
	delete(s.pendingRemoval, id)
	delete(s.reasonCheckCounts, id)
	delete(s.knownExitReasons, podName)
}

// TakeKnownExitReason removes and returns the recorded exit reason for
// podName, if any. Consumed at most once.
func (s *State) TakeKnownExitReason(podName string) (executor.ExitReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.knownExitReasons[podName]
	if ok {
		delete(s.knownExitReasons, podName)
	}
	return r, ok
}

// PutKnownExitReason records reason for podName; a later write for the same
// pod replaces the earlier one (last-writer wins).
func (s *State) PutKnownExitReason(podName string, reason executor.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownExitReasons[podName] = reason
}

// UpsertPodByIP records the pod currently reachable at ip. Called only by
// the Watcher.
func (s *State) UpsertPodByIP(ip string, pod *corev1.Pod) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.podsByIP[ip] = pod
}

// RemovePodByIP drops the entry for ip, if any.
func (s *State) RemovePodByIP(ip string) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.podsByIP, ip)
}

// PodByIP is a read-only lookup; it takes only a read lock so it never
// blocks on, or is blocked by, other readers.
func (s *State) PodByIP(ip string) (*corev1.Pod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pod, ok := s.podsByIP[ip]
	return pod, ok
}

// ClearPodsByIP empties podsByIP, used during shutdown.
func (s *State) ClearPodsByIP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.podsByIP = map[string]*corev1.Pod{}
}

// IsReleased reports whether podName no longer has a live executor — the
// "already released" check used when attributing a terminal pod event.
func (s *State) IsReleased(podName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.podNamesToExecutors[podName]
	return !ok
}

// ExecutorCount is the number of currently allocated executors (|executorsToPods|).
func (s *State) ExecutorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executorsToPods)
}

// PendingRemovalCount is the number of executors currently awaiting exit-reason
// resolution (|pendingRemoval|).
func (s *State) PendingRemovalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingRemoval)
}

// OccupiedNodes returns a snapshot of every currently-allocated pod, for the
// allocator's node-locality computation.
func (s *State) OccupiedNodes() []*corev1.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*corev1.Pod, 0, len(s.executorsToPods))
	for _, pod := range s.executorsToPods {
		out = append(out, pod)
	}
	return out
}

// DrainAllocated snapshots and clears executorsToPods and
// podNamesToExecutors together, returning the pods that were live. Used only
// during shutdown.
func (s *State) DrainAllocated() []*corev1.Pod {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*corev1.Pod, 0, len(s.executorsToPods))
	for _, pod := range s.executorsToPods {
		out = append(out, pod)
	}
	s.executorsToPods = map[executor.ID]*corev1.Pod{}
	s.podNamesToExecutors = map[string]executor.ID{}
	return out
}
