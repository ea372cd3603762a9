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

package parent

import (
	"context"
	"sync"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// Standalone is a reference Parent implementation for running the core as
// its own process rather than embedded in a larger scheduler. The actual RPC
// registration/disconnect plumbing a real coarse-grained scheduler provides
// is left to that layer; Standalone exposes the same surface via direct
// method calls so an embedding RPC layer only needs to call RegisterAddress
// on registration, and the backend's DriverEndpoint().OnDisconnected on
// disconnect, when those events happen.
type Standalone struct {
	appID string

	mu                   sync.Mutex
	addressToExecutor    map[string]executor.ID
	disabled             map[executor.ID]bool
	hostToLocalTaskCount map[string]int
	removed              []removedCall
}

type removedCall struct {
	id     executor.ID
	reason executor.ExitReason
}

// NewStandalone constructs a Standalone parent for the given application id.
func NewStandalone(appID string) *Standalone {
	return &Standalone{
		appID:                appID,
		addressToExecutor:    map[string]executor.ID{},
		disabled:             map[executor.ID]bool{},
		hostToLocalTaskCount: map[string]int{},
	}
}

func (s *Standalone) Start(_ context.Context) error { return nil }
func (s *Standalone) Stop(_ context.Context) error   { return nil }

func (s *Standalone) RegisteredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addressToExecutor)
}

func (s *Standalone) RemoveExecutor(id executor.ID, reason executor.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, removedCall{id: id, reason: reason})
	for addr, eid := range s.addressToExecutor {
		if eid == id {
			delete(s.addressToExecutor, addr)
		}
	}
}

func (s *Standalone) DisableExecutor(id executor.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled[id] {
		return false
	}
	s.disabled[id] = true
	return true
}

func (s *Standalone) AddressToExecutor(addr string) (executor.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.addressToExecutor[addr]
	return id, ok
}

func (s *Standalone) HostToLocalTaskCount() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hostToLocalTaskCount))
	for k, v := range s.hostToLocalTaskCount {
		out[k] = v
	}
	return out
}

func (s *Standalone) ApplicationID() string { return s.appID }

// RegisterAddress is called by the embedding RPC layer once an executor
// completes registration from addr.
func (s *Standalone) RegisterAddress(addr string, id executor.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addressToExecutor[addr] = id
}

// SetHostToLocalTaskCount replaces the locality snapshot the next allocation
// tick will read.
func (s *Standalone) SetHostToLocalTaskCount(m map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostToLocalTaskCount = m
}
