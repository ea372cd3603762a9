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

package faketest

import (
	"context"
	"sync"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// RemovedCall records a single RemoveExecutor invocation, for assertions
// that the core reported the right id and reason.
type RemovedCall struct {
	ID     executor.ID
	Reason executor.ExitReason
}

// Parent is an in-memory parent.Parent: registrations and address
// resolution are driven explicitly by tests via Register, and every
// RemoveExecutor call is recorded for later inspection.
type Parent struct {
	mu sync.Mutex

	appID                string
	addressToExecutor    map[string]executor.ID
	disabled             map[executor.ID]bool
	hostToLocalTaskCount map[string]int
	registeredCount      int
	removed              []RemovedCall
	started              bool
	stopped              bool
}

// NewParent returns an empty fake Parent for appID.
func NewParent(appID string) *Parent {
	return &Parent{
		appID:                appID,
		addressToExecutor:    map[string]executor.ID{},
		disabled:             map[executor.ID]bool{},
		hostToLocalTaskCount: map[string]int{},
	}
}

func (p *Parent) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *Parent) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *Parent) RegisteredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registeredCount
}

func (p *Parent) RemoveExecutor(id executor.ID, reason executor.ExitReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, RemovedCall{ID: id, Reason: reason})
	if p.registeredCount > 0 {
		p.registeredCount--
	}
}

func (p *Parent) DisableExecutor(id executor.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled[id] {
		return false
	}
	p.disabled[id] = true
	return true
}

func (p *Parent) AddressToExecutor(addr string) (executor.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.addressToExecutor[addr]
	return id, ok
}

func (p *Parent) HostToLocalTaskCount() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.hostToLocalTaskCount))
	for k, v := range p.hostToLocalTaskCount {
		out[k] = v
	}
	return out
}

func (p *Parent) ApplicationID() string { return p.appID }

// Register simulates an executor completing RPC registration from addr.
func (p *Parent) Register(addr string, id executor.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addressToExecutor[addr] = id
	p.registeredCount++
}

// SetHostToLocalTaskCount replaces the locality snapshot HostToLocalTaskCount
// returns.
func (p *Parent) SetHostToLocalTaskCount(m map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostToLocalTaskCount = m
}

// Removed returns a snapshot of every RemoveExecutor call observed so far.
func (p *Parent) Removed() []RemovedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemovedCall, len(p.removed))
	copy(out, p.removed)
	return out
}

// Started reports whether Start has been called.
func (p *Parent) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stopped reports whether Stop has been called.
func (p *Parent) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
