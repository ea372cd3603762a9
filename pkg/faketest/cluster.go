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

// Package faketest provides in-memory fakes for the scheduler core's
// collaborator interfaces: an in-memory pod store plus synthetic watch
// events, so ginkgo specs can drive full allocator/watcher ticks without a
// real API server.
package faketest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
)

// ClusterClient is an in-memory cloudprovider.ClusterClient: it stores
// created pods keyed by name and fans every create/delete out as a
// synthetic watch event to every currently open Watch, the same way a real
// API server's watch stream reflects writes back to watchers.
type ClusterClient struct {
	mu      sync.Mutex
	pods    map[string]*corev1.Pod
	watches []*fakeWatch
	closed  bool
}

// NewClusterClient returns an empty fake ClusterClient.
func NewClusterClient() *ClusterClient {
	return &ClusterClient{pods: map[string]*corev1.Pod{}}
}

func (f *ClusterClient) CreatePod(_ context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := pod.DeepCopy()
	stored.UID = uidFor(stored.Name)
	stored.Status.Phase = corev1.PodPending
	f.pods[stored.Name] = stored
	f.broadcastLocked(cloudprovider.PodAdded, stored)
	return stored.DeepCopy(), nil
}

func (f *ClusterClient) DeletePod(_ context.Context, pod *corev1.Pod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.pods[pod.Name]
	if !ok {
		return fmt.Errorf("fake cluster: pod %s not found", pod.Name)
	}
	delete(f.pods, pod.Name)
	f.broadcastLocked(cloudprovider.PodDeleted, stored)
	return nil
}

func (f *ClusterClient) DeletePods(ctx context.Context, pods []*corev1.Pod) error {
	for _, pod := range pods {
		if err := f.DeletePod(ctx, pod); err != nil {
			return err
		}
	}
	return nil
}

func (f *ClusterClient) WatchPodsWithLabel(_ context.Context, key, value string) (cloudprovider.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWatch{out: make(chan cloudprovider.PodEvent, 64), done: make(chan struct{}), key: key, value: value}
	f.watches = append(f.watches, w)
	return w, nil
}

func (f *ClusterClient) PodByName(_ context.Context, _, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		return nil, fmt.Errorf("fake cluster: pod %s not found", name)
	}
	return pod.DeepCopy(), nil
}

func (f *ClusterClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, w := range f.watches {
		w.Close()
	}
	return nil
}

// SetOwnerPod seeds a driver pod so tests don't need a CreatePod round trip
// just to establish the owner reference anchor.
func (f *ClusterClient) SetOwnerPod(pod *corev1.Pod) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := pod.DeepCopy()
	if stored.UID == "" {
		stored.UID = uidFor(stored.Name)
	}
	f.pods[stored.Name] = stored
}

// TransitionPod applies mutate to the stored pod named name and broadcasts
// the result as the given action, simulating a kubelet-driven status update
// a real watch would deliver.
func (f *ClusterClient) TransitionPod(name string, action cloudprovider.PodEventAction, mutate func(*corev1.Pod)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		return
	}
	mutate(pod)
	if action == cloudprovider.PodDeleted {
		delete(f.pods, name)
	}
	f.broadcastLocked(action, pod)
}

func (f *ClusterClient) broadcastLocked(action cloudprovider.PodEventAction, pod *corev1.Pod) {
	for _, w := range f.watches {
		if v, ok := pod.Labels[w.key]; !ok || v != w.value {
			continue
		}
		select {
		case w.out <- cloudprovider.PodEvent{Action: action, Pod: pod.DeepCopy()}:
		case <-w.done:
		}
	}
}

func uidFor(name string) (uid types.UID) {
	return types.UID(fmt.Sprintf("%s-%s", name, uuid.NewString()))
}

type fakeWatch struct {
	out   chan cloudprovider.PodEvent
	done  chan struct{}
	key   string
	value string
}

func (w *fakeWatch) Events() <-chan cloudprovider.PodEvent { return w.out }

func (w *fakeWatch) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
