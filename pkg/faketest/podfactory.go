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
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/podfactory"
)

// PodFactory is a minimal podfactory.PodFactory that records every
// nodeLocality it was asked to build with and, optionally, fails
// deterministically for tests exercising the creation-failure path.
type PodFactory struct {
	mu sync.Mutex

	FailNextN int
	calls     []map[string]int
}

// NewPodFactory returns a PodFactory that always succeeds.
func NewPodFactory() *PodFactory { return &PodFactory{} }

func (f *PodFactory) Create(_ context.Context, executorID executor.ID, appID, _ string, _ []podfactory.EnvVar, ownerPod *corev1.Pod, nodeLocality map[string]int) (*corev1.Pod, error) {
	f.mu.Lock()
	f.calls = append(f.calls, nodeLocality)
	if f.FailNextN > 0 {
		f.FailNextN--
		f.mu.Unlock()
		return nil, fmt.Errorf("faketest: forced pod creation failure for %s", executorID)
	}
	f.mu.Unlock()

	name := fmt.Sprintf("%s-exec-%s", appID, executorID)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				executor.AppIDLabelKey: appID,
				"executor-id":          string(executorID),
			},
		},
	}
	if ownerPod != nil {
		pod.OwnerReferences = []metav1.OwnerReference{{Name: ownerPod.Name, UID: ownerPod.UID}}
	}
	return pod, nil
}

// Calls returns the nodeLocality argument passed to every Create call so
// far, in order.
func (f *PodFactory) Calls() []map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]int, len(f.calls))
	copy(out, f.calls)
	return out
}
