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

// Package podfactory defines the PodFactory collaborator contract. Pod
// template construction — secrets, volumes, kerberos, hadoop config,
// java-options, affinity annotations beyond node locality — is the caller's
// concern; this package only guarantees the shape the core core relies on:
// a labelled, owned, schedulable pod.
package podfactory

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
)

// EnvVar is a single environment variable override passed through to the
// executor's primary container.
type EnvVar struct {
	Name  string
	Value string
}

// PodFactory produces a ready-to-submit pod spec for an executor. It is
// pure: it must not reach the cluster or mutate shared state.
type PodFactory interface {
	Create(ctx context.Context, executorID executor.ID, appID, driverURL string, envOverrides []EnvVar, ownerPod *corev1.Pod, nodeLocality map[string]int) (*corev1.Pod, error)
}

// DefaultFactory builds a minimal, functional executor pod: one container
// running Image, labelled and owned correctly, with node-locality expressed
// as a soft (preferred) scheduling hint. Anything beyond that — secrets,
// volumes, kerberos, custom affinities — belongs to a caller-supplied
// PodFactory built for a specific deployment.
type DefaultFactory struct {
	Namespace string
	Image     string
}

// NewDefaultFactory constructs a DefaultFactory.
func NewDefaultFactory(namespace, image string) *DefaultFactory {
	return &DefaultFactory{Namespace: namespace, Image: image}
}

func (f *DefaultFactory) Create(_ context.Context, executorID executor.ID, appID, driverURL string, envOverrides []EnvVar, ownerPod *corev1.Pod, nodeLocality map[string]int) (*corev1.Pod, error) {
	if ownerPod == nil {
		return nil, fmt.Errorf("podfactory: owner pod is required to set the owner reference")
	}
	name := fmt.Sprintf("%s-exec-%s", appID, executorID)

	env := []corev1.EnvVar{
		{Name: "EXECUTOR_ID", Value: string(executorID)},
		{Name: "APPLICATION_ID", Value: appID},
		{Name: "DRIVER_URL", Value: driverURL},
	}
	for _, o := range envOverrides {
		env = append(env, corev1.EnvVar{Name: o.Name, Value: o.Value})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: f.Namespace,
			Labels: map[string]string{
				executor.AppIDLabelKey: appID,
				"executor-id":          string(executorID),
				"spark-role":           "executor",
			},
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: "v1",
					Kind:       "Pod",
					Name:       ownerPod.Name,
					UID:        ownerPod.UID,
					Controller: boolPtr(true),
				},
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Affinity:      preferredNodeAffinity(nodeLocality),
			Containers: []corev1.Container{
				{
					Name:  "executor",
					Image: f.Image,
					Env:   env,
				},
			},
		},
	}
	return pod, nil
}

// preferredNodeAffinity turns a node -> pending-task-count map into a soft
// scheduling preference: nodes with more locally-pending tasks are weighted
// higher, but the scheduler remains free to place the pod anywhere.
func preferredNodeAffinity(nodeLocality map[string]int) *corev1.Affinity {
	if len(nodeLocality) == 0 {
		return nil
	}
	maxCount := 0
	for _, c := range nodeLocality {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount == 0 {
		return nil
	}
	terms := make([]corev1.PreferredSchedulingTerm, 0, len(nodeLocality))
	for node, count := range nodeLocality {
		if count <= 0 {
			continue
		}
		weight := int32(count * 100 / maxCount)
		if weight < 1 {
			weight = 1
		}
		if weight > 100 {
			weight = 100
		}
		terms = append(terms, corev1.PreferredSchedulingTerm{
			Weight: weight,
			Preference: corev1.NodeSelectorTerm{
				MatchExpressions: []corev1.NodeSelectorRequirement{
					{
						Key:      "kubernetes.io/hostname",
						Operator: corev1.NodeSelectorOpIn,
						Values:   []string{node},
					},
				},
			},
		})
	}
	if len(terms) == 0 {
		return nil
	}
	return &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			PreferredDuringSchedulingIgnoredDuringExecution: terms,
		},
	}
}

func boolPtr(b bool) *bool { return &b }
