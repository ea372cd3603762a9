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

// Package cloudprovider defines the ClusterClient collaborator contract and
// a client-go backed implementation of it. Everything about pod template
// construction, credentials, and cluster authentication lives outside this
// package; ClusterClient only ever sees pods it is handed.
package cloudprovider

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"go.uber.org/multierr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PodEventAction classifies a watch event the way the allocator and watcher
// care about it, independent of the underlying client-go watch.EventType.
type PodEventAction string

const (
	PodAdded    PodEventAction = "ADDED"
	PodModified PodEventAction = "MODIFIED"
	PodDeleted  PodEventAction = "DELETED"
	PodError    PodEventAction = "ERROR"
)

// PodEvent is a single pod lifecycle transition delivered by a Watch.
type PodEvent struct {
	Action PodEventAction
	Pod    *corev1.Pod
}

// Watch is a live, closeable stream of PodEvents.
type Watch interface {
	Events() <-chan PodEvent
	Close()
}

// ClusterClient is the collaborator that talks to the container
// orchestration cluster. It is consumed by the Allocator (create/delete) and
// the Watcher (watch), and is closed once at shutdown.
type ClusterClient interface {
	CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	DeletePod(ctx context.Context, pod *corev1.Pod) error
	DeletePods(ctx context.Context, pods []*corev1.Pod) error
	WatchPodsWithLabel(ctx context.Context, key, value string) (Watch, error)
	PodByName(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	Close() error
}

// KubeClusterClient implements ClusterClient against a real cluster API
// server via client-go.
type KubeClusterClient struct {
	clientset kubernetes.Interface
	namespace string
}

// NewKubeClusterClient scopes every operation to namespace.
func NewKubeClusterClient(clientset kubernetes.Interface, namespace string) *KubeClusterClient {
	return &KubeClusterClient{clientset: clientset, namespace: namespace}
}

func (c *KubeClusterClient) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod %s: %w", pod.Name, err)
	}
	return created, nil
}

func (c *KubeClusterClient) DeletePod(ctx context.Context, pod *corev1.Pod) error {
	if err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("deleting pod %s: %w", pod.Name, err)
	}
	return nil
}

// DeletePods best-effort deletes every pod, logging each individual failure
// and continuing rather than aborting the batch; the failures are returned
// combined.
func (c *KubeClusterClient) DeletePods(ctx context.Context, pods []*corev1.Pod) error {
	var errs error
	for _, pod := range pods {
		if err := c.DeletePod(ctx, pod); err != nil {
			log.FromContext(ctx).Error(err, "failed to delete pod", "pod", pod.Name)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *KubeClusterClient) WatchPodsWithLabel(ctx context.Context, key, value string) (Watch, error) {
	w, err := c.clientset.CoreV1().Pods(c.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", key, value),
	})
	if err != nil {
		return nil, fmt.Errorf("opening pod watch for %s=%s: %w", key, value, err)
	}
	return wrapWatch(w), nil
}

func (c *KubeClusterClient) PodByName(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s/%s: %w", namespace, name, err)
	}
	return pod, nil
}

// Close releases resources held by the underlying client. client-go's
// clientset has none to release; this exists so ClusterClient has a single
// teardown point regardless of implementation.
func (c *KubeClusterClient) Close() error {
	return nil
}

// kubeWatch adapts a client-go watch.Interface to the Watch contract,
// translating watch.Event into PodEvent on a dedicated goroutine so a slow
// consumer never blocks the informer's delivery loop beyond one event.
type kubeWatch struct {
	inner watch.Interface
	out   chan PodEvent
	done  chan struct{}
}

func wrapWatch(inner watch.Interface) *kubeWatch {
	kw := &kubeWatch{inner: inner, out: make(chan PodEvent), done: make(chan struct{})}
	go kw.run()
	return kw
}

func (kw *kubeWatch) run() {
	defer close(kw.out)
	for {
		select {
		case ev, ok := <-kw.inner.ResultChan():
			if !ok {
				return
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			select {
			case kw.out <- PodEvent{Action: mapEventType(ev.Type), Pod: pod}:
			case <-kw.done:
				return
			}
		case <-kw.done:
			return
		}
	}
}

func (kw *kubeWatch) Events() <-chan PodEvent { return kw.out }

func (kw *kubeWatch) Close() {
	select {
	case <-kw.done:
	default:
		close(kw.done)
	}
	kw.inner.Stop()
}

func mapEventType(t watch.EventType) PodEventAction {
	switch t {
	case watch.Added:
		return PodAdded
	case watch.Modified:
		return PodModified
	case watch.Deleted:
		return PodDeleted
	default:
		return PodError
	}
}
